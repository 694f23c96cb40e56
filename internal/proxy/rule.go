package proxy

import (
	"net/http"
	"strings"

	"github.com/webstore/offline-proxy/internal/config"
)

// Rule interface for matching requests against interception rules
type Rule interface {
	Match(requ *http.Request) bool
}

// ConfigRule implements Rule interface for config-based rules
type ConfigRule struct {
	config.CacheRule
}

// Match checks if a request matches this rule.
// A rule without methods matches every method.
func (r *ConfigRule) Match(requ *http.Request) bool {
	if !strings.HasPrefix(getTargetURL(requ), r.BaseURI) {
		return false
	}

	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, requ.Method) {
			return true
		}
	}
	return false
}

func newRules(cfg config.RulesConfig) []Rule {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, &ConfigRule{CacheRule: r})
	}
	return rules
}

// shouldIntercept applies the rules: in whitelist mode only matching requests
// reach the worker, in blacklist mode matching requests bypass it
func (s *Server) shouldIntercept(requ *http.Request) bool {
	matched := false
	for _, rule := range s.rules {
		if rule.Match(requ) {
			matched = true
			break
		}
	}

	if s.config.Rules.Mode == "whitelist" {
		return matched
	}
	return !matched
}

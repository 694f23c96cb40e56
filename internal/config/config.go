package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	Worker  WorkerConfig  `yaml:"worker"`
	Network NetworkConfig `yaml:"network"`
	Cache   CacheConfig   `yaml:"cache"`
	Rules   RulesConfig   `yaml:"rules"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig contains proxy listener configuration
type ServerConfig struct {
	Port int `yaml:"port" env:"OFFLINE_PROXY_PORT"`
	// Origin is the storefront the worker is scoped to, e.g. "http://localhost:5000"
	Origin string      `yaml:"origin" env:"OFFLINE_PROXY_ORIGIN"`
	HTTPS  HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls TLS interception of the origin when it is served over HTTPS
type HTTPSConfig struct {
	Intercept       bool   `yaml:"intercept" env:"OFFLINE_PROXY_HTTPS_INTERCEPT"`
	TransparentPort int    `yaml:"transparent_port"`
	CACertFile      string `yaml:"ca_cert_file" env:"OFFLINE_PROXY_CA_CERT_FILE"`
	CAKeyFile       string `yaml:"ca_key_file" env:"OFFLINE_PROXY_CA_KEY_FILE"`
}

// AdminConfig contains the admin API listener configuration
type AdminConfig struct {
	// Address is the interface the admin API binds. The API is unauthenticated,
	// so it stays on loopback unless this is changed.
	Address string `yaml:"address" env:"OFFLINE_PROXY_ADMIN_ADDRESS"`
	Port    int    `yaml:"port" env:"OFFLINE_PROXY_ADMIN_PORT"`
}

// WorkerConfig describes the cache policy applied to intercepted requests
type WorkerConfig struct {
	// Version names the cache bucket. Changing it invalidates every cached entry.
	Version       string   `yaml:"version" env:"OFFLINE_PROXY_VERSION"`
	SkipWaiting   bool     `yaml:"skip_waiting" env:"OFFLINE_PROXY_SKIP_WAITING"`
	Precache      []string `yaml:"precache"`
	FallbackImage string   `yaml:"fallback_image"`
	OfflineBody   string   `yaml:"offline_body"`
}

// NetworkConfig contains upstream client configuration
type NetworkConfig struct {
	Timeout string `yaml:"timeout" env:"OFFLINE_PROXY_NETWORK_TIMEOUT"`
}

// CacheConfig selects and configures the bucket storage backend
type CacheConfig struct {
	Backend string      `yaml:"backend" env:"OFFLINE_PROXY_CACHE_BACKEND"` // memory, disk, leveldb, sqlite, redis or s3
	Folder  string      `yaml:"folder" env:"OFFLINE_PROXY_CACHE_FOLDER"`
	Redis   RedisConfig `yaml:"redis"`
	S3      S3Config    `yaml:"s3"`
}

// RedisConfig contains redis backend settings
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"OFFLINE_PROXY_REDIS_ADDR"`
	Password string `yaml:"password" env:"OFFLINE_PROXY_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"OFFLINE_PROXY_REDIS_DB"`
	Prefix   string `yaml:"prefix"`
}

// S3Config contains S3 backend settings
type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"OFFLINE_PROXY_S3_ENDPOINT"`
	Region    string `yaml:"region" env:"OFFLINE_PROXY_S3_REGION"`
	Bucket    string `yaml:"bucket" env:"OFFLINE_PROXY_S3_BUCKET"`
	AccessKey string `yaml:"access_key" env:"OFFLINE_PROXY_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"OFFLINE_PROXY_S3_SECRET_KEY"`
	Prefix    string `yaml:"prefix"`
}

// RulesConfig decides which requests the worker intercepts
type RulesConfig struct {
	Mode  string      `yaml:"mode"` // "whitelist" or "blacklist"
	Rules []CacheRule `yaml:"rules"`
}

// CacheRule defines an interception rule
type CacheRule struct {
	BaseURI string   `yaml:"base_uri"`
	Methods []string `yaml:"methods"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"OFFLINE_PROXY_LOG_LEVEL"`
	Format string `yaml:"format" env:"OFFLINE_PROXY_LOG_FORMAT"` // text or json
}

type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"OFFLINE_PROXY_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name"`
}

// DefaultPrecache is the asset manifest seeded into the bucket at install time.
var DefaultPrecache = []string{
	"/",
	"/products",
	"/static/css/styles.css",
	"/static/images/logo.png",
	"/static/images/logo-192.png",
	"/static/images/logo-512.png",
	"/static/manifest.json",
}

// Default returns the configuration used for every key the config file omits
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Admin:  AdminConfig{Address: "127.0.0.1", Port: 9090},
		Worker: WorkerConfig{
			Version:       "webstore-v1",
			SkipWaiting:   true,
			Precache:      append([]string(nil), DefaultPrecache...),
			FallbackImage: "/static/images/logo-192.png",
			OfflineBody:   "Offline",
		},
		Network: NetworkConfig{Timeout: "30s"},
		Cache: CacheConfig{
			Backend: "disk",
			Folder:  "./cache",
			Redis:   RedisConfig{Prefix: "offline-proxy"},
			S3:      S3Config{Prefix: "offline-proxy/"},
		},
		Rules:   RulesConfig{Mode: "blacklist"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{ServiceName: "offline-proxy"},
	}
}

// Load loads configuration from a YAML file, on top of the defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	config.Server.Origin = strings.TrimRight(config.Server.Origin, "/")

	return &config, nil
}

// Watch calls onChange with the reloaded configuration every time the file at path changes.
// The returned function stops watching.
func Watch(path string, onChange func(*Config, error)) (func() error, error) {
	f := file.Provider(path)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			onChange(nil, fmt.Errorf("watching config file: %w", err))
			return
		}
		onChange(Load(path))
	})
	if err != nil {
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	return f.Unwatch, nil
}

// GetNetworkTimeout parses and returns the upstream timeout
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetOrigin parses the configured origin
func (c *Config) GetOrigin() (*url.URL, error) {
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin has no host: %q", c.Server.Origin)
	}
	return u, nil
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// GetAdminAddr returns the admin API listen address
func (c *Config) GetAdminAddr() string {
	return net.JoinHostPort(c.Admin.Address, strconv.Itoa(c.Admin.Port))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.Server.Port {
		return fmt.Errorf("admin port must differ from server port: %d", c.Admin.Port)
	}
	if c.Admin.Address != "localhost" && net.ParseIP(c.Admin.Address) == nil {
		return fmt.Errorf("admin address must be an IP address or localhost, got: %q", c.Admin.Address)
	}

	if c.Server.Origin == "" {
		return fmt.Errorf("server origin is required")
	}
	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid server origin: %w", err)
	}

	if c.Worker.Version == "" {
		return fmt.Errorf("worker version is required")
	}
	if strings.ContainsAny(c.Worker.Version, "/\\\x00") {
		return fmt.Errorf("worker version must not contain path separators: %q", c.Worker.Version)
	}

	for _, p := range c.Worker.Precache {
		if err := validatePath(p); err != nil {
			return fmt.Errorf("invalid precache entry: %w", err)
		}
	}
	if c.Worker.FallbackImage != "" {
		if err := validatePath(c.Worker.FallbackImage); err != nil {
			return fmt.Errorf("invalid fallback image: %w", err)
		}
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}

	if c.Rules.Mode != "whitelist" && c.Rules.Mode != "blacklist" {
		return fmt.Errorf("rules mode must be 'whitelist' or 'blacklist', got: %s", c.Rules.Mode)
	}

	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}

func (c *CacheConfig) validate() error {
	switch c.Backend {
	case "memory":
	case "disk", "leveldb", "sqlite":
		if c.Folder == "" {
			return fmt.Errorf("cache folder is required for backend %s", c.Backend)
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required")
		}
	case "s3":
		if c.S3.Endpoint == "" || c.S3.Bucket == "" || c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			return fmt.Errorf("s3 endpoint/bucket/access/secret are required")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Backend)
	}
	return nil
}

// precache entries and fallbacks are same-origin absolute paths
func validatePath(p string) error {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return fmt.Errorf("%q is not an absolute same-origin path", p)
	}
	if _, err := url.Parse(p); err != nil {
		return fmt.Errorf("%q: %w", p, err)
	}
	return nil
}

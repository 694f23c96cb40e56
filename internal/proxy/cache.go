package proxy

import (
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/webstore/offline-proxy/internal/worker"
)

// handle passes an intercepted request to the active worker. It returns nil
// when the request must go to the network unchanged.
func (s *Server) handle(requ *http.Request) *http.Response {
	w := s.reg.Active()
	switch {
	case w == nil:
		logrus.Debugf("No active worker, forwarding %s %s", requ.Method, requ.URL)
	case !w.Intercepts(requ):
		logrus.Debugf("Forwarding %s %s: method is not intercepted", requ.Method, requ.URL)
	case !s.controlled(requ):
		logrus.Debugf("Forwarding %s %s: outside of %s", requ.Method, requ.URL, s.origin)
	case !s.shouldIntercept(requ):
		logrus.Debugf("Forwarding %s %s: excluded by rules", requ.Method, requ.URL)
	default:
		return s.fetch(w, requ)
	}
	s.metrics.PassThrough()
	return nil
}

func (s *Server) fetch(w *worker.Worker, requ *http.Request) *http.Response {
	resp, err := w.Fetch(requ)
	if err != nil {
		logrus.Errorf("Failed to answer %s %s: %v", requ.Method, requ.URL, err)
		return goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, http.StatusText(http.StatusBadGateway))
	}
	logrus.Infof("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, resp.Header.Get("X-Cache"))
	return resp
}

// controlled reports whether req belongs to the storefront: a same-origin
// request, or a cross-origin subresource loaded by a storefront page.
// Navigations to other sites are never controlled.
func (s *Server) controlled(requ *http.Request) bool {
	if worker.SameOrigin(requ.URL, s.origin) {
		return true
	}
	if worker.IsNavigation(requ) {
		return false
	}
	referer, err := url.Parse(requ.Referer())
	return err == nil && worker.SameOrigin(referer, s.origin)
}

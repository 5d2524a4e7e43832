package server

import (
	"net/http"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// adminGuard rejects the admin prefix on user pods. The role is fixed at
// startup, so no request can talk its way into the admin tier.
func (s *Server) adminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isAdminPath(r.URL.Path) && !s.cfg.IsAdmin() {
			klog.V(2).InfoS("Rejected admin request on user pod", "path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// gate answers user traffic with 503 while maintenance is on. Probes and the
// admin prefix always pass.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sess := s.tracker.Track(w, r)

		res := s.resolver.Resolve(r.Context())
		if !res.Enabled {
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), sess)))
			return
		}

		s.metrics.BlockedRequests.Inc()
		klog.V(2).InfoS("Blocked request during maintenance", "path", r.URL.Path, "source", res.Source)

		retryAfter := s.cfg.RetryAfterSeconds()
		h := w.Header()
		h.Set("Retry-After", strconv.Itoa(retryAfter))
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Expires", "0")

		if prefersJSON(r) {
			writeError(w, http.StatusServiceUnavailable, "service in maintenance mode")
			return
		}

		p := s.newPage("Maintenance")
		p.RetryAfterMinutes = (retryAfter + 59) / 60
		s.render(w, http.StatusServiceUnavailable, "maintenance", p)
	})
}

// prefersJSON is true for API clients that ask for JSON and not for HTML
func prefersJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

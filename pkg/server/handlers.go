package server

import (
	"context"
	"net/http"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/maintenance/state"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/session"
)

type sessionKey struct{}

func withSession(ctx context.Context, sess session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

func sessionFrom(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(session.Session)
	return sess, ok
}

// ReadyStatus is the answer of /ready
type ReadyStatus struct {
	Ready  bool
	Status string
	Reason string
}

// Readiness computes ready = admin OR !maintenance. A draining user pod is
// never ready; a draining admin pod keeps serving operators.
func (s *Server) Readiness(ctx context.Context) ReadyStatus {
	if s.cfg.IsAdmin() {
		return ReadyStatus{Ready: true, Status: "ready"}
	}
	if s.ShuttingDown() {
		return ReadyStatus{Status: "shutting_down", Reason: "draining"}
	}
	if s.resolver.Enabled(ctx) {
		return ReadyStatus{Status: "not_ready", Reason: "maintenance_mode"}
	}
	return ReadyStatus{Ready: true, Status: "ready"}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rd := s.Readiness(r.Context())
	s.metrics.ReadinessChecks.WithLabelValues(rd.Status).Inc()

	body := map[string]string{"status": rd.Status}
	if rd.Reason != "" {
		body["reason"] = rd.Reason
	}
	if s.cfg.IsAdmin() {
		body["pod_type"] = "admin"
	}

	w.Header().Set("Cache-Control", "no-store")
	if !rd.Ready {
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// LocalState reports this pod for the fleet view
func (s *Server) LocalState(ctx context.Context) *state.PodState {
	res := s.resolver.Resolve(ctx)
	return &state.PodState{
		PodName:        s.cfg.PodName,
		PodIP:          s.podIP,
		Namespace:      s.cfg.Namespace,
		Role:           string(s.cfg.Role),
		Ready:          s.Readiness(ctx).Ready,
		Maintenance:    res.Enabled,
		Source:         res.Source,
		ShuttingDown:   s.ShuttingDown(),
		ActiveSessions: s.tracker.Count(ctx),
		StartupTime:    s.startupTime,
		LastSeen:       time.Now(),
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.LocalState(r.Context()))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	p := s.newPage("Demo application")
	if sess, ok := sessionFrom(r.Context()); ok {
		p.SessionID = sess.ID
	}
	s.render(w, http.StatusOK, "index", p)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	graceful := r.URL.Query().Get("reason") == "drain"
	s.tracker.Logout(w, r, graceful)

	p := s.newPage("Logged out")
	p.Graceful = graceful
	s.render(w, http.StatusOK, "logout", p)
}

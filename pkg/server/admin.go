package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/fleet"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/source"
	"k8s.io/klog/v2"
)

const usersRefreshSeconds = 5

type maintenanceRequest struct {
	Enabled *bool `json:"enabled"`
}

type maintenanceError struct {
	Error   string `json:"error"`
	Enabled bool   `json:"enabled"`
	Source  string `json:"source"`
}

func (s *Server) handleAdminPanel(w http.ResponseWriter, r *http.Request) {
	s.renderPanel(w, r, http.StatusOK, "")
}

// handleAdminToggle serves the panel form. A failed write re-renders the
// panel with the error so the browser stays on an HTML page.
func (s *Server) handleAdminToggle(w http.ResponseWriter, r *http.Request) {
	current := s.resolver.Resolve(r.Context())

	if res, err := s.setMaintenance(r, !current.Enabled); err != nil {
		s.renderPanel(w, r, statusForSetError(err), toggleErrorMessage(res, err))
		return
	}

	http.Redirect(w, r, s.cfg.AdminPrefix, http.StatusSeeOther)
}

func (s *Server) renderPanel(w http.ResponseWriter, r *http.Request, status int, errMsg string) {
	p := s.newPage("Maintenance control")
	p.Resolution = s.resolver.Resolve(r.Context())
	p.Sources = s.resolver.Sources()
	p.ActiveSessions = s.tracker.Count(r.Context())
	p.Error = errMsg
	s.render(w, status, "admin", p)
}

func toggleErrorMessage(res source.Resolution, err error) string {
	switch {
	case errors.Is(err, source.ErrPinned):
		return "Toggle had no effect: " + res.Source + " still decides the flag. Change it there."
	case errors.Is(err, source.ErrReadOnly):
		return "Toggle failed: no writable maintenance flag source is configured."
	default:
		return "Toggle failed: " + err.Error()
	}
}

func (s *Server) handleGetMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.resolver.Resolve(r.Context()))
}

// handlePutMaintenance sets the flag to the requested value. Repeating the
// same value is a no-op from the caller's point of view.
func (s *Server) handlePutMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `missing "enabled"`)
		return
	}

	res, err := s.setMaintenance(r, *req.Enabled)
	if err != nil {
		writeJSON(w, statusForSetError(err), maintenanceError{
			Error:   err.Error(),
			Enabled: res.Enabled,
			Source:  res.Source,
		})
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) setMaintenance(r *http.Request, enabled bool) (source.Resolution, error) {
	previous := s.resolver.Resolve(r.Context())

	res, err := s.resolver.Set(r.Context(), enabled)
	if err != nil {
		klog.ErrorS(err, "Failed to change maintenance mode",
			"audit", "true",
			"requested", enabled,
			"pod", s.cfg.PodName,
			"remote", r.RemoteAddr)
		return res, err
	}

	s.metrics.Toggles.WithLabelValues(strconv.FormatBool(enabled)).Inc()
	metrics.SetBool(s.metrics.MaintenanceMode, res.Enabled)

	klog.InfoS("Maintenance mode changed",
		"audit", "true",
		"enabled", res.Enabled,
		"previous", previous.Enabled,
		"source", res.Source,
		"pod", s.cfg.PodName,
		"remote", r.RemoteAddr)

	return res, nil
}

func statusForSetError(err error) int {
	switch {
	case errors.Is(err, source.ErrPinned):
		return http.StatusConflict
	case errors.Is(err, source.ErrReadOnly):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.tracker.Active(r.Context())
	if err != nil {
		klog.ErrorS(err, "Failed to list sessions for dashboard")
	}

	p := s.newPage("Active users")
	p.Refresh = usersRefreshSeconds
	p.Sessions = sessions
	s.render(w, http.StatusOK, "users", p)
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.tracker.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// handleAdminClearSessions logs out every user on every pod
func (s *Server) handleAdminClearSessions(w http.ResponseWriter, r *http.Request) {
	n, err := s.tracker.ForceCloseAll(r.Context())
	if err != nil {
		klog.ErrorS(err, "Failed to clear sessions")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	klog.InfoS("Cleared all sessions", "audit", "true", "count", n, "pod", s.cfg.PodName, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (s *Server) handleAdminPods(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeError(w, http.StatusServiceUnavailable, fleet.ErrNoKubeClient.Error())
		return
	}

	peers, err := s.fleet.Peers(r.Context())
	if errors.Is(err, fleet.ErrNoKubeClient) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		klog.ErrorS(err, "Failed to collect fleet state")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"self":  s.LocalState(r.Context()),
		"peers": peers,
	})
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// CookieName holds the session ID in the browser
const CookieName = "maintenance_session"

// Tracker maps requests to sessions and keeps the session metrics current
type Tracker struct {
	store   Store
	podName string
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates a tracker. metrics may be nil.
func NewTracker(store Store, podName string, ttl time.Duration, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   store,
		podName: podName,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
	}
}

// Track refreshes the caller's session or starts a new one. Store failures
// are logged and never fail the request.
func (t *Tracker) Track(w http.ResponseWriter, r *http.Request) Session {
	ctx := r.Context()
	now := t.now()

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		err := t.store.Touch(ctx, c.Value, now)
		if err == nil {
			return Session{ID: c.Value, Pod: t.podName, LastActivity: now}
		}
		if !errors.Is(err, ErrNotFound) {
			klog.ErrorS(err, "Failed to refresh session", "session", c.Value)
			return Session{ID: c.Value, Pod: t.podName, LastActivity: now}
		}
	}

	id := uuid.NewString()
	sess := Session{
		ID:           id,
		User:         fmt.Sprintf("user-%s", id[:8]),
		Pod:          t.podName,
		LoginTime:    now,
		LastActivity: now,
	}
	if err := t.store.Create(ctx, sess); err != nil {
		klog.ErrorS(err, "Failed to create session", "session", id)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(t.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if t.metrics != nil {
		t.metrics.TotalLogins.Inc()
	}
	klog.V(2).InfoS("Session started", "session", id, "pod", t.podName)

	return sess
}

// Logout ends the caller's session. graceful marks a logout that followed a
// drain notice.
func (t *Tracker) Logout(w http.ResponseWriter, r *http.Request, graceful bool) {
	c, err := r.Cookie(CookieName)
	if err == nil && c.Value != "" {
		if err := t.store.Delete(r.Context(), c.Value); err != nil {
			klog.ErrorS(err, "Failed to delete session", "session", c.Value)
		}
		klog.V(2).InfoS("Session ended", "session", c.Value, "graceful", graceful)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})

	if graceful && t.metrics != nil {
		t.metrics.GracefulLogouts.Inc()
	}
}

// Active lists sessions and updates the active sessions gauge
func (t *Tracker) Active(ctx context.Context) ([]Session, error) {
	sessions, err := t.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if t.metrics != nil {
		t.metrics.ActiveSessions.Set(float64(len(sessions)))
	}
	return sessions, nil
}

// Count returns the number of active sessions, 0 when the store is unavailable
func (t *Tracker) Count(ctx context.Context) int {
	sessions, err := t.Active(ctx)
	if err != nil {
		klog.ErrorS(err, "Failed to count sessions")
		return 0
	}
	return len(sessions)
}

// Local lists the sessions that were started on this pod
func (t *Tracker) Local(ctx context.Context) ([]Session, error) {
	sessions, err := t.Active(ctx)
	if err != nil {
		return nil, err
	}

	local := sessions[:0]
	for _, sess := range sessions {
		if sess.Pod == t.podName {
			local = append(local, sess)
		}
	}
	return local, nil
}

// ForceCloseLocal ends the sessions of this pod and counts them as forced
// logouts. Sessions of other pods are left alone.
func (t *Tracker) ForceCloseLocal(ctx context.Context) (int, error) {
	local, err := t.Local(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, sess := range local {
		if err := t.store.Delete(ctx, sess.ID); err != nil {
			return closed, fmt.Errorf("failed to close session %s: %w", sess.ID, err)
		}
		closed++
		if t.metrics != nil {
			t.metrics.ForcedLogouts.Inc()
		}
	}
	return closed, nil
}

// ForceCloseAll drops every session of every pod and counts them as forced logouts
func (t *Tracker) ForceCloseAll(ctx context.Context) (int, error) {
	n, err := t.store.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clear sessions: %w", err)
	}
	if t.metrics != nil {
		t.metrics.ForcedLogouts.Add(float64(n))
		t.metrics.ActiveSessions.Set(0)
	}
	return n, nil
}

// Package server wires the HTTP surface of the maintenance gate: probes,
// the request gate, user pages and the admin tier.
package server

import (
	"embed"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/auth"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/config"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/events"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/fleet"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/session"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/source"
	"github.com/gorilla/mux"
	"k8s.io/klog/v2"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Options carries the collaborators of the HTTP server
type Options struct {
	Config   *config.Config
	Resolver *source.Resolver
	Tracker  *session.Tracker
	Broker   *events.Broker
	Metrics  *metrics.Metrics
	Auth     *auth.Authenticator
	// Fleet may be nil outside a cluster; /admin/pods then answers 503
	Fleet *fleet.Collector
	PodIP string
}

// Server answers probes and gates user traffic on the maintenance flag
type Server struct {
	cfg      *config.Config
	resolver *source.Resolver
	tracker  *session.Tracker
	broker   *events.Broker
	metrics  *metrics.Metrics
	auth     *auth.Authenticator
	fleet    *fleet.Collector

	podIP       string
	startupTime time.Time

	shuttingDown atomic.Bool

	handler http.Handler
}

// New builds the router
func New(opts Options) *Server {
	s := &Server{
		cfg:         opts.Config,
		resolver:    opts.Resolver,
		tracker:     opts.Tracker,
		broker:      opts.Broker,
		metrics:     opts.Metrics,
		auth:        opts.Auth,
		fleet:       opts.Fleet,
		podIP:       opts.PodIP,
		startupTime: time.Now(),
	}
	if s.auth == nil {
		s.auth = auth.New("")
	}

	s.setupRoutes()
	return s
}

// ServeHTTP runs the admin guard and the request gate before route dispatch.
// They wrap the router because mux middleware only runs for matched routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// SetShuttingDown marks the pod as draining; user pods then fail readiness
func (s *Server) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
	metrics.SetBool(s.metrics.ShuttingDown, v)
}

// ShuttingDown reports whether the drain sequence started
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/events", s.broker).Methods(http.MethodGet)
	r.Handle("/state", s.auth.Middleware(http.HandlerFunc(s.handleState))).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodGet, http.MethodPost)

	// Admin routes are registered with their full path on the root router. A
	// subrouter would answer wrong methods with its own 404 instead of 405.
	prefix := s.cfg.AdminPrefix
	r.HandleFunc(prefix, s.handleAdminPanel).Methods(http.MethodGet)
	r.HandleFunc(prefix+"/toggle", s.handleAdminToggle).Methods(http.MethodPost)
	r.HandleFunc(prefix+"/api/maintenance", s.handleGetMaintenance).Methods(http.MethodGet)
	r.HandleFunc(prefix+"/api/maintenance", s.handlePutMaintenance).Methods(http.MethodPut)
	r.HandleFunc(prefix+"/users", s.handleAdminUsers).Methods(http.MethodGet)
	r.HandleFunc(prefix+"/api/sessions", s.handleAdminSessions).Methods(http.MethodGet)
	r.HandleFunc(prefix+"/api/sessions", s.handleAdminClearSessions).Methods(http.MethodDelete)
	r.HandleFunc(prefix+"/pods", s.handleAdminPods).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.handler = s.adminGuard(s.gate(r))
}

// isAdminPath matches the prefix itself or anything below it, never "/administrator"
func (s *Server) isAdminPath(path string) bool {
	prefix := s.cfg.AdminPrefix
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// exemptPaths bypass the gate. Probes must never be gated or a pod could
// not report its own readiness.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/ready":   true,
	"/readyz":  true,
	"/metrics": true,
	"/events":  true,
	"/logout":  true,
	"/state":   true,
}

func (s *Server) isExempt(path string) bool {
	return exemptPaths[path] || s.isAdminPath(path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// page is the data passed to every template
type page struct {
	Title   string
	Refresh int
	PodName string
	Role    config.PodRole

	SessionID         string
	RetryAfterMinutes int
	Graceful          bool

	AdminPrefix    string
	Resolution     source.Resolution
	Sources        []string
	ActiveSessions int
	Sessions       []session.Session
	Error          string
}

func (s *Server) newPage(title string) page {
	return page{
		Title:       title,
		PodName:     s.cfg.PodName,
		Role:        s.cfg.Role,
		AdminPrefix: s.cfg.AdminPrefix,
	}
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		klog.ErrorS(err, "Failed to render template", "template", name)
	}
}

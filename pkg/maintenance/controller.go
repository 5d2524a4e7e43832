// Package maintenance runs one maintenance gate pod: it builds the flag
// sources, serves HTTP, watches for flag changes and drains users before
// the pod stops.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/auth"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/config"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/events"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/fleet"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/metrics"
	redisclient "github.com/christianpetri/kubernetes-maintenance-mode/pkg/redis"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/server"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/session"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/source"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// ShutdownTimeout bounds the HTTP server shutdown after the drain
	ShutdownTimeout = 5 * time.Second

	// watchDebounce collapses the burst of events a ConfigMap update produces
	watchDebounce = 100 * time.Millisecond
)

type Controller struct {
	config      *config.Config
	kubeClient  kubernetes.Interface
	redisClient *redisclient.Client

	resolver *source.Resolver
	tracker  *session.Tracker
	broker   *events.Broker
	metrics  *metrics.Metrics
	server   *server.Server

	startupTime time.Time
	podIP       string

	mu          sync.Mutex
	lastEnabled bool

	httpServer *http.Server
}

// New creates a controller. kubeClient may be nil when running outside a
// cluster; the ConfigMap API source and the fleet view are then disabled.
func New(cfg *config.Config, kubeClient kubernetes.Interface) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Controller{
		config:      cfg,
		kubeClient:  kubeClient,
		startupTime: time.Now(),
		metrics:     metrics.New(),
	}

	if kubeClient != nil && cfg.PodName != "" {
		pod, err := kubeClient.CoreV1().Pods(cfg.Namespace).Get(context.Background(), cfg.PodName, metav1.GetOptions{})
		if err != nil {
			klog.ErrorS(err, "Failed to get own pod, continuing without pod IP", "pod", cfg.PodName)
		} else {
			c.podIP = pod.Status.PodIP
		}
	}

	redisReachable := false
	if cfg.RedisHost != "" {
		client, err := redisclient.NewClient(redisclient.Options{
			Host:          cfg.RedisHost,
			Port:          cfg.RedisPort,
			Password:      cfg.RedisPassword,
			TLS:           cfg.RedisTLS,
			TLSSkipVerify: cfg.RedisTLSSkipVerify,
		})
		if err != nil {
			// keep the client: the source recovers once Redis comes back
			klog.ErrorS(err, "Redis unavailable at startup, falling back to local sources", "host", cfg.RedisHost)
		} else {
			redisReachable = true
		}
		c.redisClient = client
	}

	c.resolver = c.buildResolver()
	c.resolver.OnError(func(name string) {
		c.metrics.SourceErrors.WithLabelValues(name).Inc()
	})

	var store session.Store
	if redisReachable {
		store = session.NewRedisStore(c.redisClient, cfg.SessionTTL)
		klog.InfoS("Tracking sessions in Redis", "ttl", cfg.SessionTTL)
	} else {
		store = session.NewMemoryStore(cfg.SessionTTL)
		klog.InfoS("Tracking sessions in memory", "ttl", cfg.SessionTTL)
	}
	c.tracker = session.NewTracker(store, cfg.PodName, cfg.SessionTTL, c.metrics)

	c.broker = events.NewBroker(events.DefaultHeartbeat)
	c.broker.OnSubscribersChanged(func(n int) {
		c.metrics.EventSubscribers.Set(float64(n))
	})

	authenticator := auth.New(cfg.SharedSecret)
	if !authenticator.Enabled() {
		klog.Warning("No shared secret configured - /state authentication disabled (not recommended for production)")
	}

	var collector *fleet.Collector
	if kubeClient != nil {
		collector = fleet.NewCollector(kubeClient, cfg.Namespace, cfg.LabelSelector, cfg.PodName, cfg.HTTPPort, authenticator)
	}

	c.server = server.New(server.Options{
		Config:   cfg,
		Resolver: c.resolver,
		Tracker:  c.tracker,
		Broker:   c.broker,
		Metrics:  c.metrics,
		Auth:     authenticator,
		Fleet:    collector,
		PodIP:    c.podIP,
	})

	c.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           c.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return c, nil
}

// buildResolver orders the sources by precedence:
// redis > flag-file > configmap-api > configmap-file > env.
// Writes prefer the shared backends so every pod sees them.
func (c *Controller) buildResolver() *source.Resolver {
	cfg := c.config

	var sources []source.StateSource
	var writers []source.Writer

	if c.redisClient != nil {
		redisSource := source.NewRedisSource(c.redisClient, cfg.RedisKey)
		sources = append(sources, redisSource)
		writers = append(writers, redisSource)
	}

	var flagFile *source.FlagFileSource
	if cfg.FlagFile != "" {
		flagFile = source.NewFlagFileSource(cfg.FlagFile)
		sources = append(sources, flagFile)
	}

	if c.kubeClient != nil && cfg.ConfigMapName != "" {
		cmSource := source.NewConfigMapAPISource(c.kubeClient, cfg.Namespace, cfg.ConfigMapName, cfg.ConfigMapKey)
		sources = append(sources, cmSource)
		writers = append(writers, cmSource)
	}
	if cfg.ConfigMapFile != "" {
		sources = append(sources, source.NewConfigMapFileSource(cfg.ConfigMapFile))
	}
	if cfg.EnvValue != "" {
		sources = append(sources, source.NewEnvSource(cfg.EnvValue))
	}

	if flagFile != nil {
		writers = append(writers, flagFile)
	}

	r := source.NewResolver(cfg.SourceTimeout, sources...)
	r.SetWriters(writers...)

	klog.InfoS("Maintenance flag sources configured", "precedence", r.Sources())
	return r
}

// Run serves HTTP until ctx is cancelled, then drains and shuts down
func (c *Controller) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.httpServer.Addr, err)
	}
	return c.serve(ctx, ln)
}

func (c *Controller) serve(ctx context.Context, ln net.Listener) error {
	klog.InfoS("Starting maintenance gate",
		"pod", c.config.PodName,
		"role", c.config.Role,
		"startupTime", c.startupTime,
		"sources", c.resolver.Sources())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		klog.InfoS("Starting HTTP server", "addr", ln.Addr().String())
		if err := c.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	// Admin pods ignore the flag for readiness, so only user pods notify users
	if !c.config.IsAdmin() {
		trigger := make(chan struct{}, 1)

		w, err := newFileWatcher(c.watchPaths(), watchDebounce, func() {
			select {
			case trigger <- struct{}{}:
			default:
			}
		})
		if err != nil {
			klog.ErrorS(err, "File watcher unavailable, relying on periodic checks")
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}

		g.Go(func() error { return c.monitor(gctx, trigger) })
	}

	<-gctx.Done()

	if ctx.Err() != nil {
		klog.Info("Context cancelled, draining")
		c.drain(context.Background())
	}
	c.shutdown()

	return g.Wait()
}

func (c *Controller) watchPaths() []string {
	var paths []string
	if c.config.FlagFile != "" {
		paths = append(paths, c.config.FlagFile)
	}
	if c.config.ConfigMapFile != "" {
		paths = append(paths, c.config.ConfigMapFile)
	}
	return paths
}

// shutdown stops the HTTP server and closes Redis. Uses a timeout so open
// connections cannot hold the pod past its grace period.
func (c *Controller) shutdown() {
	klog.Info("Shutting down maintenance gate")

	// SSE streams never go idle on their own
	c.broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := c.httpServer.Shutdown(ctx); err != nil {
		klog.ErrorS(err, "Failed to shutdown HTTP server")
	}

	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			klog.ErrorS(err, "Failed to close Redis client")
		}
	}
}

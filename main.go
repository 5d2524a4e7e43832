package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/config"
	"github.com/christianpetri/kubernetes-maintenance-mode/pkg/maintenance"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"
)

var (
	version = "dev"
)

func main() {
	klog.InitFlags(nil)

	// Parse flags
	cfg := &config.Config{}
	var role string
	var retryAfterSeconds int
	var inCluster bool

	// HTTP flags
	flag.IntVar(&cfg.HTTPPort, "port", envInt("PORT", config.DefaultHTTPPort), "HTTP listen port")
	flag.StringVar(&cfg.AdminPrefix, "admin-prefix", config.DefaultAdminPrefix, "Path prefix of the admin routes")
	flag.IntVar(&retryAfterSeconds, "retry-after", envInt("RETRY_AFTER_SECONDS", int(config.DefaultRetryAfter/time.Second)), "Retry-After seconds sent with maintenance responses")

	// Pod identity
	flag.StringVar(&role, "pod-role", envOr("POD_ROLE", os.Getenv("ADMIN_ACCESS")), "Pod role: admin or user (ADMIN_ACCESS=true also selects admin)")
	flag.StringVar(&cfg.PodName, "pod-name", os.Getenv("POD_NAME"), "Pod name (from downward API)")
	flag.StringVar(&cfg.Namespace, "namespace", os.Getenv("POD_NAMESPACE"), "Namespace (from downward API)")

	// Redis flags
	flag.StringVar(&cfg.RedisHost, "redis-host", os.Getenv("REDIS_HOST"), "Redis host (empty disables the Redis source)")
	flag.IntVar(&cfg.RedisPort, "redis-port", envInt("REDIS_PORT", 6379), "Redis port")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password (or use REDIS_PASSWORD env)")
	flag.BoolVar(&cfg.RedisTLS, "redis-tls", false, "Use TLS for Redis connection")
	flag.BoolVar(&cfg.RedisTLSSkipVerify, "redis-tls-skip-verify", false, "Skip TLS certificate verification (use --redis-tls-skip-verify=true)")
	flag.StringVar(&cfg.RedisKey, "redis-key", config.DefaultRedisKey, "Redis key holding the maintenance flag")

	// Flag sources
	flag.StringVar(&cfg.FlagFile, "flag-file", envOr("MAINTENANCE_FLAG_FILE", config.DefaultFlagFile), "Local flag file; its existence enables maintenance")
	flag.StringVar(&cfg.ConfigMapName, "configmap-name", os.Getenv("MAINTENANCE_CONFIGMAP"), "ConfigMap read through the Kubernetes API (empty disables)")
	flag.StringVar(&cfg.ConfigMapFile, "configmap-file", os.Getenv("MAINTENANCE_CONFIGMAP_FILE"), "Mounted ConfigMap key file (empty disables)")
	flag.StringVar(&cfg.ConfigMapKey, "configmap-key", config.DefaultConfigMapKey, "ConfigMap key holding the maintenance flag")
	flag.DurationVar(&cfg.SourceTimeout, "source-timeout", config.DefaultSourceTimeout, "Timeout for reading one flag source")
	flag.BoolVar(&inCluster, "in-cluster", true, "Use the in-cluster Kubernetes API (use --in-cluster=false to run locally)")

	// Monitor and drain flags
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", config.DefaultSyncInterval, "Interval between maintenance flag checks")
	flag.DurationVar(&cfg.DrainTimeout, "drain-timeout", config.DefaultDrainTimeout, "How long users get to log out before shutdown")
	flag.DurationVar(&cfg.DrainPoll, "drain-poll", config.DefaultDrainPoll, "Interval between session checks while draining")
	flag.DurationVar(&cfg.EndpointPropagation, "endpoint-propagation", config.DefaultEndpointPropagation, "Wait for endpoint removal before stopping the HTTP server")
	flag.DurationVar(&cfg.SessionTTL, "session-ttl", config.DefaultSessionTTL, "Idle time after which a session expires")

	// Fleet flags
	flag.StringVar(&cfg.LabelSelector, "label-selector", envOr("LABEL_SELECTOR", "app=maintenance-gate"), "Label selector to find the other gate pods")

	// Authentication flags
	flag.StringVar(&cfg.SharedSecret, "shared-secret", "", "Shared secret for /state authentication (or use SHARED_SECRET env)")

	// Logging flags
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging (use --debug=true)")
	flag.Parse()

	cfg.Role = config.ParseRole(role)
	cfg.RetryAfter = time.Duration(retryAfterSeconds) * time.Second
	cfg.EnvValue = os.Getenv("MAINTENANCE_MODE")

	// Override password from env if set
	if envPass := os.Getenv("REDIS_PASSWORD"); envPass != "" && cfg.RedisPassword == "" {
		cfg.RedisPassword = envPass
	}

	// Override shared secret from env if set
	if envSecret := os.Getenv("SHARED_SECRET"); envSecret != "" && cfg.SharedSecret == "" {
		cfg.SharedSecret = envSecret
	}

	if cfg.Debug {
		flag.Set("v", "2")
	}

	klog.InfoS("Starting maintenance gate",
		"version", version,
		"pod", cfg.PodName,
		"namespace", cfg.Namespace,
		"role", cfg.Role)

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	// The Kubernetes API is optional: without it the ConfigMap API source
	// and the fleet view are disabled
	var clientset kubernetes.Interface
	if inCluster {
		kubeConfig, err := rest.InClusterConfig()
		if err != nil {
			klog.ErrorS(err, "Failed to create in-cluster config, continuing without Kubernetes API")
		} else {
			cs, err := kubernetes.NewForConfig(kubeConfig)
			if err != nil {
				klog.Fatalf("Failed to create Kubernetes client: %v", err)
			}
			clientset = cs
		}
	}

	ctrl, err := maintenance.New(cfg, clientset)
	if err != nil {
		klog.Fatalf("Failed to create maintenance controller: %v", err)
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		klog.InfoS("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := ctrl.Run(ctx); err != nil {
		klog.Fatalf("Maintenance gate error: %v", err)
	}

	klog.Info("Shutdown complete")
	klog.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		klog.Warningf("Ignoring invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

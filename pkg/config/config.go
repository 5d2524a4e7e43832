package config

import (
	"fmt"
	"strings"
	"time"
)

// PodRole marks a pod as serving administrators or regular users
type PodRole string

const (
	// RoleAdmin pods stay ready during maintenance and serve the admin routes
	RoleAdmin PodRole = "admin"
	// RoleUser pods drop out of the load balancer during maintenance
	RoleUser PodRole = "user"
)

const (
	DefaultHTTPPort            = 8080
	DefaultRedisKey            = "maintenance_mode"
	DefaultConfigMapKey        = "MAINTENANCE_MODE"
	DefaultFlagFile            = "/tmp/maintenance.flag"
	DefaultAdminPrefix         = "/admin"
	DefaultRetryAfter          = 300 * time.Second
	DefaultSourceTimeout       = 500 * time.Millisecond
	DefaultSyncInterval        = 5 * time.Second
	DefaultDrainTimeout        = 60 * time.Second
	DefaultDrainPoll           = 10 * time.Second
	DefaultEndpointPropagation = 15 * time.Second
	DefaultSessionTTL          = time.Hour
)

// ParseRole maps the ADMIN_ACCESS style value or an explicit role name to a PodRole.
// Anything unrecognised is a user pod.
func ParseRole(value string) PodRole {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "admin", "true", "1", "yes":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Config holds the configuration for the maintenance gate
type Config struct {
	// HTTP settings
	HTTPPort    int
	AdminPrefix string
	// RetryAfter is advertised to blocked clients in whole seconds
	RetryAfter time.Duration

	// Pod identity
	Role      PodRole
	PodName   string
	Namespace string

	// Redis connection settings. Empty RedisHost disables the Redis source.
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisTLS           bool
	RedisTLSSkipVerify bool
	RedisKey           string

	// Local flag file, existence means maintenance is on
	FlagFile string

	// ConfigMap settings
	ConfigMapName string // read through the Kubernetes API when set
	ConfigMapFile string // mounted ConfigMap key file
	ConfigMapKey  string
	EnvValue      string // MAINTENANCE_MODE as injected from the ConfigMap

	SourceTimeout time.Duration

	// Monitor and drain timings
	SyncInterval        time.Duration
	DrainTimeout        time.Duration
	DrainPoll           time.Duration
	EndpointPropagation time.Duration
	SessionTTL          time.Duration

	// Fleet discovery
	LabelSelector string

	// Authentication for /state
	SharedSecret string

	// Logging
	Debug bool
}

// IsAdmin reports whether this pod runs with the admin role
func (c *Config) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// RetryAfterSeconds returns the Retry-After header value, rounded up to a whole second
func (c *Config) RetryAfterSeconds() int {
	secs := int(c.RetryAfter / time.Second)
	if c.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Validate checks the settings that would otherwise fail at request time
func (c *Config) Validate() error {
	if c.Role != RoleAdmin && c.Role != RoleUser {
		return fmt.Errorf("invalid pod role %q (must be %q or %q)", c.Role, RoleAdmin, RoleUser)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.RedisHost != "" && (c.RedisPort <= 0 || c.RedisPort > 65535) {
		return fmt.Errorf("invalid Redis port: %d", c.RedisPort)
	}
	if c.RetryAfter < time.Second {
		return fmt.Errorf("retry-after must be at least 1s, got %v", c.RetryAfter)
	}
	if !strings.HasPrefix(c.AdminPrefix, "/") || strings.HasSuffix(c.AdminPrefix, "/") {
		return fmt.Errorf("admin prefix must start and not end with /, got %q", c.AdminPrefix)
	}

	durations := map[string]time.Duration{
		"source-timeout": c.SourceTimeout,
		"sync-interval":  c.SyncInterval,
		"drain-poll":     c.DrainPoll,
		"session-ttl":    c.SessionTTL,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.DrainTimeout < 0 || c.EndpointPropagation < 0 {
		return fmt.Errorf("drain timings must not be negative")
	}

	return nil
}

package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

const sessionKeyPrefix = "session:"

// ErrKeyNotFound is returned when the requested key does not exist
var ErrKeyNotFound = errors.New("key not found")

// Client wraps redis client with helper methods
type Client struct {
	client *redis.Client
	useTLS bool
}

// SessionRecord is the hash stored for a tracked user session
type SessionRecord struct {
	ID           string
	User         string
	Pod          string
	LoginTime    time.Time
	LastActivity time.Time
}

// Options configures a Client
type Options struct {
	Host          string
	Port          int
	Password      string
	TLS           bool
	TLSSkipVerify bool
	DialTimeout   time.Duration
}

// NewClient creates a new Redis client and checks the connection.
// The returned client is usable even when the ping fails; callers decide
// whether an unreachable Redis is fatal.
func NewClient(opts Options) (*Client, error) {
	c := newClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return c, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	klog.InfoS("Connected to Redis", "host", opts.Host, "port", opts.Port, "tls", opts.TLS)

	return c, nil
}

func newClient(opts Options) *Client {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 2 * time.Second
	}

	ro := &redis.Options{
		Addr:        fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Password:    opts.Password,
		DB:          0,
		DialTimeout: dialTimeout,
		MaxRetries:  -1,
	}

	if opts.TLS {
		ro.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.TLSSkipVerify,
		}
	}

	return &Client{
		client: redis.NewClient(ro),
		useTLS: opts.TLS,
	}
}

// GetString returns the string value of key, or ErrKeyNotFound
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

// SetFlag stores a boolean as the "true"/"false" string the other pods read
func (c *Client) SetFlag(ctx context.Context, key string, value bool) error {
	if err := c.client.Set(ctx, key, FormatBool(value), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SaveSession writes the session hash and sets its TTL
func (c *Client) SaveSession(ctx context.Context, s SessionRecord, ttl time.Duration) error {
	key := sessionKeyPrefix + s.ID

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"user":          s.User,
			"pod":           s.Pod,
			"login_time":    s.LoginTime.UTC().Format(time.RFC3339Nano),
			"last_activity": s.LastActivity.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// TouchSession refreshes last_activity and the TTL of an existing session.
// Returns ErrKeyNotFound if the session expired or was removed.
func (c *Client) TouchSession(ctx context.Context, id string, at time.Time, ttl time.Duration) error {
	key := sessionKeyPrefix + id

	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_activity", at.UTC().Format(time.RFC3339Nano))
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session; deleting a missing session is not an error
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ListSessions returns every tracked session across all pods
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	keys, err := c.scanSessionKeys(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]SessionRecord, 0, len(keys))
	for _, key := range keys {
		fields, err := c.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s: %w", key, err)
		}
		if len(fields) == 0 {
			// expired between SCAN and HGETALL
			continue
		}

		s, err := parseSessionHash(strings.TrimPrefix(key, sessionKeyPrefix), fields)
		if err != nil {
			klog.V(2).InfoS("Skipping malformed session", "key", key, "error", err)
			continue
		}
		sessions = append(sessions, s)
	}

	return sessions, nil
}

// ClearSessions deletes all sessions and returns how many were removed
func (c *Client) ClearSessions(ctx context.Context) (int, error) {
	keys, err := c.scanSessionKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear sessions: %w", err)
	}
	return int(n), nil
}

func (c *Client) scanSessionKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return keys, nil
}

// IsHealthy checks if Redis is responding
func (c *Client) IsHealthy(ctx context.Context) bool {
	err := c.client.Ping(ctx).Err()
	return err == nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// ParseBool interprets a stored flag value. ok is false for values that are
// neither a true nor a false spelling.
func ParseBool(value string) (enabled bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// FormatBool is the inverse of ParseBool
func FormatBool(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

// parseSessionHash converts the HGETALL result of a session key
func parseSessionHash(id string, fields map[string]string) (SessionRecord, error) {
	s := SessionRecord{
		ID:   id,
		User: fields["user"],
		Pod:  fields["pod"],
	}
	if s.User == "" {
		s.User = "anonymous"
	}
	if s.Pod == "" {
		s.Pod = "unknown"
	}

	var err error
	s.LoginTime, err = time.Parse(time.RFC3339Nano, fields["login_time"])
	if err != nil {
		return SessionRecord{}, fmt.Errorf("invalid login_time: %w", err)
	}

	s.LastActivity, err = time.Parse(time.RFC3339Nano, fields["last_activity"])
	if err != nil {
		// a session without activity updates is still valid
		s.LastActivity = s.LoginTime
	}

	return s, nil
}

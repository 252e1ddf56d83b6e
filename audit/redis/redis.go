// Package redis provides a Redis-backed audit.Sink. Entries are kept in a
// capped list so several relay processes can share one audit trail.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/cobrowse-go/audit"
)

var _ audit.Sink = (*Sink)(nil)

// Config for the Redis-backed Sink. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUDIT_KEY_PREFIX
	KeyPrefix string `env:"AUDIT_KEY_PREFIX,default=cobrowse:audit:"`
	// MaxEntries retained in the list. ENV: AUDIT_MAX_ENTRIES
	MaxEntries int `env:"AUDIT_MAX_ENTRIES,default=5000"`
}

// Option configures a Sink.
type Option func(*Sink)

// WithClock sets the clock used to stamp entries.
func WithClock(c clock.Clock) Option {
	return func(s *Sink) { s.clock = c }
}

type Sink struct {
	client     *redis.Client
	key        string
	maxEntries int64
	clock      clock.Clock
}

func New(cfg Config, opts ...Option) (*Sink, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cobrowse:audit:"
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 || maxEntries > audit.MaxEntries {
		maxEntries = audit.MaxEntries
	}
	s := &Sink{
		client:     cl,
		key:        prefix + "log",
		maxEntries: int64(maxEntries),
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Sink using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Sink, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("audit redis config: %w", err)
	}
	return New(cfg, opts...)
}

// Close closes the Redis client.
func (s *Sink) Close() error { return s.client.Close() }

// Record appends e and trims the list to the configured size in one
// round trip.
func (s *Sink) Record(ctx context.Context, e audit.Entry) error {
	if e.Time.IsZero() {
		e.Time = s.clock.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, s.key, data)
		p.LTrim(ctx, s.key, -s.maxEntries, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis record: %w", err)
	}
	return nil
}

// Query returns the newest entries, oldest first.
func (s *Sink) Query(ctx context.Context, limit int) ([]audit.Entry, error) {
	limit = audit.NormalizeLimit(limit)
	rows, err := s.client.LRange(ctx, s.key, int64(-limit), -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis query: %w", err)
	}
	out := make([]audit.Entry, 0, len(rows))
	for _, row := range rows {
		var e audit.Entry
		if err := json.Unmarshal([]byte(row), &e); err != nil {
			// Skip rows written by an incompatible version.
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Reset removes every stored entry.
func (s *Sink) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

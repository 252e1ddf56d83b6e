package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// Config for the cobrowsed process. Defaults come from the env tags; flags
// given on the command line override the environment.
type Config struct {
	// Addr to listen on. ENV: COBROWSE_ADDR
	Addr string `env:"COBROWSE_ADDR,default=:8080"`
	// Origin is the externally visible scheme and host. ENV: COBROWSE_ORIGIN
	Origin string `env:"COBROWSE_ORIGIN,default=http://localhost:8080"`
	// FetchTimeout bounds upstream fetches. ENV: COBROWSE_FETCH_TIMEOUT
	FetchTimeout time.Duration `env:"COBROWSE_FETCH_TIMEOUT,default=15s"`
	// DumpPath, when set, receives every fetched HTML body. ENV: COBROWSE_DUMP_PATH
	DumpPath string `env:"COBROWSE_DUMP_PATH"`
	// MaskRules is an optional YAML file extending the masking rules; it is
	// watched and reloaded on change. ENV: COBROWSE_MASK_RULES
	MaskRules string `env:"COBROWSE_MASK_RULES"`
	// StaticDir holds the host application (served at /) and the agent
	// (served from its client/ subdirectory). ENV: COBROWSE_STATIC_DIR
	StaticDir string `env:"COBROWSE_STATIC_DIR"`
	// AllowedOrigins restricts realtime channel origins (semicolon separated).
	// ENV: COBROWSE_ALLOWED_ORIGINS
	AllowedOrigins []string `env:"COBROWSE_ALLOWED_ORIGINS"`
	// LogLevel is one of debug, info, warn, error. ENV: COBROWSE_LOG_LEVEL
	LogLevel string `env:"COBROWSE_LOG_LEVEL,default=info"`
	// RedisAddr selects the Redis audit sink when set. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// AuditKeyPrefix for the Redis audit sink. ENV: AUDIT_KEY_PREFIX
	AuditKeyPrefix string `env:"AUDIT_KEY_PREFIX,default=cobrowse:audit:"`
	// AuditMaxEntries retained by the audit sink. ENV: AUDIT_MAX_ENTRIES
	AuditMaxEntries int `env:"AUDIT_MAX_ENTRIES,default=5000"`
}

// loadConfig decodes the environment, then applies any flags in args.
func loadConfig(args []string) (Config, *pflag.FlagSet, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, nil, fmt.Errorf("decode environment: %w", err)
	}

	fs := pflag.NewFlagSet("cobrowsed", pflag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.Origin, "origin", cfg.Origin, "externally visible origin (scheme://host[:port])")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "upstream fetch deadline")
	fs.StringVar(&cfg.DumpPath, "dump-path", cfg.DumpPath, "write each fetched HTML body to this file")
	fs.StringVar(&cfg.MaskRules, "mask-rules", cfg.MaskRules, "YAML file extending the masking rules")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory with the host app and client/ agent")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", cfg.AllowedOrigins, "origin allowed to open realtime channels (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the audit sink (in-memory when empty)")
	fs.IntVar(&cfg.AuditMaxEntries, "audit-max-entries", cfg.AuditMaxEntries, "audit entries retained")
	fs.BoolP("help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return cfg, fs, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return cfg, fs, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, fs, nil
}

func (c Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

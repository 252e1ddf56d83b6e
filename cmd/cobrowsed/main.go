// cobrowsed serves the co-browsing proxy and realtime relay.
//
// Configuration comes from the environment (see Config) and may be
// overridden with flags; run with --help for the list.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	cobrowse "github.com/ggoodman/cobrowse-go"
	"github.com/ggoodman/cobrowse-go/audit"
	"github.com/ggoodman/cobrowse-go/audit/memory"
	auditredis "github.com/ggoodman/cobrowse-go/audit/redis"
	"github.com/ggoodman/cobrowse-go/internal/logctx"
	"github.com/ggoodman/cobrowse-go/masking"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, flagSet, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(os.Stderr, flagSet)
		return nil
	}

	lvl, err := cfg.level()
	if err != nil {
		return err
	}
	log := slog.New(logctx.Wrap(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer closeSink()
	async := audit.NewAsync(sink, audit.WithLogger(log))

	masks := masking.NewStore(masking.Default())
	if cfg.MaskRules != "" {
		if err := masks.Reload(cfg.MaskRules); err != nil {
			return fmt.Errorf("load mask rules: %w", err)
		}
		go func() {
			if err := masks.Watch(ctx, cfg.MaskRules, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("masking.rules.watch.fail", slog.String("err", err.Error()))
			}
		}()
	}

	opts := []cobrowse.Option{
		cobrowse.WithLogger(log),
		cobrowse.WithAudit(async),
		cobrowse.WithClassifier(masks),
		cobrowse.WithFetchTimeout(cfg.FetchTimeout),
		cobrowse.WithDumpPath(cfg.DumpPath),
		cobrowse.WithAllowedOrigins(cfg.AllowedOrigins...),
	}
	if cfg.StaticDir != "" {
		root := os.DirFS(cfg.StaticDir)
		opts = append(opts, cobrowse.WithStaticFS(root))
		if client, err := fs.Sub(root, "client"); err == nil {
			opts = append(opts, cobrowse.WithClientFS(client))
		}
	}
	h, err := cobrowse.New(cfg.Origin, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("origin", cfg.Origin))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("server.shutdown.start")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := async.Close(shutdownCtx); err != nil {
		log.Warn("audit.flush.fail", slog.String("err", err.Error()))
	}
	log.Info("server.shutdown.ok", slog.Int64("audit_dropped", async.Dropped()))
	return nil
}

// openAudit selects the Redis sink when an address is configured and the
// in-memory ring buffer otherwise.
func openAudit(cfg Config) (audit.Sink, func(), error) {
	if cfg.RedisAddr == "" {
		return memory.New(memory.WithCapacity(cfg.AuditMaxEntries)), func() {}, nil
	}
	s, err := auditredis.New(auditredis.Config{
		RedisAddr:  cfg.RedisAddr,
		KeyPrefix:  cfg.AuditKeyPrefix,
		MaxEntries: cfg.AuditMaxEntries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open redis audit sink: %w", err)
	}
	return s, func() { _ = s.Close() }, nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `cobrowsed serves the co-browsing proxy and realtime relay.

Every flag has an environment variable counterpart (see the COBROWSE_*,
REDIS_ADDR and AUDIT_* variables); flags take precedence.

Usage: %s [flags]

Flags:
%s`, filepath.Base(os.Args[0]), flagSet.FlagUsages())
}

// Package cobrowse assembles the co-browsing server: the rewrite-and-inject
// proxy, the realtime relay channel and a handful of diagnostic endpoints,
// all behind one http.Handler.
package cobrowse

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/cobrowse-go/audit"
	"github.com/ggoodman/cobrowse-go/audit/memory"
	"github.com/ggoodman/cobrowse-go/envelope"
	"github.com/ggoodman/cobrowse-go/internal/logctx"
	"github.com/ggoodman/cobrowse-go/proxy"
	"github.com/ggoodman/cobrowse-go/relay"
	"github.com/ggoodman/cobrowse-go/rooms"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
)

const healthBody = "ok"

// writeJSONError emits a minimal JSON body for rejected diagnostic requests.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	rooms        *rooms.Manager
	audit        audit.Sink
	masks        relay.ClassifierSource
	httpClient   *http.Client
	fetchTimeout time.Duration
	dumpPath     string
	origins      []string
	clientFS     fs.FS
	staticFS     fs.FS
}

// WithLogger sets the logger used by every component. If not provided, logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRooms shares an existing room registry. By default the Handler owns
// a fresh one.
func WithRooms(m *rooms.Manager) Option {
	return func(c *newConfig) { c.rooms = m }
}

// WithAudit sets the audit sink. Defaults to an in-memory ring buffer.
func WithAudit(s audit.Sink) Option {
	return func(c *newConfig) { c.audit = s }
}

// WithClassifier sets the masking classifier source used by the relay.
func WithClassifier(src relay.ClassifierSource) Option {
	return func(c *newConfig) { c.masks = src }
}

// WithHTTPClient sets the client used for upstream fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// WithFetchTimeout bounds upstream fetches. Defaults to proxy.DefaultTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.fetchTimeout = d }
}

// WithDumpPath enables the best-effort diagnostic dump of fetched HTML.
func WithDumpPath(path string) Option {
	return func(c *newConfig) { c.dumpPath = path }
}

// WithAllowedOrigins restricts which browser origins may open a realtime
// channel.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *newConfig) { c.origins = append(c.origins, origins...) }
}

// WithClientFS serves the synchronization agent (boot.js and friends) under
// /client/.
func WithClientFS(fsys fs.FS) Option {
	return func(c *newConfig) { c.clientFS = fsys }
}

// WithStaticFS serves the host application under /.
func WithStaticFS(fsys fs.FS) Option {
	return func(c *newConfig) { c.staticFS = fsys }
}

// Handler routes every endpoint of the co-browsing server.
type Handler struct {
	mux   *http.ServeMux
	log   *slog.Logger
	rooms *rooms.Manager
	audit audit.Sink
}

// New constructs a Handler. origin is the externally visible origin of this
// server (scheme and host); injected documents use it to reach the agent
// script and the realtime channel.
func New(origin string, opts ...Option) (*Handler, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("origin must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Wrap(cfg.logger.Handler()))

	h := &Handler{log: log, rooms: cfg.rooms, audit: cfg.audit}
	if h.rooms == nil {
		h.rooms = rooms.New(rooms.WithLogger(log))
	}
	if h.audit == nil {
		h.audit = memory.New()
	}

	popts := []proxy.Option{proxy.WithLogger(log), proxy.WithDumpPath(cfg.dumpPath)}
	if cfg.httpClient != nil {
		popts = append(popts, proxy.WithHTTPClient(cfg.httpClient))
	}
	if cfg.fetchTimeout > 0 {
		popts = append(popts, proxy.WithTimeout(cfg.fetchTimeout))
	}
	pipeline, err := proxy.New(origin, popts...)
	if err != nil {
		return nil, err
	}

	ropts := []relay.Option{relay.WithLogger(log), relay.WithAudit(h.audit), relay.WithAllowedOrigins(cfg.origins...)}
	if cfg.masks != nil {
		ropts = append(ropts, relay.WithClassifier(cfg.masks))
	}
	rel := relay.New(h.rooms, ropts...)

	mux := http.NewServeMux()
	mux.Handle("GET /proxy", pipeline)
	mux.Handle("GET /ws", rel)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /schema/batch.json", h.handleBatchSchema)
	mux.HandleFunc("GET /audit", h.handleAudit)
	mux.HandleFunc("GET /rooms", h.handleRooms)
	if cfg.clientFS != nil {
		mux.Handle("GET /client/", http.StripPrefix("/client/", http.FileServerFS(cfg.clientFS)))
	}
	if cfg.staticFS != nil {
		mux.Handle("GET /", http.FileServerFS(cfg.staticFS))
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Rooms exposes the room registry backing the relay.
func (h *Handler) Rooms() *rooms.Manager { return h.rooms }

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(healthBody))
}

func (h *Handler) handleBatchSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := envelope.BatchSchema()
	if err != nil {
		h.log.ErrorContext(r.Context(), "http.schema.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "schema unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(schema)
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.audit.Query(ctx, audit.NormalizeLimit(limit))
	if err != nil {
		h.log.ErrorContext(ctx, "http.audit.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, entries)
}

func (h *Handler) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.rooms.Stats())
}

// Package proxy implements the rewrite-and-inject pipeline: it fetches an
// upstream resource for a viewer and returns it in a form that can be
// framed and mirrored.
//
// Three paths exist, chosen per request:
//
//	raw      : status, headers and body forwarded untouched, streamed
//	non-HTML : status and body streamed, content coding removed
//	HTML     : body buffered, framing headers stripped, links routed back
//	           through the proxy, synchronization agent injected
//
// Only the HTML path buffers. Streamed paths copy through a fixed buffer
// and flush every chunk, so a slow viewer slows the upstream read instead
// of growing memory.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/elnormous/contenttype"
	"golang.org/x/net/html/charset"

	"github.com/ggoodman/cobrowse-go/envelope"
	"github.com/ggoodman/cobrowse-go/internal/logctx"
	"github.com/ggoodman/cobrowse-go/rewrite"
)

var (
	_ http.Handler = (*Pipeline)(nil)
)

var (
	ErrMissingURL       = errors.New("missing url query param")
	ErrInvalidURL       = errors.New("invalid url")
	ErrInvalidSessionID = errors.New("invalid sid")
	ErrUpstreamTimeout  = errors.New("upstream deadline exceeded")
	ErrBodyTooLarge     = errors.New("html body exceeds limit")
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxHTMLBytes = 32 << 20
	DefaultSessionID    = "anon"

	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124 Safari/537.36"
	defaultAccept         = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	defaultAcceptLanguage = "en-US,en;q=0.9"

	streamBufferSize = 32 << 10
)

var (
	htmlMediaType  = contenttype.NewMediaType("text/html")
	xhtmlMediaType = contenttype.NewMediaType("application/xhtml+xml")
)

// Headers removed from instrumented HTML responses. The framing headers
// would stop the page from rendering inside the viewer's frame; the
// transport headers no longer describe the rewritten body.
var strippedHTMLHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Frame-Ancestors",
	"Content-Encoding",
	"Content-Length",
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithHTTPClient sets the client used for upstream fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithTimeout bounds each upstream fetch. The bound covers response
// headers for streamed paths and the full body for the HTML path.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMaxHTMLBytes caps how much of an HTML body is buffered.
func WithMaxHTMLBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxHTMLBytes = n
		}
	}
}

// WithDumpPath writes every fetched HTML body to path for diagnostics.
// Write failures are logged and otherwise ignored.
func WithDumpPath(path string) Option {
	return func(p *Pipeline) { p.dumpPath = path }
}

// WithProxyPath sets the path rewritten links point at. Defaults to
// "/proxy".
func WithProxyPath(path string) Option {
	return func(p *Pipeline) { p.proxyPath = path }
}

// WithAgentScript overrides the injected agent script URL. Defaults to
// "<origin>/client/boot.js".
func WithAgentScript(src string) Option {
	return func(p *Pipeline) { p.agentScript = src }
}

// Pipeline is an http.Handler serving the proxy endpoint.
type Pipeline struct {
	origin       string
	client       *http.Client
	log          *slog.Logger
	timeout      time.Duration
	maxHTMLBytes int64
	dumpPath     string
	proxyPath    string
	agentScript  string
}

// New constructs a Pipeline. origin is this server's externally visible
// origin (scheme and host), exposed to the injected agent.
func New(origin string, opts ...Option) (*Pipeline, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("origin must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	p := &Pipeline{
		origin:       strings.TrimSuffix(origin, "/"),
		log:          slog.New(slog.DiscardHandler),
		timeout:      DefaultTimeout,
		maxHTMLBytes: DefaultMaxHTMLBytes,
		proxyPath:    "/proxy",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return p, nil
}

// request is a validated proxy request.
type request struct {
	target    *url.URL
	sessionID string
	raw       bool
	noInject  bool
	noRewrite bool
}

func boolParam(q url.Values, name string) bool {
	v := q.Get(name)
	return v == "1" || strings.EqualFold(v, "true")
}

func parseRequest(r *http.Request) (*request, error) {
	q := r.URL.Query()
	raw := q.Get("url")
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	sid := q.Get("sid")
	if sid == "" {
		sid = DefaultSessionID
	}
	if !envelope.ValidSessionID(sid) {
		return nil, ErrInvalidSessionID
	}
	return &request{
		target:    u,
		sessionID: sid,
		raw:       boolParam(q, "raw"),
		noInject:  boolParam(q, "noinject"),
		noRewrite: boolParam(q, "norewrite"),
	}, nil
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, err := parseRequest(r)
	if err != nil {
		p.log.InfoContext(ctx, "proxy.request.invalid", slog.String("err", err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx = logctx.WithProxyData(ctx, &logctx.ProxyData{
		Target:    req.target.String(),
		Raw:       req.raw,
		NoInject:  req.noInject,
		NoRewrite: req.noRewrite,
	})
	p.log.InfoContext(ctx, "proxy.fetch.start")

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	deadline := time.AfterFunc(p.timeout, func() {
		cancel(fmt.Errorf("%w after %s", ErrUpstreamTimeout, p.timeout))
	})
	defer deadline.Stop()

	resp, err := p.fetch(ctx, r, req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrUpstreamTimeout) {
			err = cause
		}
		p.log.WarnContext(ctx, "proxy.fetch.fail", slog.String("err", err.Error()))
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	switch {
	case req.raw:
		deadline.Stop()
		p.serveRaw(ctx, w, resp)
		p.log.InfoContext(ctx, "proxy.raw.ok", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))
	case !isHTML(resp.Header.Get("Content-Type")):
		deadline.Stop()
		p.servePassthrough(ctx, w, resp)
		p.log.InfoContext(ctx, "proxy.passthrough.ok", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))
	default:
		if err := p.serveHTML(ctx, w, resp, req); err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrUpstreamTimeout) {
				err = cause
			}
			p.log.WarnContext(ctx, "proxy.html.fail", slog.String("err", err.Error()))
			http.Error(w, "read error: "+err.Error(), http.StatusBadGateway)
			return
		}
		p.log.InfoContext(ctx, "proxy.html.ok", slog.Int("status", resp.StatusCode), slog.Duration("dur", time.Since(start)))
	}
}

func (p *Pipeline) fetch(ctx context.Context, r *http.Request, req *request) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodGet, req.target.String(), nil)
	if err != nil {
		return nil, err
	}
	out.Header.Set("User-Agent", headerOr(r.Header, "User-Agent", defaultUserAgent))
	out.Header.Set("Accept", headerOr(r.Header, "Accept", defaultAccept))
	out.Header.Set("Accept-Language", headerOr(r.Header, "Accept-Language", defaultAcceptLanguage))
	out.Header.Set("Cache-Control", "no-cache")
	out.Header.Set("Pragma", "no-cache")
	if req.raw {
		// Setting Accept-Encoding explicitly also stops the transport from
		// negotiating gzip and decoding it behind our back.
		out.Header.Set("Accept-Encoding", headerOr(r.Header, "Accept-Encoding", "identity"))
	} else {
		out.Header.Set("Accept-Encoding", acceptEncoding)
	}
	return p.client.Do(out)
}

func headerOr(h http.Header, key, def string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return def
}

func isHTML(ct string) bool {
	if ct == "" {
		return false
	}
	mt := contenttype.NewMediaType(strings.ToLower(ct))
	if mt.Type == "" {
		return strings.Contains(strings.ToLower(ct), "text/html")
	}
	return (mt.Type == htmlMediaType.Type && mt.Subtype == htmlMediaType.Subtype) ||
		(mt.Type == xhtmlMediaType.Type && mt.Subtype == xhtmlMediaType.Subtype)
}

func (p *Pipeline) serveRaw(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	// A nil entry stops net/http from synthesizing the header.
	for _, k := range []string{"Content-Type", "Date"} {
		if _, ok := resp.Header[k]; !ok {
			dst[k] = nil
		}
	}
	w.WriteHeader(resp.StatusCode)
	p.stream(ctx, w, resp.Body)
}

func (p *Pipeline) servePassthrough(ctx context.Context, w http.ResponseWriter, resp *http.Response) {
	body, decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		p.log.WarnContext(ctx, "proxy.decode.fail", slog.String("err", err.Error()))
		http.Error(w, "read error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	dst.Del("Content-Length")
	if decoded {
		dst.Del("Content-Encoding")
	}
	w.WriteHeader(resp.StatusCode)
	p.stream(ctx, w, body)
}

// stream copies src to w, flushing after every chunk. A failure after the
// status line has been written aborts the connection so the viewer sees a
// truncated response rather than a hang.
func (p *Pipeline) stream(ctx context.Context, w http.ResponseWriter, src io.Reader) {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamBufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				p.log.DebugContext(ctx, "proxy.stream.write.fail", slog.String("err", err.Error()))
				panic(http.ErrAbortHandler)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				p.log.DebugContext(ctx, "proxy.stream.flush.fail", slog.String("err", err.Error()))
				panic(http.ErrAbortHandler)
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			p.log.WarnContext(ctx, "proxy.stream.read.fail", slog.String("err", rerr.Error()))
			panic(http.ErrAbortHandler)
		}
	}
}

func (p *Pipeline) serveHTML(ctx context.Context, w http.ResponseWriter, resp *http.Response, req *request) error {
	ct := resp.Header.Get("Content-Type")
	decoded, ok, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
	defer decoded.Close()

	body, err := io.ReadAll(io.LimitReader(decoded, p.maxHTMLBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > p.maxHTMLBytes {
		return fmt.Errorf("%w of %d bytes", ErrBodyTooLarge, p.maxHTMLBytes)
	}
	if body, err = toUTF8(body, ct); err != nil {
		return err
	}
	p.log.DebugContext(ctx, "proxy.html.fetched", slog.Int("len", len(body)))
	p.dump(ctx, body)

	base := req.target
	if resp.Request != nil && resp.Request.URL != nil {
		// Resolve against the post-redirect location.
		base = resp.Request.URL
	}
	var out bytes.Buffer
	out.Grow(len(body) + 512)
	st, err := rewrite.Document(&out, bytes.NewReader(body), rewrite.Options{
		Base:        base,
		SessionID:   req.sessionID,
		ProxyPath:   p.proxyPath,
		Origin:      p.origin,
		AgentScript: p.agentScript,
		Rewrite:     !req.noRewrite,
		Inject:      !req.noInject,
	})
	if err != nil {
		return err
	}
	p.log.DebugContext(ctx, "proxy.html.rewritten",
		slog.Int("attrs", st.RewrittenAttrs),
		slog.Int("meta_csp", st.StrippedMeta),
		slog.Bool("injected", st.Injected),
	)

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append([]string(nil), vv...)
	}
	for _, k := range strippedHTMLHeaders {
		dst.Del(k)
	}
	dst.Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out.Bytes()); err != nil {
		p.log.DebugContext(ctx, "proxy.html.write.fail", slog.String("err", err.Error()))
	}
	return nil
}

// toUTF8 transcodes a legacy-encoded document. Bodies that are already
// valid UTF-8 are returned as is.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	if utf8.Valid(body) {
		return body, nil
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("charset %s: %w", name, err)
	}
	return out, nil
}

func (p *Pipeline) dump(ctx context.Context, body []byte) {
	if p.dumpPath == "" {
		return
	}
	if err := os.WriteFile(p.dumpPath, body, 0o600); err != nil {
		p.log.DebugContext(ctx, "proxy.dump.fail", slog.String("path", p.dumpPath), slog.String("err", err.Error()))
		return
	}
	p.log.DebugContext(ctx, "proxy.dump.ok", slog.String("path", p.dumpPath))
}

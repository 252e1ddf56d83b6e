package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

// Wrap returns h as a Handler. A handler that is already a Handler is
// returned as is, so context groups are added once.
func Wrap(h slog.Handler) slog.Handler {
	if lh, ok := h.(Handler); ok {
		return lh
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("participant_id", sd.ParticipantID),
			slog.String("role", sd.Role),
		))
	}

	if pd, ok := ctx.Value(proxyDataKey{}).(*ProxyData); ok {
		r.AddAttrs(slog.Group("proxy",
			slog.String("target", pd.Target),
			slog.Bool("raw", pd.Raw),
			slog.Bool("noinject", pd.NoInject),
			slog.Bool("norewrite", pd.NoRewrite),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID     string
	ParticipantID string
	Role          string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type proxyDataKey struct{}

type ProxyData struct {
	Target    string
	Raw       bool
	NoInject  bool
	NoRewrite bool
}

func WithProxyData(ctx context.Context, data *ProxyData) context.Context {
	return context.WithValue(ctx, proxyDataKey{}, data)
}

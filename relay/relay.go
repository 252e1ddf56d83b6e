// Package relay serves the realtime channel participants use to join a
// session and mirror the controller's activity.
//
// Each connection runs a small state machine:
//
//	unauthenticated --hello--> joined --close--> closed
//
// Before hello every frame is ignored. Once joined, request_control is
// always honored, while batches and direct events are relayed only when the
// sender holds control. Everything else, including malformed frames, is
// dropped without a reply.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/cobrowse-go/audit"
	"github.com/ggoodman/cobrowse-go/envelope"
	"github.com/ggoodman/cobrowse-go/internal/logctx"
	"github.com/ggoodman/cobrowse-go/masking"
	"github.com/ggoodman/cobrowse-go/rooms"
)

var _ http.Handler = (*Server)(nil)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ClassifierSource yields the masking classifier to apply to a frame.
// *masking.Store satisfies it.
type ClassifierSource interface {
	Classifier() *masking.Classifier
}

type staticClassifier struct{ c *masking.Classifier }

func (s staticClassifier) Classifier() *masking.Classifier { return s.c }

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAudit sets the sink receiving join, leave, control and relay
// records. If not provided, nothing is recorded.
func WithAudit(a audit.Sink) Option {
	return func(s *Server) { s.audit = a }
}

// WithClassifier sets where the masking classifier comes from. Defaults
// to masking.Default().
func WithClassifier(src ClassifierSource) Option {
	return func(s *Server) { s.masks = src }
}

// WithAllowedOrigins restricts which browser origins may open a channel.
// With no origins configured any origin is accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		for _, o := range origins {
			if o = strings.TrimSuffix(strings.TrimSpace(o), "/"); o != "" {
				s.origins[strings.ToLower(o)] = struct{}{}
			}
		}
	}
}

// WithQueueSize sets each participant's outbound queue length.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queueSize = n }
}

// Server upgrades requests to WebSocket channels and runs the relay state
// machine on each of them.
type Server struct {
	rooms     *rooms.Manager
	log       *slog.Logger
	audit     audit.Sink
	masks     ClassifierSource
	origins   map[string]struct{}
	queueSize int
	upgrader  websocket.Upgrader
}

// New creates a Server relaying through rm.
func New(rm *rooms.Manager, opts ...Option) *Server {
	s := &Server{
		rooms:     rm,
		log:       slog.New(slog.DiscardHandler),
		masks:     staticClassifier{masking.Default()},
		origins:   make(map[string]struct{}),
		queueSize: rooms.DefaultQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send Origin.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	_, ok := s.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.log.InfoContext(ctx, "relay.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	sid := r.URL.Query().Get("sid")
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid})
	c := s.newConn(ctx, sid)
	s.log.DebugContext(ctx, "relay.open")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx, ws, c.out)
	}()

	s.readLoop(ws, c)
	c.close()
	wg.Wait()
	_ = ws.Close()
	s.log.DebugContext(c.ctx, "relay.closed")
}

func (s *Server) readLoop(ws *websocket.Conn, c *conn) {
	ws.SetReadLimit(envelope.MaxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.DebugContext(c.ctx, "relay.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		c.handle(data)
	}
}

// writePump drains the participant's queue onto the socket. It returns
// once the queue is closed and drained or a write fails; a failed write
// closes the socket so the read loop ends too.
func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, q *rooms.Queue) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-q.Frames():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.DebugContext(ctx, "relay.write.fail", slog.String("err", err.Error()))
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.DebugContext(ctx, "relay.ping.fail", slog.String("err", err.Error()))
				_ = ws.Close()
				return
			}
		}
	}
}

type state int

const (
	stateUnauthenticated state = iota
	stateJoined
	stateClosed
)

func (st state) String() string {
	switch st {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is the per-channel relay state. It is driven by a single read loop
// and needs no locking of its own.
type conn struct {
	srv *Server
	out *rooms.Queue
	// ctx carries the channel's log attributes; join replaces it once the
	// participant is known.
	ctx        context.Context
	state      state
	defaultSID string
	sid        string
	id         string
	role       string
}

func (s *Server) newConn(ctx context.Context, defaultSID string) *conn {
	return &conn{
		srv:        s,
		out:        rooms.NewQueue(s.queueSize),
		ctx:        ctx,
		defaultSID: defaultSID,
	}
}

func (c *conn) handle(data []byte) {
	ctx, log := c.ctx, c.srv.log
	if c.state == stateClosed {
		return
	}

	in, err := envelope.Decode(data)
	if err != nil {
		log.DebugContext(ctx, "relay.frame.malformed", slog.String("state", c.state.String()), slog.String("err", err.Error()))
		if c.state == stateJoined {
			c.drop(ctx, "", audit.ReasonMalformed)
		}
		return
	}

	if c.state == stateUnauthenticated {
		if in.Type != envelope.TypeHello {
			log.DebugContext(ctx, "relay.frame.ignored", slog.String("type", string(in.Type)), slog.String("state", c.state.String()))
			return
		}
		c.join(ctx, in.Hello)
		return
	}

	switch {
	case in.Type == envelope.TypeHello:
		log.DebugContext(ctx, "relay.hello.repeat")
	case in.Type == envelope.TypeRequestControl:
		c.requestControl(ctx)
	case in.Type == envelope.TypeBatch:
		c.relayBatch(ctx, *in.Batch)
	case in.Type.IsDirectEvent():
		c.relayEvent(ctx, *in.Event)
	default:
		log.DebugContext(ctx, "relay.frame.ignored", slog.String("type", string(in.Type)))
	}
}

func (c *conn) join(ctx context.Context, h *envelope.Hello) {
	sid := h.SessionID
	if sid == "" {
		sid = c.defaultSID
	}
	res, err := c.srv.rooms.Join(ctx, sid, c.out, h.Role)
	if err != nil {
		c.srv.log.DebugContext(ctx, "relay.hello.fail", slog.String("sid", sid), slog.String("err", err.Error()))
		return
	}
	c.state = stateJoined
	c.sid = sid
	c.id = res.ParticipantID
	c.role = h.Role
	if c.role == "" {
		c.role = rooms.DefaultRole
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, ParticipantID: c.id, Role: c.role})
	c.ctx = ctx

	c.srv.log.InfoContext(ctx, "relay.hello.ok", slog.String("controller_id", res.ControllerID))
	c.record(ctx, audit.Entry{Type: audit.TypeJoin, SessionID: sid, ParticipantID: c.id, Role: c.role})
}

func (c *conn) requestControl(ctx context.Context) {
	if !c.srv.rooms.SetController(ctx, c.sid, c.id) {
		c.srv.log.DebugContext(ctx, "relay.control.fail")
		return
	}
	c.srv.log.InfoContext(ctx, "relay.control.ok")
	c.record(ctx, audit.Entry{Type: audit.TypeControl, SessionID: c.sid, ParticipantID: c.id, Role: c.role})
}

func (c *conn) relayBatch(ctx context.Context, b envelope.Batch) {
	if !c.srv.rooms.IsController(c.sid, c.id) {
		c.srv.log.DebugContext(ctx, "relay.batch.unauthorized")
		c.drop(ctx, envelope.TypeBatch, audit.ReasonUnauthorized)
		return
	}
	masked := c.srv.masks.Classifier().Apply(b)
	c.forward(ctx, envelope.TypeBatch, envelope.RelayedBatch{Type: envelope.TypeBatch, From: c.id, Payload: masked})
}

func (c *conn) relayEvent(ctx context.Context, e envelope.Event) {
	if !c.srv.rooms.IsController(c.sid, c.id) {
		c.srv.log.DebugContext(ctx, "relay.event.unauthorized", slog.String("type", string(e.Type)))
		c.drop(ctx, e.Type, audit.ReasonUnauthorized)
		return
	}
	masked := c.srv.masks.Classifier().ApplyEvent(e)
	c.forward(ctx, e.Type, envelope.RelayedEvent{Event: masked, From: c.id})
}

func (c *conn) forward(ctx context.Context, typ envelope.Type, msg any) {
	frame, err := envelope.Encode(msg)
	if err != nil {
		c.srv.log.ErrorContext(ctx, "relay.encode.fail", slog.String("type", string(typ)), slog.String("err", err.Error()))
		return
	}
	n, err := c.srv.rooms.Forward(ctx, c.sid, c.id, frame)
	if err != nil {
		// Control moved between the check and the fan-out.
		c.srv.log.DebugContext(ctx, "relay.forward.drop", slog.String("type", string(typ)), slog.String("err", err.Error()))
		c.drop(ctx, typ, audit.ReasonControlLost)
		return
	}
	c.srv.log.DebugContext(ctx, "relay.forward.ok", slog.String("type", string(typ)), slog.Int("delivered", n), slog.Int("size", len(frame)))
	c.record(ctx, audit.Entry{Type: audit.Type(typ), SessionID: c.sid, ParticipantID: c.id, Size: len(frame)})
}

func (c *conn) close() {
	ctx := c.ctx
	prev := c.state
	c.state = stateClosed
	c.out.Close()
	if prev != stateJoined {
		return
	}
	res := c.srv.rooms.Leave(ctx, c.sid, c.id)
	c.srv.log.InfoContext(ctx, "relay.leave",
		slog.String("controller_id", res.ControllerID),
		slog.Bool("controller_changed", res.ControllerChanged),
		slog.Bool("room_closed", res.Closed),
	)
	c.record(ctx, audit.Entry{Type: audit.TypeLeave, SessionID: c.sid, ParticipantID: c.id, Role: c.role})
}

// drop records a refused frame. Only its type is kept.
func (c *conn) drop(ctx context.Context, typ envelope.Type, reason string) {
	c.record(ctx, audit.Entry{Type: audit.TypeDrop, SessionID: c.sid, ParticipantID: c.id, Role: c.role, Frame: string(typ), Reason: reason})
}

func (c *conn) record(ctx context.Context, e audit.Entry) {
	if c.srv.audit == nil {
		return
	}
	if err := c.srv.audit.Record(ctx, e); err != nil && !errors.Is(err, audit.ErrClosed) {
		c.srv.log.WarnContext(ctx, "relay.audit.fail", slog.String("err", err.Error()))
	}
}

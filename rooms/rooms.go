// Package rooms tracks co-browsing sessions: who is connected to each
// session and which participant currently holds control.
//
// The registry lock guards only the session map. Every membership or
// controller change, and every fan-out, runs under the owning room's lock,
// so different sessions never contend and a broadcast always sees one
// consistent membership snapshot.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/ggoodman/cobrowse-go/envelope"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrNotController    = errors.New("participant is not the controller")
	ErrUnknownSession   = errors.New("unknown session")
)

// DefaultRole is assigned to participants that join without declaring one.
const DefaultRole = "guest"

// Sender is a participant's outbound path. Send must not block; it reports
// false when the frame was dropped because the channel is full or closed.
type Sender interface {
	Send(frame []byte) bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithIDGenerator overrides participant id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager is the session registry.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*room

	log   *slog.Logger
	newID func() string
	now   func() time.Time
}

type room struct {
	mu         sync.Mutex
	sid        string
	members    map[string]*member
	controller string
	created    time.Time
	// deleted is set under both locks when the last member leaves. A joiner
	// holding a stale pointer must retry against the registry.
	deleted bool
}

type member struct {
	id     string
	role   string
	sender Sender
	joined time.Time
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		rooms: make(map[string]*room),
		log:   slog.New(slog.DiscardHandler),
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// JoinResult is the initial state announced to a new participant.
type JoinResult struct {
	ParticipantID string
	ControllerID  string
}

// Join adds a participant to sid, creating the room when absent. The new
// participant becomes controller iff the room had none. The joiner is sent
// hello_ok before any other frame can reach it; existing members are sent
// peer_joined.
func (m *Manager) Join(ctx context.Context, sid string, s Sender, role string) (JoinResult, error) {
	if !envelope.ValidSessionID(sid) {
		return JoinResult{}, ErrInvalidSessionID
	}
	if strings.TrimSpace(role) == "" {
		role = DefaultRole
	}
	id := m.newID()

	for {
		r := m.getOrCreate(sid)

		r.mu.Lock()
		if r.deleted {
			r.mu.Unlock()
			continue
		}
		r.members[id] = &member{id: id, role: role, sender: s, joined: m.now()}
		if r.controller == "" {
			r.controller = id
		}
		res := JoinResult{ParticipantID: id, ControllerID: r.controller}
		if ack, err := envelope.Encode(envelope.NewHelloOK(id, r.controller)); err == nil {
			s.Send(ack)
		}
		m.broadcastLocked(ctx, r, envelope.NewPeerJoined(id), id)
		size := len(r.members)
		r.mu.Unlock()

		m.log.DebugContext(ctx, "rooms.join",
			slog.String("sid", sid),
			slog.String("participant_id", id),
			slog.String("controller_id", res.ControllerID),
			slog.Int("size", size),
		)
		return res, nil
	}
}

func (m *Manager) getOrCreate(sid string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[sid]
	if !ok {
		r = &room{sid: sid, members: make(map[string]*member), created: m.now()}
		m.rooms[sid] = r
	}
	return r
}

func (m *Manager) lookup(sid string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[sid]
}

// LeaveResult describes what a departure changed.
type LeaveResult struct {
	// ControllerID is the room's controller after the departure.
	ControllerID string
	// ControllerChanged is true when the departing participant held control.
	ControllerChanged bool
	// Closed is true when the departure emptied and removed the room.
	Closed bool
}

// Leave removes participantID from sid. If it held control, control moves
// to an arbitrary remaining member (unspecified order) and the room is told
// via controller_changed. Remaining members are also sent peer_left.
// Unknown sessions or participants are a no-op.
func (m *Manager) Leave(ctx context.Context, sid, participantID string) LeaveResult {
	r := m.lookup(sid)
	if r == nil {
		return LeaveResult{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return LeaveResult{}
	}
	if _, ok := r.members[participantID]; !ok {
		return LeaveResult{ControllerID: r.controller}
	}
	delete(r.members, participantID)

	if len(r.members) == 0 {
		r.deleted = true
		r.controller = ""
		m.mu.Lock()
		if m.rooms[sid] == r {
			delete(m.rooms, sid)
		}
		m.mu.Unlock()
		m.log.DebugContext(ctx, "rooms.close", slog.String("sid", sid))
		return LeaveResult{ControllerChanged: true, Closed: true}
	}

	res := LeaveResult{ControllerID: r.controller}
	if r.controller == participantID {
		r.controller = ""
		for id := range r.members {
			r.controller = id
			break
		}
		res.ControllerID = r.controller
		res.ControllerChanged = true
		m.broadcastLocked(ctx, r, envelope.NewControllerChanged(r.controller), "")
	}
	m.broadcastLocked(ctx, r, envelope.NewPeerLeft(participantID), "")

	m.log.DebugContext(ctx, "rooms.leave",
		slog.String("sid", sid),
		slog.String("participant_id", participantID),
		slog.String("controller_id", res.ControllerID),
		slog.Int("size", len(r.members)),
	)
	return res
}

// Broadcast encodes msg once and delivers it to every member of sid except
// exclude. Members whose channel refuses the frame are skipped. It returns
// the number of members that accepted the frame.
func (m *Manager) Broadcast(ctx context.Context, sid string, msg any, exclude string) int {
	r := m.lookup(sid)
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return 0
	}
	return m.broadcastLocked(ctx, r, msg, exclude)
}

// Forward delivers an already encoded frame from the controller to the rest
// of the room. The controller check and the fan-out happen under the same
// lock, so a frame from a participant that lost control is never delivered.
func (m *Manager) Forward(ctx context.Context, sid, from string, frame []byte) (int, error) {
	r := m.lookup(sid)
	if r == nil {
		return 0, ErrUnknownSession
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return 0, ErrUnknownSession
	}
	if r.controller == "" || r.controller != from {
		return 0, ErrNotController
	}
	return m.sendLocked(ctx, r, frame, from), nil
}

// IsController reports whether participantID currently controls sid.
func (m *Manager) IsController(sid, participantID string) bool {
	r := m.lookup(sid)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.deleted && participantID != "" && r.controller == participantID
}

// SetController unconditionally hands control of sid to participantID and
// announces it to the whole room, requester included. It returns false and
// changes nothing when the session or participant is unknown.
func (m *Manager) SetController(ctx context.Context, sid, participantID string) bool {
	r := m.lookup(sid)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return false
	}
	if _, ok := r.members[participantID]; !ok {
		return false
	}
	r.controller = participantID
	m.broadcastLocked(ctx, r, envelope.NewControllerChanged(participantID), "")

	m.log.DebugContext(ctx, "rooms.control",
		slog.String("sid", sid),
		slog.String("controller_id", participantID),
	)
	return true
}

func (m *Manager) broadcastLocked(ctx context.Context, r *room, msg any, exclude string) int {
	frame, err := envelope.Encode(msg)
	if err != nil {
		m.log.ErrorContext(ctx, "rooms.broadcast.encode.fail", slog.String("sid", r.sid), slog.String("err", err.Error()))
		return 0
	}
	return m.sendLocked(ctx, r, frame, exclude)
}

func (m *Manager) sendLocked(ctx context.Context, r *room, frame []byte, exclude string) int {
	delivered := 0
	for id, mem := range r.members {
		if id == exclude {
			continue
		}
		if mem.sender.Send(frame) {
			delivered++
			continue
		}
		m.log.DebugContext(ctx, "rooms.send.drop", slog.String("sid", r.sid), slog.String("participant_id", id))
	}
	return delivered
}

// ParticipantInfo describes one member of a room.
type ParticipantInfo struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Controller bool      `json:"controller"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// RoomInfo is a point-in-time view of a room.
type RoomInfo struct {
	SessionID    string            `json:"sessionId"`
	ControllerID string            `json:"controllerId,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Participants []ParticipantInfo `json:"participants"`
}

// Snapshot returns the current state of sid.
func (m *Manager) Snapshot(sid string) (RoomInfo, bool) {
	r := m.lookup(sid)
	if r == nil {
		return RoomInfo{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return RoomInfo{}, false
	}
	return r.infoLocked(), true
}

func (r *room) infoLocked() RoomInfo {
	ps := lo.MapToSlice(r.members, func(id string, mem *member) ParticipantInfo {
		return ParticipantInfo{ID: id, Role: mem.role, Controller: id == r.controller, JoinedAt: mem.joined}
	})
	slices.SortFunc(ps, func(a, b ParticipantInfo) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return RoomInfo{
		SessionID:    r.sid,
		ControllerID: r.controller,
		CreatedAt:    r.created,
		Participants: ps,
	}
}

// Stats summarizes every live room.
type Stats struct {
	Rooms        int        `json:"rooms"`
	Participants int        `json:"participants"`
	Sessions     []RoomInfo `json:"sessions"`
}

// Stats returns a summary of all rooms, ordered by session id. Rooms are
// visited one at a time, so the result is not a single atomic snapshot.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	rs := lo.Values(m.rooms)
	m.mu.Unlock()

	infos := make([]RoomInfo, 0, len(rs))
	for _, r := range rs {
		r.mu.Lock()
		if !r.deleted {
			infos = append(infos, r.infoLocked())
		}
		r.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b RoomInfo) int { return strings.Compare(a.SessionID, b.SessionID) })

	return Stats{
		Rooms:        len(infos),
		Participants: lo.SumBy(infos, func(ri RoomInfo) int { return len(ri.Participants) }),
		Sessions:     infos,
	}
}

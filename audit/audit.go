// Package audit defines the observational record of relay activity.
//
// Entries describe who did what in which session and how large the relayed
// payload was. They never carry field values. Nothing in the relay path
// reads audit state back, so a slow or failing sink can only lose entries,
// never affect a session.
package audit

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("audit sink closed")

const (
	// DefaultQueryLimit is used when a query does not name a limit.
	DefaultQueryLimit = 200
	// MaxEntries bounds both retention and a single query.
	MaxEntries = 5000
)

// Type names the kind of activity an Entry records.
type Type string

const (
	TypeJoin    Type = "join"
	TypeLeave   Type = "leave"
	TypeControl Type = "control"
	// TypeDrop records a frame the relay refused to forward.
	TypeDrop Type = "drop"
)

// Drop reasons.
const (
	ReasonUnauthorized = "unauthorized"
	ReasonControlLost  = "control_lost"
	ReasonMalformed    = "malformed"
)

// Entry is one audit record. Relayed envelopes use the envelope type
// ("batch", "click", ...) as Type.
type Entry struct {
	Time          time.Time `json:"ts"`
	Type          Type      `json:"type"`
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId,omitempty"`
	Role          string    `json:"role,omitempty"`
	Size          int       `json:"size,omitempty"`
	// Frame and Reason are set on TypeDrop entries.
	Frame  string `json:"frame,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Sink stores audit entries.
type Sink interface {
	// Record stores e. A zero e.Time is replaced with the sink's clock.
	Record(ctx context.Context, e Entry) error
	// Query returns up to limit of the most recent entries, oldest first.
	// A non-positive limit selects DefaultQueryLimit; limits above
	// MaxEntries are clamped.
	Query(ctx context.Context, limit int) ([]Entry, error)
}

// NormalizeLimit applies the Query limit rules.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultQueryLimit
	case limit > MaxEntries:
		return MaxEntries
	}
	return limit
}

// Package envelope defines the wire contract spoken between the injected
// synchronization agent and the relay. Inbound frames are decoded with
// Decode, which validates them against the same limits every participant
// relies on; anything that fails validation is reported as ErrMalformed so
// the relay can drop it without surfacing an error to the sender.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Limits applied while decoding inbound frames.
const (
	MaxSessionIDLen = 64
	MaxRoleLen      = 32
	MaxBatchItems   = 512
	MaxPathDepth    = 256
	MaxFrameBytes   = 1 << 20
)

var ErrMalformed = errors.New("malformed message")

// Type is the discriminator carried by every frame in its "type" field.
type Type string

const (
	TypeHello             Type = "hello"
	TypeHelloOK           Type = "hello_ok"
	TypePeerJoined        Type = "peer_joined"
	TypePeerLeft          Type = "peer_left"
	TypeControllerChanged Type = "controller_changed"
	TypeRequestControl    Type = "request_control"
	TypeBatch             Type = "batch"

	TypeScroll Type = "scroll"
	TypeClick  Type = "click"
	TypeInput  Type = "input"
	TypeChange Type = "change"
	TypeFocus  Type = "focus"
	TypeNav    Type = "nav"
)

// IsDirectEvent reports whether t is one of the single-event frame types
// relayed without a batch wrapper.
func (t Type) IsDirectEvent() bool {
	switch t {
	case TypeScroll, TypeClick, TypeInput, TypeFocus, TypeNav:
		return true
	}
	return false
}

// MutationType names a derived DOM change.
type MutationType string

const (
	MutationText     MutationType = "text"
	MutationSetValue MutationType = "setValue"
)

// Node describes the element an event or mutation applies to. It is only
// consulted for masking decisions and never used to locate the element.
type Node struct {
	Tag       string   `json:"tag,omitempty"`
	Name      string   `json:"name,omitempty"`
	ID        string   `json:"id,omitempty"`
	Type      string   `json:"type,omitempty"`
	Selectors []string `json:"selectors,omitempty"`
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Selectors != nil {
		c.Selectors = append([]string(nil), n.Selectors...)
	}
	return &c
}

// Path is the node locator: sibling indices walked from the document
// element down to the addressed node. It is the only addressing scheme the
// relay accepts.
type Path []int

func (p Path) String() string {
	var b strings.Builder
	for i, idx := range p {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(strconv.Itoa(idx))
	}
	return b.String()
}

// Validate checks depth and index bounds.
func (p Path) Validate() error {
	if len(p) > MaxPathDepth {
		return fmt.Errorf("path depth %d exceeds %d", len(p), MaxPathDepth)
	}
	for _, idx := range p {
		if idx < 0 {
			return fmt.Errorf("negative path index %d", idx)
		}
	}
	return nil
}

func (p Path) clone() Path {
	if p == nil {
		return nil
	}
	return append(Path(nil), p...)
}

// Event is one discrete user action.
type Event struct {
	Type        Type     `json:"type"`
	Path        Path     `json:"path,omitempty"`
	Value       *string  `json:"value,omitempty"`
	ValueMasked bool     `json:"valueMasked,omitempty"`
	Node        *Node    `json:"node,omitempty"`
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	ClientX     *float64 `json:"clientX,omitempty"`
	ClientY     *float64 `json:"clientY,omitempty"`
	URL         string   `json:"url,omitempty"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	c := e
	c.Path = e.Path.clone()
	c.Node = e.Node.clone()
	if e.Value != nil {
		v := *e.Value
		c.Value = &v
	}
	return c
}

func (e Event) validate() error {
	switch e.Type {
	case TypeClick, TypeInput, TypeChange, TypeScroll, TypeFocus, TypeNav:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return e.Path.Validate()
}

// Mutation is one derived DOM change.
type Mutation struct {
	Type  MutationType `json:"type"`
	Path  Path         `json:"path,omitempty"`
	Text  *string      `json:"text,omitempty"`
	Value *string      `json:"value,omitempty"`
	Node  *Node        `json:"node,omitempty"`
}

// Clone returns a deep copy of m.
func (m Mutation) Clone() Mutation {
	c := m
	c.Path = m.Path.clone()
	c.Node = m.Node.clone()
	if m.Text != nil {
		v := *m.Text
		c.Text = &v
	}
	if m.Value != nil {
		v := *m.Value
		c.Value = &v
	}
	return c
}

func (m Mutation) validate() error {
	switch m.Type {
	case MutationText, MutationSetValue:
	default:
		return fmt.Errorf("unknown mutation type %q", m.Type)
	}
	return m.Path.Validate()
}

// Batch is the envelope: a group of observations captured by the
// controller and relayed as a unit.
type Batch struct {
	Events    []Event    `json:"events,omitempty"`
	Mutations []Mutation `json:"mutations,omitempty"`
}

// Clone returns a deep copy of b.
func (b Batch) Clone() Batch {
	var c Batch
	if b.Events != nil {
		c.Events = make([]Event, len(b.Events))
		for i, e := range b.Events {
			c.Events[i] = e.Clone()
		}
	}
	if b.Mutations != nil {
		c.Mutations = make([]Mutation, len(b.Mutations))
		for i, m := range b.Mutations {
			c.Mutations[i] = m.Clone()
		}
	}
	return c
}

// Validate checks item counts and every contained event and mutation.
func (b Batch) Validate() error {
	if n := len(b.Events) + len(b.Mutations); n > MaxBatchItems {
		return fmt.Errorf("batch has %d items, limit %d", n, MaxBatchItems)
	}
	for i, e := range b.Events {
		if err := e.validate(); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	for i, m := range b.Mutations {
		if err := m.validate(); err != nil {
			return fmt.Errorf("mutations[%d]: %w", i, err)
		}
	}
	return nil
}

// Hello is the first frame a client sends to join a room.
type Hello struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role,omitempty"`
}

// ValidSessionID reports whether sid is usable as a room key.
func ValidSessionID(sid string) bool {
	return sid != "" && len(sid) <= MaxSessionIDLen
}

// Inbound is a decoded client frame. Exactly one of Hello, Batch or Event
// is set, according to Type; request_control carries none.
type Inbound struct {
	Type  Type
	Hello *Hello
	Batch *Batch
	Event *Event
}

type frameHeader struct {
	Type Type `json:"type"`
}

type batchFrame struct {
	Payload *Batch `json:"payload"`
}

// Decode parses and validates one client frame. Unknown frame types and
// every validation failure wrap ErrMalformed.
func Decode(data []byte) (*Inbound, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformed, len(data), MaxFrameBytes)
	}
	var hdr frameHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	in := &Inbound{Type: hdr.Type}
	switch {
	case hdr.Type == TypeHello:
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", ErrMalformed, err)
		}
		// An empty sessionId is allowed here; the relay falls back to the
		// channel's sid query parameter.
		if len(h.SessionID) > MaxSessionIDLen {
			return nil, fmt.Errorf("%w: hello: session id too long", ErrMalformed)
		}
		if len(h.Role) > MaxRoleLen {
			return nil, fmt.Errorf("%w: hello: role too long", ErrMalformed)
		}
		in.Hello = &h
	case hdr.Type == TypeRequestControl:
	case hdr.Type == TypeBatch:
		var f batchFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformed, err)
		}
		if f.Payload == nil {
			f.Payload = &Batch{}
		}
		if err := f.Payload.Validate(); err != nil {
			return nil, fmt.Errorf("%w: batch: %v", ErrMalformed, err)
		}
		in.Batch = f.Payload
	case hdr.Type.IsDirectEvent():
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Type, err)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Type, err)
		}
		in.Event = &e
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, hdr.Type)
	}
	return in, nil
}

// NullableID marshals as JSON null when empty.
type NullableID string

func (id NullableID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

func (id *NullableID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = NullableID(s)
	return nil
}

// HelloOK acknowledges a hello.
type HelloOK struct {
	Type         Type       `json:"type"`
	ID           string     `json:"id"`
	ControllerID NullableID `json:"controllerId"`
}

// PeerNotice announces a membership change (peer_joined / peer_left).
type PeerNotice struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// ControllerChanged announces the current controller.
type ControllerChanged struct {
	Type         Type       `json:"type"`
	ControllerID NullableID `json:"controllerId"`
}

// RelayedBatch is a masked batch forwarded to the rest of the room.
type RelayedBatch struct {
	Type    Type   `json:"type"`
	From    string `json:"from"`
	Payload Batch  `json:"payload"`
}

// RelayedEvent is a masked direct event forwarded to the rest of the room.
type RelayedEvent struct {
	Event
	From string `json:"from"`
}

func NewHelloOK(id, controllerID string) HelloOK {
	return HelloOK{Type: TypeHelloOK, ID: id, ControllerID: NullableID(controllerID)}
}

func NewPeerJoined(id string) PeerNotice { return PeerNotice{Type: TypePeerJoined, ID: id} }

func NewPeerLeft(id string) PeerNotice { return PeerNotice{Type: TypePeerLeft, ID: id} }

func NewControllerChanged(controllerID string) ControllerChanged {
	return ControllerChanged{Type: TypeControllerChanged, ControllerID: NullableID(controllerID)}
}

// Encode marshals an outbound frame.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

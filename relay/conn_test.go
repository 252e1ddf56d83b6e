package relay

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ggoodman/cobrowse-go/audit"
	"github.com/ggoodman/cobrowse-go/audit/memory"
	"github.com/ggoodman/cobrowse-go/masking"
	"github.com/ggoodman/cobrowse-go/rooms"
)

type harness struct {
	srv   *Server
	rooms *rooms.Manager
	audit *memory.Ring
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rm := rooms.New()
	ring := memory.New()
	opts = append([]Option{WithAudit(ring)}, opts...)
	return &harness{srv: New(rm, opts...), rooms: rm, audit: ring}
}

func (h *harness) conn(sid string) *conn {
	return h.srv.newConn(context.Background(), sid)
}

// frames returns every frame currently queued for c.
func frames(t *testing.T, c *conn) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case f, ok := <-c.out.Frames():
			if !ok {
				return out
			}
			var m map[string]any
			if err := json.Unmarshal(f, &m); err != nil {
				t.Fatalf("bad frame %s: %v", f, err)
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func ofType(fs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, f := range fs {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func send(c *conn, frame string) { c.handle([]byte(frame)) }

func hello(t *testing.T, c *conn, frame string) string {
	t.Helper()
	send(c, frame)
	if c.state != stateJoined {
		t.Fatalf("hello %s did not join", frame)
	}
	fs := frames(t, c)
	if len(fs) == 0 || fs[0]["type"] != "hello_ok" {
		t.Fatalf("expected hello_ok, got %v", fs)
	}
	return fs[0]["id"].(string)
}

const secretBatch = `{"type":"batch","payload":{"events":[{"type":"input","path":[0,1,2],"node":{"tag":"INPUT","type":"password"},"value":"secret"}]}}`

func TestFramesBeforeHelloAreIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.conn("abc")

	send(c, secretBatch)
	send(c, `{"type":"request_control"}`)
	send(c, `{"type":"click","x":1,"y":2}`)

	if c.state != stateUnauthenticated {
		t.Fatalf("unexpected state %s", c.state)
	}
	if st := h.rooms.Stats(); st.Rooms != 0 {
		t.Fatalf("no room should exist: %+v", st)
	}
	if fs := frames(t, c); len(fs) != 0 {
		t.Fatalf("nothing should be sent: %v", fs)
	}
}

func TestHelloFallsBackToQuerySID(t *testing.T) {
	h := newHarness(t)
	c := h.conn("from-query")

	send(c, `{"type":"hello","role":"agent"}`)
	if c.state != stateJoined || c.sid != "from-query" || c.role != "agent" {
		t.Fatalf("unexpected conn %+v", c)
	}
	fs := frames(t, c)
	if fs[0]["id"] != c.id || fs[0]["controllerId"] != c.id {
		t.Fatalf("first joiner should control: %v", fs[0])
	}
}

func TestHelloSessionIDWins(t *testing.T) {
	h := newHarness(t)
	c := h.conn("from-query")
	hello(t, c, `{"type":"hello","sessionId":"abc"}`)
	if c.sid != "abc" {
		t.Fatalf("want abc, got %s", c.sid)
	}
}

func TestHelloWithoutSessionStaysUnauthenticated(t *testing.T) {
	h := newHarness(t)
	c := h.conn("")
	send(c, `{"type":"hello"}`)
	if c.state != stateUnauthenticated {
		t.Fatalf("unexpected state %s", c.state)
	}
}

func TestRepeatHelloIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.conn("")
	id := hello(t, c, `{"type":"hello","sessionId":"abc"}`)
	send(c, `{"type":"hello","sessionId":"other"}`)
	if c.sid != "abc" || c.id != id {
		t.Fatal("second hello must not rejoin")
	}
	if st := h.rooms.Stats(); st.Rooms != 1 || st.Participants != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBatchRelayedMaskedFromController(t *testing.T) {
	h := newHarness(t)
	a, b := h.conn(""), h.conn("")
	aid := hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	hello(t, b, `{"type":"hello","sessionId":"abc"}`)
	frames(t, a)

	send(a, secretBatch)

	got := ofType(frames(t, b), "batch")
	if len(got) != 1 {
		t.Fatalf("b should receive one batch, got %v", got)
	}
	if got[0]["from"] != aid {
		t.Fatalf("batch should be tagged with sender, got %v", got[0]["from"])
	}
	ev := got[0]["payload"].(map[string]any)["events"].([]any)[0].(map[string]any)
	if ev["value"] != masking.Redacted {
		t.Fatalf("value not redacted: %v", ev["value"])
	}
	if len(ofType(frames(t, a), "batch")) != 0 {
		t.Fatal("sender must not receive its own batch")
	}
}

func TestNonControllerEnvelopesDropped(t *testing.T) {
	h := newHarness(t)
	a, b := h.conn(""), h.conn("")
	hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	bid := hello(t, b, `{"type":"hello","sessionId":"abc"}`)
	frames(t, a)

	send(b, secretBatch)
	send(b, `{"type":"click","x":1,"y":2}`)
	send(b, `{"type":"nav","url":"https://example.com"}`)

	if fs := frames(t, a); len(fs) != 0 {
		t.Fatalf("controller received non-controller frames: %v", fs)
	}
	if fs := frames(t, b); len(fs) != 0 {
		t.Fatalf("no error should be surfaced to the sender: %v", fs)
	}

	entries, _ := h.audit.Query(context.Background(), 0)
	var drops []string
	for _, e := range entries {
		if e.Type != audit.TypeDrop {
			continue
		}
		if e.ParticipantID != bid || e.SessionID != "abc" || e.Reason != audit.ReasonUnauthorized {
			t.Fatalf("unexpected drop record %+v", e)
		}
		drops = append(drops, e.Frame)
	}
	if strings.Join(drops, ",") != "batch,click,nav" {
		t.Fatalf("unexpected drop trail %v", drops)
	}
	raw, _ := json.Marshal(entries)
	if strings.Contains(string(raw), "secret") || strings.Contains(string(raw), "example.com") {
		t.Fatalf("drop records must not carry values: %s", raw)
	}
}

func TestRequestControlObservedByAll(t *testing.T) {
	h := newHarness(t)
	a, b, c := h.conn(""), h.conn(""), h.conn("")
	hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	bid := hello(t, b, `{"type":"hello","sessionId":"abc"}`)
	hello(t, c, `{"type":"hello","sessionId":"abc"}`)
	frames(t, a)
	frames(t, b)

	send(b, `{"type":"request_control"}`)

	for name, cc := range map[string]*conn{"a": a, "b": b, "c": c} {
		got := ofType(frames(t, cc), "controller_changed")
		if len(got) != 1 || got[0]["controllerId"] != bid {
			t.Fatalf("%s did not observe the change: %v", name, got)
		}
	}

	// The previous controller is now a viewer.
	send(a, secretBatch)
	if fs := frames(t, b); len(fs) != 0 {
		t.Fatalf("stale controller frame delivered: %v", fs)
	}
	send(b, `{"type":"scroll","x":0,"y":120}`)
	got := ofType(frames(t, a), "scroll")
	if len(got) != 1 || got[0]["from"] != bid || got[0]["y"] != float64(120) {
		t.Fatalf("unexpected scroll relay: %v", got)
	}
}

func TestDirectEventMasked(t *testing.T) {
	h := newHarness(t)
	a, b := h.conn(""), h.conn("")
	hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	hello(t, b, `{"type":"hello","sessionId":"abc"}`)

	send(a, `{"type":"input","path":[1],"node":{"tag":"INPUT","name":"card_number"},"value":"4111111111111111"}`)
	got := ofType(frames(t, b), "input")
	if len(got) != 1 || got[0]["value"] != masking.Redacted {
		t.Fatalf("card number not redacted: %v", got)
	}

	send(a, `{"type":"input","path":[2],"node":{"tag":"INPUT","name":"username"},"value":"alice"}`)
	got = ofType(frames(t, b), "input")
	if len(got) != 1 || got[0]["value"] != "alice" {
		t.Fatalf("username should pass through: %v", got)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	h := newHarness(t)
	a, b := h.conn(""), h.conn("")
	hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	hello(t, b, `{"type":"hello","sessionId":"abc"}`)

	for _, f := range []string{
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"batch","payload":{"events":[{"type":"input","path":[-1]}]}}`,
		`{"type":"batch","payload":"nope"}`,
	} {
		send(a, f)
	}
	if fs := frames(t, b); len(fs) != 0 {
		t.Fatalf("malformed frames relayed: %v", fs)
	}
	if a.state != stateJoined {
		t.Fatal("malformed input must not end the channel")
	}
	send(a, `{"type":"click","x":1,"y":1}`)
	if len(ofType(frames(t, b), "click")) != 1 {
		t.Fatal("channel should keep relaying after malformed input")
	}

	entries, _ := h.audit.Query(context.Background(), 0)
	malformed := 0
	for _, e := range entries {
		if e.Type == audit.TypeDrop && e.Reason == audit.ReasonMalformed {
			malformed++
		}
	}
	if malformed != 4 {
		t.Fatalf("want 4 malformed drop records, got %d in %+v", malformed, entries)
	}
}

func TestCloseHandsOffControlAndAudits(t *testing.T) {
	h := newHarness(t)
	a, b := h.conn(""), h.conn("")
	aid := hello(t, a, `{"type":"hello","sessionId":"abc","role":"agent"}`)
	bid := hello(t, b, `{"type":"hello","sessionId":"abc"}`)
	send(a, secretBatch)
	frames(t, b)

	a.close()
	if a.state != stateClosed || !a.out.Closed() {
		t.Fatal("close should end the channel")
	}
	send(a, `{"type":"request_control"}`)

	got := ofType(frames(t, b), "controller_changed")
	if len(got) != 1 || got[0]["controllerId"] != bid {
		t.Fatalf("b should be promoted: %v", got)
	}
	if !h.rooms.IsController("abc", bid) {
		t.Fatal("b should control")
	}

	entries, _ := h.audit.Query(context.Background(), 0)
	var types []string
	for _, e := range entries {
		types = append(types, string(e.Type))
	}
	if strings.Join(types, ",") != "join,join,batch,leave" {
		t.Fatalf("unexpected audit trail %v", types)
	}
	if e := entries[2]; e.ParticipantID != aid || e.Size == 0 || e.SessionID != "abc" {
		t.Fatalf("unexpected batch record %+v", e)
	}
	if entries[0].Role != "agent" {
		t.Fatalf("join should carry role: %+v", entries[0])
	}
	raw, _ := json.Marshal(entries)
	if strings.Contains(string(raw), "secret") || strings.Contains(string(raw), masking.Redacted) {
		t.Fatalf("audit must never carry values: %s", raw)
	}
}

func TestCloseBeforeHello(t *testing.T) {
	h := newHarness(t)
	c := h.conn("abc")
	c.close()
	entries, _ := h.audit.Query(context.Background(), 0)
	if len(entries) != 0 {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}

func TestClassifierHotSwap(t *testing.T) {
	store := masking.NewStore(masking.Default())
	h := newHarness(t, WithClassifier(store))
	a, b := h.conn(""), h.conn("")
	hello(t, a, `{"type":"hello","sessionId":"abc"}`)
	hello(t, b, `{"type":"hello","sessionId":"abc"}`)

	input := `{"type":"input","path":[1],"node":{"tag":"INPUT","name":"mothers_maiden"},"value":"smith"}`
	send(a, input)
	if got := ofType(frames(t, b), "input"); got[0]["value"] != "smith" {
		t.Fatalf("unexpected value %v", got[0]["value"])
	}

	store.Set(masking.New(masking.DefaultRules().Merge(masking.Rules{Substrings: []string{"maiden"}})))
	send(a, input)
	if got := ofType(frames(t, b), "input"); got[0]["value"] != masking.Redacted {
		t.Fatalf("reloaded rules not applied: %v", got[0]["value"])
	}
}

func TestNilAuditSink(t *testing.T) {
	srv := New(rooms.New())
	c := srv.newConn(context.Background(), "abc")
	send(c, `{"type":"hello"}`)
	c.close()
}

var _ audit.Sink = (*memory.Ring)(nil)

package relay_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/cobrowse-go/masking"
	"github.com/ggoodman/cobrowse-go/relay"
	"github.com/ggoodman/cobrowse-go/rooms"
)

func newTestServer(t *testing.T, opts ...relay.Option) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", relay.New(rooms.New(), opts...))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(httpURL, sid string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws?sid=" + sid
}

func dial(t *testing.T, ts *httptest.Server, sid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, sid), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func expectType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	msg := readMessage(t, conn)
	if msg["type"] != typ {
		t.Fatalf("expected %s, got %v", typ, msg)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func TestMaskedRelayAndHandOff(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "abc")
	write(t, a, `{"type":"hello","sessionId":"abc","role":"agent"}`)
	okA := expectType(t, a, "hello_ok")
	aid := okA["id"].(string)
	if okA["controllerId"] != aid {
		t.Fatalf("A should control, got %v", okA)
	}

	b := dial(t, ts, "abc")
	write(t, b, `{"type":"hello","sessionId":"abc","role":"customer"}`)
	okB := expectType(t, b, "hello_ok")
	bid := okB["id"].(string)
	if okB["controllerId"] != aid {
		t.Fatalf("B should remain a viewer, got %v", okB)
	}
	if joined := expectType(t, a, "peer_joined"); joined["id"] != bid {
		t.Fatalf("A should see B join, got %v", joined)
	}

	write(t, a, `{"type":"batch","payload":{"events":[{"type":"input","node":{"tag":"INPUT","type":"password"},"value":"secret"}]}}`)
	batch := expectType(t, b, "batch")
	if batch["from"] != aid {
		t.Fatalf("batch should be tagged with A, got %v", batch["from"])
	}
	ev := batch["payload"].(map[string]any)["events"].([]any)[0].(map[string]any)
	if ev["value"] != masking.Redacted {
		t.Fatalf("expected redacted value, got %v", ev["value"])
	}

	if err := a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("close A: %v", err)
	}
	a.Close()

	changed := expectType(t, b, "controller_changed")
	if changed["controllerId"] != bid {
		t.Fatalf("B should be promoted, got %v", changed)
	}
	if left := expectType(t, b, "peer_left"); left["id"] != aid {
		t.Fatalf("B should see A leave, got %v", left)
	}
}

func TestViewerCannotDrive(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "abc")
	write(t, a, `{"type":"hello"}`)
	expectType(t, a, "hello_ok")

	b := dial(t, ts, "abc")
	write(t, b, `{"type":"hello"}`)
	bid := expectType(t, b, "hello_ok")["id"]
	expectType(t, a, "peer_joined")

	write(t, b, `{"type":"click","x":10,"y":20}`)
	write(t, b, `garbage`)
	expectSilence(t, a)

	write(t, b, `{"type":"request_control"}`)
	if got := expectType(t, a, "controller_changed"); got["controllerId"] != bid {
		t.Fatalf("A should observe B take control, got %v", got)
	}
	if got := expectType(t, b, "controller_changed"); got["controllerId"] != bid {
		t.Fatalf("B should observe its own promotion, got %v", got)
	}

	write(t, b, `{"type":"click","x":10,"y":20}`)
	click := expectType(t, a, "click")
	if click["from"] != bid || click["x"] != float64(10) {
		t.Fatalf("unexpected click relay %v", click)
	}
}

func TestIgnoresFramesBeforeHello(t *testing.T) {
	ts := newTestServer(t)

	a := dial(t, ts, "abc")
	write(t, a, `{"type":"hello"}`)
	expectType(t, a, "hello_ok")

	b := dial(t, ts, "abc")
	write(t, b, `{"type":"request_control"}`)
	expectSilence(t, a)
	expectSilence(t, b)
}

func TestAllowedOrigins(t *testing.T) {
	ts := newTestServer(t, relay.WithAllowedOrigins("https://app.example.com/"))

	hdr := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "abc"), hdr)
	if err == nil {
		t.Fatal("expected handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	hdr = http.Header{"Origin": {"https://APP.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "abc"), hdr)
	if err != nil {
		t.Fatalf("allowed origin refused: %v", err)
	}
	conn.Close()
}

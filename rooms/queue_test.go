package rooms

import "testing"

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(2)
	if !q.Send([]byte("1")) || !q.Send([]byte("2")) {
		t.Fatal("queue should accept up to its size")
	}
	if q.Send([]byte("3")) {
		t.Fatal("full queue must drop")
	}
	if got := string(<-q.Frames()); got != "1" {
		t.Fatalf("want first frame, got %q", got)
	}
	if !q.Send([]byte("4")) {
		t.Fatal("drained queue should accept again")
	}
}

func TestQueueClose(t *testing.T) {
	q := NewQueue(0)
	if cap(q.ch) != DefaultQueueSize {
		t.Fatalf("want default size, got %d", cap(q.ch))
	}
	q.Send([]byte("pending"))
	q.Close()
	q.Close()

	if !q.Closed() {
		t.Fatal("queue should report closed")
	}
	if q.Send([]byte("late")) {
		t.Fatal("closed queue must drop")
	}
	var got []string
	for f := range q.Frames() {
		got = append(got, string(f))
	}
	if len(got) != 1 || got[0] != "pending" {
		t.Fatalf("pending frames should drain, got %v", got)
	}
}

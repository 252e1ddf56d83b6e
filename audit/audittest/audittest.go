// Package audittest holds the conformance suite every audit.Sink
// implementation runs.
package audittest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/cobrowse-go/audit"
)

// SinkFactory creates an empty sink retaining at most capacity entries.
type SinkFactory func(t *testing.T, capacity int) audit.Sink

// RunSinkTests runs the complete Sink test suite against the provided factory.
func RunSinkTests(t *testing.T, factory SinkFactory) {
	t.Run("Query_Empty", func(t *testing.T) { testQueryEmpty(t, factory) })
	t.Run("Query_OldestFirst", func(t *testing.T) { testQueryOldestFirst(t, factory) })
	t.Run("Query_LimitReturnsMostRecent", func(t *testing.T) { testQueryLimit(t, factory) })
	t.Run("Query_DefaultLimit", func(t *testing.T) { testQueryDefaultLimit(t, factory) })
	t.Run("Record_EvictsOldest", func(t *testing.T) { testEviction(t, factory) })
	t.Run("Record_StampsTime", func(t *testing.T) { testStampsTime(t, factory) })
	t.Run("Record_PreservesFields", func(t *testing.T) { testPreservesFields(t, factory) })
	t.Run("Record_Concurrent", func(t *testing.T) { testConcurrent(t, factory) })
}

func entry(i int) audit.Entry {
	return audit.Entry{
		Time:          time.Unix(1700000000, 0).UTC().Add(time.Duration(i) * time.Second),
		Type:          "batch",
		SessionID:     "abc",
		ParticipantID: fmt.Sprintf("p%d", i),
		Size:          i + 1,
	}
}

func record(t *testing.T, s audit.Sink, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := s.Record(ctx, entry(i)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
}

func testQueryEmpty(t *testing.T, factory SinkFactory) {
	s := factory(t, 10)
	got, err := s.Query(context.Background(), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}

func testQueryOldestFirst(t *testing.T, factory SinkFactory) {
	s := factory(t, 10)
	record(t, s, 3)

	got, err := s.Query(context.Background(), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.ParticipantID != fmt.Sprintf("p%d", i) {
			t.Fatalf("entry %d out of order: %+v", i, e)
		}
	}
}

func testQueryLimit(t *testing.T, factory SinkFactory) {
	s := factory(t, 10)
	record(t, s, 5)

	got, err := s.Query(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ParticipantID != "p3" || got[1].ParticipantID != "p4" {
		t.Fatalf("expected the two most recent entries, got %+v", got)
	}
}

func testQueryDefaultLimit(t *testing.T, factory SinkFactory) {
	s := factory(t, audit.DefaultQueryLimit+10)
	record(t, s, audit.DefaultQueryLimit+5)

	got, err := s.Query(context.Background(), 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != audit.DefaultQueryLimit {
		t.Fatalf("expected %d entries, got %d", audit.DefaultQueryLimit, len(got))
	}
	if last := got[len(got)-1].ParticipantID; last != fmt.Sprintf("p%d", audit.DefaultQueryLimit+4) {
		t.Fatalf("default query should end at the newest entry, got %s", last)
	}
}

func testEviction(t *testing.T, factory SinkFactory) {
	s := factory(t, 4)
	record(t, s, 10)

	got, err := s.Query(context.Background(), 100)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected capacity-bounded result, got %d", len(got))
	}
	if got[0].ParticipantID != "p6" || got[3].ParticipantID != "p9" {
		t.Fatalf("oldest entries should be evicted, got %+v", got)
	}
}

func testStampsTime(t *testing.T, factory SinkFactory) {
	s := factory(t, 10)
	before := time.Now().Add(-time.Minute)
	if err := s.Record(context.Background(), audit.Entry{Type: audit.TypeJoin, SessionID: "abc"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.Query(context.Background(), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].Time.IsZero() {
		t.Fatalf("entry should be stamped, got %+v", got)
	}
	if got[0].Time.Before(before) {
		t.Fatalf("stamp %s is older than expected", got[0].Time)
	}
}

func testPreservesFields(t *testing.T, factory SinkFactory) {
	s := factory(t, 10)
	want := audit.Entry{
		Time:          time.Unix(1700000000, 0).UTC(),
		Type:          audit.TypeControl,
		SessionID:     "abc",
		ParticipantID: "p1",
		Role:          "agent",
		Size:          42,
	}
	drop := audit.Entry{
		Time:          time.Unix(1700000001, 0).UTC(),
		Type:          audit.TypeDrop,
		SessionID:     "abc",
		ParticipantID: "p2",
		Frame:         "click",
		Reason:        audit.ReasonUnauthorized,
	}
	if err := s.Record(context.Background(), want); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Record(context.Background(), drop); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := s.Query(context.Background(), 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	g := got[0]
	if !g.Time.Equal(want.Time) || g.Type != want.Type || g.SessionID != want.SessionID ||
		g.ParticipantID != want.ParticipantID || g.Role != want.Role || g.Size != want.Size {
		t.Fatalf("entry changed in storage: got %+v want %+v", g, want)
	}
	if d := got[1]; d.Type != audit.TypeDrop || d.Frame != drop.Frame || d.Reason != drop.Reason {
		t.Fatalf("drop entry changed in storage: got %+v want %+v", d, drop)
	}
}

func testConcurrent(t *testing.T, factory SinkFactory) {
	s := factory(t, 1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := s.Record(ctx, entry(i)); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.Query(ctx, 1000)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 400 {
		t.Fatalf("expected 400 entries, got %d", len(got))
	}
}

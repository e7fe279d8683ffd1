package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, Entry) error { return errors.New("disk full") }

func TestRecordIsBestEffort(t *testing.T) {
	rec := NewRecorder(failingStore{NewMemoryStore()})
	e := rec.Record(context.Background(), Entry{Actor: "alice", Success: true})
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("record should fill id and timestamp: %+v", e)
	}
}

func TestCleanupRemovesOnlyOlderEntries(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	rec := NewRecorder(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ages := []time.Duration{
		91 * 24 * time.Hour,
		90*24*time.Hour + time.Second,
		90 * 24 * time.Hour,
		89 * 24 * time.Hour,
		time.Hour,
	}
	for i, age := range ages {
		rec.Record(ctx, Entry{Actor: "alice", EntityID: string(rune('a' + i)), Timestamp: now.Add(-age)})
	}

	n, err := rec.Cleanup(ctx, 90)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	left := store.All()
	if len(left) != 3 {
		t.Fatalf("expected 3 entries left, got %d", len(left))
	}
	for _, e := range left {
		if e.Timestamp.Before(now.AddDate(0, 0, -90)) {
			t.Fatalf("entry older than retention survived: %v", e.Timestamp)
		}
	}
	if _, err := rec.Cleanup(ctx, 0); err == nil {
		t.Fatalf("expected error for zero retention")
	}
}

func TestHistoryAndAggregates(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	rec := NewRecorder(store).WithClock(func() time.Time { return now })
	ctx := context.Background()

	rec.Record(ctx, Entry{Actor: "alice", EntityType: "User", EntityID: "bob", Success: true, Timestamp: now.Add(-3 * time.Hour)})
	rec.Record(ctx, Entry{Actor: "alice", EntityType: "User", EntityID: "bob", Success: true, Timestamp: now.Add(-time.Hour)})
	rec.Record(ctx, Entry{Actor: "eve", EntityType: "User", EntityID: "bob", Error: "untrusted", IP: "10.0.0.9", Timestamp: now.Add(-2 * time.Hour)})
	rec.Record(ctx, Entry{Actor: "eve", EntityType: "Invoice", EntityID: "INV-1", Error: "untrusted", IP: "10.0.0.8", Timestamp: now.Add(-30 * time.Minute)})
	rec.Record(ctx, Entry{Actor: "eve", EntityType: "Invoice", EntityID: "INV-1", Error: "untrusted", IP: "10.0.0.9", Timestamp: now.Add(-10 * time.Minute)})
	rec.Record(ctx, Entry{Actor: "alice", EntityType: "User", EntityID: "bob", Success: true, Timestamp: now.Add(-48 * time.Hour)})

	hist, _ := store.UserHistory(ctx, "alice", Query{Limit: 2})
	if len(hist) != 2 || !hist[0].Timestamp.After(hist[1].Timestamp) {
		t.Fatalf("history must be newest first and limited: %+v", hist)
	}
	hist, _ = store.UserHistory(ctx, "alice", Query{From: now.Add(-24 * time.Hour)})
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries in range, got %d", len(hist))
	}
	docs, _ := store.DocumentHistory(ctx, "Invoice", "INV-1", 10)
	if len(docs) != 2 {
		t.Fatalf("expected 2 document entries, got %d", len(docs))
	}

	failed, _ := store.FailedAttempts(ctx, now.Add(-24*time.Hour), 3)
	if len(failed) != 1 || failed[0].Actor != "eve" || failed[0].Count != 3 || len(failed[0].IPs) != 2 {
		t.Fatalf("unexpected failed attempts %+v", failed)
	}
	if !failed[0].LastAttempt.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("unexpected last attempt %v", failed[0].LastAttempt)
	}

	st, _ := store.Statistics(ctx, now.Add(-24*time.Hour))
	if st.Total != 5 || st.Successful != 2 || st.Failed != 3 || st.UniqueActors != 2 || st.UniqueEntityTypes != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.SuccessRate != 40 {
		t.Fatalf("unexpected success rate %v", st.SuccessRate)
	}
	n, _ := store.CountSuccessful(ctx, "alice", now.Add(-24*time.Hour))
	if n != 2 {
		t.Fatalf("expected 2 successful reveals, got %d", n)
	}
	top, _ := store.TopActors(ctx, now.Add(-24*time.Hour), 1)
	if len(top) != 1 || top[0].Key != "eve" {
		t.Fatalf("unexpected top actors %+v", top)
	}
}

package calls

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		rec := Record{
			ID:        fmt.Sprintf("call-%d", i),
			PeerID:    fmt.Sprintf("u%d", i),
			Outcome:   "ended",
			CreatedAt: base,
			EndedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := s.List(ctx, 3)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List(3) returned %d records", len(got))
	}
	for i, want := range []string{"call-4", "call-3", "call-2"} {
		if got[i].ID != want {
			t.Fatalf("record %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestMemoryStoreSaveIsUpsert(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	rec := Record{ID: "call-1", Outcome: "ringing", CreatedAt: time.Now()}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rec.Outcome = "ended"
	rec.EndedAt = time.Now()
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].Outcome != "ended" {
		t.Fatalf("List() = %+v, want single updated record", got)
	}
}

func TestMemoryStoreEvictsOldestAtCapacity(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		rec := Record{
			ID:      fmt.Sprintf("call-%d", i),
			EndedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("store holds %d records, want 3", len(got))
	}
	for _, rec := range got {
		if rec.ID == "call-0" || rec.ID == "call-1" {
			t.Fatalf("oldest record %s survived eviction", rec.ID)
		}
	}
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	now := time.Now()
	old := Record{ID: "old", EndedAt: now.Add(-25 * time.Hour)}
	fresh := Record{ID: "fresh", EndedAt: now.Add(-time.Hour)}
	live := Record{ID: "live", CreatedAt: now} // no EndedAt yet
	for _, rec := range []Record{old, fresh, live} {
		if err := s.Save(ctx, rec); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	pruned, err := s.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Fatalf("Prune() = %d, want 1", pruned)
	}
	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("store holds %d records after prune, want 2", len(got))
	}
	for _, rec := range got {
		if rec.ID == "old" {
			t.Fatalf("record past retention survived prune")
		}
	}
}

func TestRecordDuration(t *testing.T) {
	start := time.Now()
	rec := Record{StartedAt: start, EndedAt: start.Add(90 * time.Second)}
	if got := rec.Duration(); got != 90*time.Second {
		t.Fatalf("Duration() = %v, want 90s", got)
	}
	if got := (Record{EndedAt: start}).Duration(); got != 0 {
		t.Fatalf("Duration() of never-connected call = %v, want 0", got)
	}
}

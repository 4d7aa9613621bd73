package calls

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is one finished (or in-flight) call as kept in history.
type Record struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"`
	ChannelID   string    `json:"channel_id"`
	InitiatedBy string    `json:"initiated_by"`
	Outcome     string    `json:"outcome"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// Duration is the connected time; zero for calls that never connected.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// HistoryStore persists finished calls.
type HistoryStore interface {
	Save(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// NewStore picks the history backend: postgres when a database URL is
// configured, in-process memory otherwise.
func NewStore(ctx context.Context, databaseURL string) (HistoryStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(0), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

const defaultMemoryStoreCap = 256

// MemoryStore keeps history in process, bounded so an engine that runs for
// weeks does not grow without limit.
type MemoryStore struct {
	mu      sync.Mutex
	max     int
	records map[string]Record
}

func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = defaultMemoryStoreCap
	}
	return &MemoryStore{max: max, records: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	if len(s.records) > s.max {
		s.evictOldestLocked()
	}
	return nil
}

func (s *MemoryStore) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, rec := range s.records {
		at := rec.EndedAt
		if at.IsZero() {
			at = rec.CreatedAt
		}
		if oldestID == "" || at.Before(oldest) {
			oldestID = id
			oldest = at
		}
	}
	delete(s.records, oldestID)
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, rec := range s.records {
		if !rec.EndedAt.IsZero() && rec.EndedAt.Before(before) {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }

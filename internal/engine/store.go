package engine

import (
	"sort"
	"sync"

	"github.com/zia/backend/internal/action"
)

// Record pairs an execution with its state machine. The mutex serializes the
// transition paths that can race once the record outlives its creating
// request: confirm/reject endpoints, the expiry sweep, and worker callbacks.
type Record struct {
	mu        sync.Mutex
	Execution *action.Execution
	Machine   *action.StateMachine
}

// Lock acquires the record for a transition sequence.
func (r *Record) Lock() { r.mu.Lock() }

// Unlock releases the record.
func (r *Record) Unlock() { r.mu.Unlock() }

// ExecutionStore keeps live execution records between pipeline stages, from
// admission to confirmation to worker finalization. Durable persistence is the
// audit collaborator's job, not the store's.
type ExecutionStore interface {
	Save(rec *Record)
	Get(executionID string) (*Record, bool)
	ListPending() []*Record
	ListByUser(userID string, limit int) []*Record
}

// MemoryStore is the in-process ExecutionStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Execution.ExecutionID] = rec
}

func (s *MemoryStore) Get(executionID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	return rec, ok
}

// ListPending returns records currently awaiting confirmation. Each record's
// lock is taken for the state check; confirm/reject/sweep mutate the machine
// under that same lock.
func (s *MemoryStore) ListPending() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		rec.Lock()
		awaiting := rec.Machine.AwaitingConfirmation()
		rec.Unlock()
		if awaiting {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// ListByUser returns up to limit records for a user, newest first.
func (s *MemoryStore) ListByUser(userID string, limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Execution.UserID == userID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Execution.CreatedAt.Equal(recs[j].Execution.CreatedAt) {
			return recs[i].Execution.CreatedAt.Before(recs[j].Execution.CreatedAt)
		}
		return recs[i].Execution.ExecutionID < recs[j].Execution.ExecutionID
	})
}

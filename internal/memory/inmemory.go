package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type factKey struct {
	typ string
	key string
}

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	turns     map[string][]Turn
	facts     map[string]map[factKey]Fact
	summaries map[string]ThreadSummary
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:     make(map[string][]Turn),
		facts:     make(map[string]map[factKey]Fact),
		summaries: make(map[string]ThreadSummary),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (string, error) {
	if turn.ThreadID == "" || turn.UserID == "" {
		return "", errors.New("append turn: thread and user are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if arr := s.turns[turn.ThreadID]; len(arr) > 0 && arr[0].UserID != turn.UserID {
		return "", fmt.Errorf("append turn to %s: %w", turn.ThreadID, ErrThreadOwner)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	s.turns[turn.ThreadID] = append(s.turns[turn.ThreadID], turn)
	return turn.ID, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, threadID, userID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var arr []Turn
	for _, t := range s.turns[threadID] {
		if t.UserID == userID {
			arr = append(arr, t)
		}
	}
	if limit > 0 && len(arr) > limit {
		arr = arr[len(arr)-limit:]
	}
	return arr, nil
}

func (s *InMemoryStore) GetThreadTurns(_ context.Context, threadID, userID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[threadID]
	if len(arr) == 0 {
		return nil, ErrNotFound
	}
	if userID != "" && arr[0].UserID != userID {
		return nil, ErrNotFound
	}
	out := make([]Turn, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) ListFacts(_ context.Context, userID string, limit int) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := s.facts[userID]
	out := make([]Fact, 0, len(byKey))
	for _, f := range byKey {
		out = append(out, f)
	}
	sortFacts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpsertFacts(_ context.Context, userID string, facts []FactInput) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.facts[userID]
	if byKey == nil {
		byKey = make(map[factKey]Fact)
		s.facts[userID] = byKey
	}
	var (
		stored int
		errs   []error
	)
	for _, f := range facts {
		if !validFact(f) {
			errs = append(errs, invalidFactError(f))
			continue
		}
		byKey[factKey{typ: f.Type, key: f.Key}] = Fact{
			UserID:    userID,
			Type:      f.Type,
			Key:       f.Key,
			Value:     f.Value,
			UpdatedAt: s.now(),
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (s *InMemoryStore) ClearFacts(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.facts[userID])
	delete(s.facts, userID)
	return n, nil
}

func (s *InMemoryStore) ListThreads(_ context.Context, userID string, limit int) ([]ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ThreadSummary, 0)
	for _, sum := range s.summaries {
		if sum.UserID != userID {
			continue
		}
		sum.CustomerIDs = append([]string(nil), sum.CustomerIDs...)
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpsertThreadSummary(_ context.Context, update SummaryUpdate) error {
	if update.ThreadID == "" || update.UserID == "" {
		return fmt.Errorf("upsert thread summary: thread and user are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	sum, ok := s.summaries[update.ThreadID]
	if !ok {
		sum = ThreadSummary{
			ThreadID:  update.ThreadID,
			UserID:    update.UserID,
			CreatedAt: now,
		}
	}
	if sum.FirstMessage == "" {
		sum.FirstMessage = update.FirstMessage
	}
	sum.MessageCount += update.MessageCountDelta
	sum.CustomerIDs = mergeIDs(sum.CustomerIDs, update.CustomerIDs)
	sum.UpdatedAt = now
	s.summaries[update.ThreadID] = sum
	return nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }

func sortFacts(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Key < b.Key
	})
}

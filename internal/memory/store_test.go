package memory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type clockedStore interface {
	Store
	SetClock(func() time.Time)
}

func storeBackends(t *testing.T) map[string]func(t *testing.T) clockedStore {
	t.Helper()
	return map[string]func(t *testing.T) clockedStore{
		"inmemory": func(t *testing.T) clockedStore {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) clockedStore {
			s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "memory.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s clockedStore, clock *testClock)) {
	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			clock := newTestClock()
			s.SetClock(clock.Now)
			fn(t, s, clock)
		})
	}
}

func TestUpsertFactsLastWriteWins(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		for _, v := range []string{"LOW_RISK", "MEDIUM_RISK", "HIGH_RISK"} {
			n, err := s.UpsertFacts(ctx, "alice", []FactInput{{Type: "risk_level", Key: "34997", Value: v}})
			if err != nil {
				t.Fatalf("UpsertFacts(%s) error = %v", v, err)
			}
			if n != 1 {
				t.Fatalf("UpsertFacts(%s) stored = %d, want 1", v, n)
			}
		}

		facts, err := s.ListFacts(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("ListFacts() error = %v", err)
		}
		if len(facts) != 1 {
			t.Fatalf("len(facts) = %d, want 1", len(facts))
		}
		if facts[0].Value != "HIGH_RISK" {
			t.Fatalf("value = %q, want HIGH_RISK", facts[0].Value)
		}
		// Third clock tick belongs to the third upsert.
		want := time.Date(2026, 3, 1, 9, 0, 3, 0, time.UTC)
		if !facts[0].UpdatedAt.Equal(want) {
			t.Fatalf("updatedAt = %v, want %v", facts[0].UpdatedAt, want)
		}
	})
}

func TestListFactsOrderedByRecency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		inputs := []FactInput{
			{Type: "customer_id", Key: "100001", Value: "analyzed"},
			{Type: "customer_id", Key: "100002", Value: "analyzed"},
			{Type: "email", Key: "100001", Value: "a@example.com"},
		}
		for _, in := range inputs {
			if _, err := s.UpsertFacts(ctx, "alice", []FactInput{in}); err != nil {
				t.Fatalf("UpsertFacts() error = %v", err)
			}
		}

		facts, err := s.ListFacts(ctx, "alice", 2)
		if err != nil {
			t.Fatalf("ListFacts() error = %v", err)
		}
		if len(facts) != 2 {
			t.Fatalf("len(facts) = %d, want 2", len(facts))
		}
		if facts[0].Type != "email" || facts[1].Key != "100002" {
			t.Fatalf("facts = %+v, want email first then customer 100002", facts)
		}
	})
}

func TestUpsertFactsBestEffort(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		n, err := s.UpsertFacts(ctx, "alice", []FactInput{
			{Type: "customer_id", Key: "", Value: "analyzed"},
			{Type: "customer_id", Key: "34997", Value: "analyzed"},
		})
		if err == nil {
			t.Fatalf("UpsertFacts() error = nil, want error for invalid tuple")
		}
		if n != 1 {
			t.Fatalf("stored = %d, want 1", n)
		}
		facts, _ := s.ListFacts(ctx, "alice", 0)
		if len(facts) != 1 || facts[0].Key != "34997" {
			t.Fatalf("facts = %+v, want only 34997", facts)
		}
	})
}

func TestClearFactsIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		alice := []FactInput{
			{Type: "customer_id", Key: "1001", Value: "analyzed"},
			{Type: "customer_id", Key: "1002", Value: "analyzed"},
			{Type: "risk_level", Key: "1001", Value: "LOW_RISK"},
		}
		bob := []FactInput{
			{Type: "customer_id", Key: "2001", Value: "analyzed"},
			{Type: "risk_level", Key: "2001", Value: "HIGH_RISK"},
		}
		if _, err := s.UpsertFacts(ctx, "alice", alice); err != nil {
			t.Fatalf("UpsertFacts(alice) error = %v", err)
		}
		if _, err := s.UpsertFacts(ctx, "bob", bob); err != nil {
			t.Fatalf("UpsertFacts(bob) error = %v", err)
		}
		if _, err := s.AppendTurn(ctx, Turn{ThreadID: "t-alice", UserID: "alice", Role: RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
		if err := s.UpsertThreadSummary(ctx, SummaryUpdate{ThreadID: "t-alice", UserID: "alice", FirstMessage: "hi", MessageCountDelta: 1}); err != nil {
			t.Fatalf("UpsertThreadSummary() error = %v", err)
		}

		deleted, err := s.ClearFacts(ctx, "alice")
		if err != nil {
			t.Fatalf("ClearFacts() error = %v", err)
		}
		if deleted != 3 {
			t.Fatalf("deleted = %d, want 3", deleted)
		}

		if facts, _ := s.ListFacts(ctx, "alice", 0); len(facts) != 0 {
			t.Fatalf("alice facts = %+v, want none", facts)
		}
		if facts, _ := s.ListFacts(ctx, "bob", 0); len(facts) != 2 {
			t.Fatalf("bob facts = %d, want 2", len(facts))
		}
		if threads, _ := s.ListThreads(ctx, "alice", 0); len(threads) != 1 {
			t.Fatalf("alice threads = %d, want 1", len(threads))
		}
		if turns, err := s.GetThreadTurns(ctx, "t-alice", "alice"); err != nil || len(turns) != 1 {
			t.Fatalf("GetThreadTurns() = %d, %v; want 1 turn", len(turns), err)
		}
	})
}

func TestGetThreadTurnsOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		for _, turn := range []Turn{
			{ThreadID: "t1", UserID: "alice", Role: RoleUser, Content: "first"},
			{ThreadID: "t1", UserID: "alice", Role: RoleAssistant, Content: "second"},
		} {
			if _, err := s.AppendTurn(ctx, turn); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}
		}

		turns, err := s.GetThreadTurns(ctx, "t1", "alice")
		if err != nil {
			t.Fatalf("GetThreadTurns() error = %v", err)
		}
		if len(turns) != 2 || turns[0].Content != "first" || turns[1].Content != "second" {
			t.Fatalf("turns = %+v, want chronological order", turns)
		}

		if _, err := s.GetThreadTurns(ctx, "t1", "bob"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetThreadTurns(bob) error = %v, want ErrNotFound", err)
		}
		if _, err := s.GetThreadTurns(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("GetThreadTurns(missing) error = %v, want ErrNotFound", err)
		}
		if turns, err := s.GetThreadTurns(ctx, "t1", ""); err != nil || len(turns) != 2 {
			t.Fatalf("GetThreadTurns(unscoped) = %d, %v; want 2 turns", len(turns), err)
		}
	})
}

func TestRecentTurnsReturnsTail(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		for _, c := range []string{"a", "b", "c", "d"} {
			if _, err := s.AppendTurn(ctx, Turn{ThreadID: "t1", UserID: "alice", Role: RoleUser, Content: c}); err != nil {
				t.Fatalf("AppendTurn() error = %v", err)
			}
		}
		turns, err := s.RecentTurns(ctx, "t1", "alice", 2)
		if err != nil {
			t.Fatalf("RecentTurns() error = %v", err)
		}
		if len(turns) != 2 || turns[0].Content != "c" || turns[1].Content != "d" {
			t.Fatalf("turns = %+v, want [c d]", turns)
		}
		if turns, err := s.RecentTurns(ctx, "t1", "bob", 10); err != nil || len(turns) != 0 {
			t.Fatalf("RecentTurns(bob) = %+v, %v; want none", turns, err)
		}
	})
}

func TestAppendTurnRejectsForeignThread(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		if _, err := s.AppendTurn(ctx, Turn{ThreadID: "t-alice", UserID: "alice", Role: RoleUser, Content: "customer 34997"}); err != nil {
			t.Fatalf("AppendTurn(alice) error = %v", err)
		}
		_, err := s.AppendTurn(ctx, Turn{ThreadID: "t-alice", UserID: "bob", Role: RoleUser, Content: "hi"})
		if !errors.Is(err, ErrThreadOwner) {
			t.Fatalf("AppendTurn(bob) error = %v, want ErrThreadOwner", err)
		}
		if _, err := s.AppendTurn(ctx, Turn{ThreadID: "t-alice", UserID: "alice", Role: RoleAssistant, Content: "ok"}); err != nil {
			t.Fatalf("AppendTurn(alice again) error = %v", err)
		}

		turns, err := s.GetThreadTurns(ctx, "t-alice", "")
		if err != nil {
			t.Fatalf("GetThreadTurns() error = %v", err)
		}
		for _, turn := range turns {
			if turn.UserID != "alice" {
				t.Fatalf("turns = %+v, want only alice's", turns)
			}
		}
		if len(turns) != 2 {
			t.Fatalf("len(turns) = %d, want 2", len(turns))
		}
	})
}

func TestUpsertThreadSummaryMerges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s clockedStore, _ *testClock) {
		ctx := context.Background()
		updates := []SummaryUpdate{
			{ThreadID: "t1", UserID: "alice", FirstMessage: "Analyze customer 34997", MessageCountDelta: 1},
			{ThreadID: "t1", UserID: "alice", FirstMessage: "ignored", MessageCountDelta: 1, CustomerIDs: []string{"34997"}},
			{ThreadID: "t1", UserID: "alice", MessageCountDelta: 2, CustomerIDs: []string{"12345", "34997"}},
			{ThreadID: "t2", UserID: "alice", FirstMessage: "newer thread", MessageCountDelta: 1},
		}
		for _, u := range updates {
			if err := s.UpsertThreadSummary(ctx, u); err != nil {
				t.Fatalf("UpsertThreadSummary() error = %v", err)
			}
		}

		threads, err := s.ListThreads(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("ListThreads() error = %v", err)
		}
		if len(threads) != 2 {
			t.Fatalf("len(threads) = %d, want 2", len(threads))
		}
		if threads[0].ThreadID != "t2" {
			t.Fatalf("threads[0] = %q, want newest thread t2", threads[0].ThreadID)
		}
		got := threads[1]
		if got.FirstMessage != "Analyze customer 34997" {
			t.Fatalf("FirstMessage = %q", got.FirstMessage)
		}
		if got.MessageCount != 4 {
			t.Fatalf("MessageCount = %d, want 4", got.MessageCount)
		}
		if len(got.CustomerIDs) != 2 || got.CustomerIDs[0] != "34997" || got.CustomerIDs[1] != "12345" {
			t.Fatalf("CustomerIDs = %v, want [34997 12345]", got.CustomerIDs)
		}
	})
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Config{})
	if err != nil {
		t.Fatalf("NewStore(auto) error = %v", err)
	}
	if s.Mode() != "in-memory" {
		t.Fatalf("Mode() = %q, want in-memory", s.Mode())
	}

	s, err = NewStore(ctx, Config{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "m.db")})
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer s.Close()
	if s.Mode() != "sqlite" {
		t.Fatalf("Mode() = %q, want sqlite", s.Mode())
	}

	if _, err := NewStore(ctx, Config{Driver: "postgres"}); !errors.Is(err, ErrStoreConfig) {
		t.Fatalf("NewStore(postgres without url) error = %v, want ErrStoreConfig", err)
	}
	if _, err := NewStore(ctx, Config{Driver: "redis"}); !errors.Is(err, ErrStoreConfig) {
		t.Fatalf("NewStore(redis) error = %v, want ErrStoreConfig", err)
	}
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrNotFound is returned when a thread has no turns visible to the caller.
	ErrNotFound = errors.New("memory: not found")
	// ErrUnavailable marks a read that failed for reasons other than absence.
	ErrUnavailable = errors.New("memory: store unavailable")
	// ErrStoreWrite wraps fact and summary write failures.
	ErrStoreWrite = errors.New("memory: store write failed")
	// ErrThreadOwner is returned by AppendTurn when the thread already
	// belongs to another user.
	ErrThreadOwner = errors.New("memory: thread belongs to another user")
)

// Turn is one message in a conversation thread. Turns are never mutated or deleted.
type Turn struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fact is the current value remembered for (UserID, Type, Key).
type Fact struct {
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FactInput is a candidate fact produced by extraction.
type FactInput struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ThreadSummary is the denormalized index entry for one thread.
type ThreadSummary struct {
	ThreadID     string    `json:"threadId"`
	UserID       string    `json:"userId"`
	FirstMessage string    `json:"firstMessage"`
	MessageCount int       `json:"messageCount"`
	CustomerIDs  []string  `json:"customerIds"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SummaryUpdate describes an incremental change to a thread summary.
// FirstMessage is only applied when the summary does not have one yet.
type SummaryUpdate struct {
	ThreadID          string
	UserID            string
	FirstMessage      string
	MessageCountDelta int
	CustomerIDs       []string
}

// Store persists turns, facts and thread summaries.
//
// A thread belongs to the user of its first turn. AppendTurn refuses turns
// from anyone else with ErrThreadOwner and RecentTurns only returns the
// given user's turns. GetThreadTurns with a non-empty userID returns
// ErrNotFound when the thread has no turns or belongs to another user. An
// empty userID skips the ownership check.
type Store interface {
	AppendTurn(ctx context.Context, turn Turn) (string, error)
	RecentTurns(ctx context.Context, threadID, userID string, limit int) ([]Turn, error)
	GetThreadTurns(ctx context.Context, threadID, userID string) ([]Turn, error)

	ListFacts(ctx context.Context, userID string, limit int) ([]Fact, error)
	UpsertFacts(ctx context.Context, userID string, facts []FactInput) (int, error)
	ClearFacts(ctx context.Context, userID string) (int, error)

	ListThreads(ctx context.Context, userID string, limit int) ([]ThreadSummary, error)
	UpsertThreadSummary(ctx context.Context, update SummaryUpdate) error

	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

// mergeIDs appends ids not already present, keeping first-seen order.
func mergeIDs(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func validFact(f FactInput) bool {
	return f.Type != "" && f.Key != ""
}

func invalidFactError(f FactInput) error {
	return fmt.Errorf("upsert fact %q/%q: type and key are required", f.Type, f.Key)
}

// Package conversation coordinates one conversational request: it records
// the turn, injects remembered facts, runs the agent through the approval
// loop and stores what the answer taught us.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ent0n29/mnemo/internal/agent"
	"github.com/ent0n29/mnemo/internal/approval"
	"github.com/ent0n29/mnemo/internal/extract"
	"github.com/ent0n29/mnemo/internal/logging"
	"github.com/ent0n29/mnemo/internal/memctx"
	"github.com/ent0n29/mnemo/internal/memory"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/policy"
)

var (
	// ErrNoUserMessage is returned when a request carries no user content.
	ErrNoUserMessage = errors.New("request has no user message")
	// ErrThreadForbidden is returned when the thread belongs to another user.
	// Nothing is written and the agent is not called.
	ErrThreadForbidden = errors.New("thread belongs to another user")
)

// DegradedAnswer replaces the answer when the approval loop gives up.
const DegradedAnswer = "I could not finish this request because the tools it needed kept asking for approval. Please try again or narrow the question."

const (
	defaultUserID     = "default_user"
	defaultExcerptLen = 100
)

// Message is one caller-supplied chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is an inbound conversational request.
type Request struct {
	Messages []Message `json:"messages"`
	ThreadID string    `json:"threadId,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	// Token is the caller's credential, forwarded to the agent.
	Token string `json:"-"`
}

// Response is the answer plus request metadata.
type Response struct {
	Content       string `json:"content"`
	ThreadID      string `json:"threadId"`
	UserID        string `json:"userId"`
	MemoryEnabled bool   `json:"memoryEnabled"`
	MemoryStorage string `json:"memoryStorage,omitempty"`
	Degraded      bool   `json:"degraded,omitempty"`
	Iterations    int    `json:"iterations"`
	FactsStored   int    `json:"factsStored"`
}

// Config tunes the orchestrator.
type Config struct {
	DefaultUserID string
	// HistoryTurns is how many stored turns are replayed when the caller
	// sends a single message. Zero disables replay.
	HistoryTurns   int
	RequestTimeout time.Duration
	ExcerptLen     int
}

// Orchestrator is the only writer of turns, facts and thread summaries.
type Orchestrator struct {
	store   memory.Store
	builder *memctx.Builder
	loop    *approval.Loop
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(store memory.Store, builder *memctx.Builder, loop *approval.Loop, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if strings.TrimSpace(cfg.DefaultUserID) == "" {
		cfg.DefaultUserID = defaultUserID
	}
	if cfg.ExcerptLen <= 0 {
		cfg.ExcerptLen = defaultExcerptLen
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	return &Orchestrator{
		store:   store,
		builder: builder,
		loop:    loop,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Handle runs one request end to end. Agent failures are returned as
// errors wrapping agent.ErrInvocationFailed; memory write failures after the
// answer is known are logged and do not fail the request.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp := Response{
		ThreadID:      strings.TrimSpace(req.ThreadID),
		UserID:        strings.TrimSpace(req.UserID),
		MemoryStorage: o.store.Mode(),
	}
	if resp.UserID == "" {
		resp.UserID = o.cfg.DefaultUserID
	}
	if resp.ThreadID == "" {
		resp.ThreadID = uuid.NewString()
	}
	logger := o.logger.With("thread_id", resp.ThreadID, "user_id", resp.UserID)

	userText := lastUserMessage(req.Messages)
	if userText == "" {
		o.countRequest("invalid")
		return resp, ErrNoUserMessage
	}
	logger.Debug("chat request",
		"messages", len(req.Messages),
		"message", policy.RedactString(Excerpt(userText, 80)),
	)

	turnID, err := o.store.AppendTurn(ctx, memory.Turn{
		ThreadID: resp.ThreadID,
		UserID:   resp.UserID,
		Role:     memory.RoleUser,
		Content:  userText,
	})
	if errors.Is(err, memory.ErrThreadOwner) {
		o.countRequest("forbidden")
		logger.Warn("rejected turn for another user's thread")
		return resp, fmt.Errorf("%w: %w", ErrThreadForbidden, err)
	}
	if err != nil {
		o.storeError("append_turn")
		o.countRequest("store_error")
		return resp, fmt.Errorf("persist user turn: %w", err)
	}
	o.updateSummary(ctx, logger, memory.SummaryUpdate{
		ThreadID:          resp.ThreadID,
		UserID:            resp.UserID,
		FirstMessage:      Excerpt(userText, o.cfg.ExcerptLen),
		MessageCountDelta: 1,
	})

	stageStart := time.Now()
	block, injected, err := o.builder.Build(ctx, resp.UserID)
	resp.MemoryEnabled = err == nil
	if err != nil {
		o.storeError("list_facts")
		o.metrics.ObserveIndicator("memory_unavailable")
		logger.Warn("memory context unavailable", "err", err)
	} else if o.metrics != nil {
		o.metrics.MemoryContextFacts.Observe(float64(injected))
	}
	o.metrics.ObserveStage(observability.StageMemoryContext, time.Since(stageStart))

	input := o.buildInput(ctx, logger, block, resp.ThreadID, resp.UserID, turnID, req.Messages)

	stageStart = time.Now()
	loopCtx := ctx
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}
	outcome, err := o.loop.Run(loopCtx, input, agent.InvokeContext{
		ThreadID: resp.ThreadID,
		UserID:   resp.UserID,
		Token:    req.Token,
	})
	o.metrics.ObserveStage(observability.StageAgentLoop, time.Since(stageStart))
	resp.Iterations = outcome.Iterations

	switch {
	case errors.Is(err, approval.ErrLoopExhausted):
		resp.Degraded = true
		o.metrics.ObserveIndicator("degraded")
		logger.Warn("returning degraded answer", "iterations", outcome.Iterations)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.countRequest("canceled")
			return resp, ctxErr
		}
		o.countRequest("agent_error")
		if !errors.Is(err, agent.ErrInvocationFailed) {
			err = fmt.Errorf("%w: %w", agent.ErrInvocationFailed, err)
		}
		logger.Error("agent invocation failed",
			"err", err,
			"iterations", outcome.Iterations,
			"temporary", agent.IsTemporary(err),
		)
		return resp, err
	}

	if resp.Degraded {
		resp.Content = DegradedAnswer
	} else {
		resp.Content = agent.OutputText(outcome.Output)
		if memctx.ContainsBlock(resp.Content) {
			resp.Content = memctx.StripBlock(resp.Content)
			o.metrics.ObserveIndicator("memory_block_stripped")
			logger.Warn("agent echoed the memory block, stripped it from the answer")
		}
	}

	if err := ctx.Err(); err != nil {
		o.countRequest("canceled")
		return resp, err
	}

	stageStart = time.Now()
	var customerIDs []string
	if !resp.Degraded {
		facts := extract.Extract(resp.Content, userText)
		customerIDs = extract.CustomerIDs(facts)
		if len(facts) > 0 {
			stored, err := o.store.UpsertFacts(ctx, resp.UserID, facts)
			resp.FactsStored = stored
			if o.metrics != nil {
				o.metrics.FactsUpserted.Add(float64(stored))
			}
			if err != nil {
				o.storeError("upsert_facts")
				logger.Warn("fact upsert incomplete",
					"err", fmt.Errorf("%w: %w", memory.ErrStoreWrite, err),
					"extracted", len(facts),
					"stored", stored,
				)
			}
		}
	}

	if _, err := o.store.AppendTurn(ctx, memory.Turn{
		ThreadID: resp.ThreadID,
		UserID:   resp.UserID,
		Role:     memory.RoleAssistant,
		Content:  resp.Content,
	}); err != nil {
		o.storeError("append_turn")
		logger.Error("assistant turn not persisted", "err", err)
	}
	o.updateSummary(ctx, logger, memory.SummaryUpdate{
		ThreadID:          resp.ThreadID,
		UserID:            resp.UserID,
		MessageCountDelta: 1,
		CustomerIDs:       customerIDs,
	})
	o.metrics.ObserveStage(observability.StagePersist, time.Since(stageStart))
	o.metrics.ObserveStage(observability.StageRequestTotal, time.Since(start))

	if resp.Degraded {
		o.countRequest("degraded")
	} else {
		o.countRequest("ok")
	}
	return resp, nil
}

func (o *Orchestrator) buildInput(ctx context.Context, logger *slog.Logger, block, threadID, userID, turnID string, msgs []Message) []agent.Item {
	var input []agent.Item
	if instr := memctx.Instruction(block); instr != "" {
		input = append(input, agent.Message(agent.RoleSystem, instr))
	}

	if len(msgs) == 1 && o.cfg.HistoryTurns > 0 {
		turns, err := o.store.RecentTurns(ctx, threadID, userID, o.cfg.HistoryTurns+1)
		if err != nil {
			o.storeError("recent_turns")
			logger.Warn("thread history unavailable", "err", err)
		}
		if n := len(turns); n > 0 && turns[n-1].ID == turnID {
			turns = turns[:n-1]
		}
		if len(turns) > o.cfg.HistoryTurns {
			turns = turns[len(turns)-o.cfg.HistoryTurns:]
		}
		for _, t := range turns {
			input = append(input, agent.Message(t.Role, t.Content))
		}
	}

	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		input = append(input, agent.Message(normalizeRole(m.Role), m.Content))
	}
	return input
}

func (o *Orchestrator) updateSummary(ctx context.Context, logger *slog.Logger, update memory.SummaryUpdate) {
	if err := o.store.UpsertThreadSummary(ctx, update); err != nil {
		o.storeError("upsert_summary")
		logger.Warn("thread summary not updated", "err", fmt.Errorf("%w: %w", memory.ErrStoreWrite, err))
	}
}

func (o *Orchestrator) countRequest(outcome string) {
	if o.metrics != nil {
		o.metrics.ChatRequests.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) storeError(op string) {
	if o.metrics != nil {
		o.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
}

// StoreMode names the backing store.
func (o *Orchestrator) StoreMode() string { return o.store.Mode() }

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if normalizeRole(msgs[i].Role) != agent.RoleUser {
			continue
		}
		if text := strings.TrimSpace(msgs[i].Content); text != "" {
			return text
		}
	}
	return ""
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case agent.RoleAssistant:
		return agent.RoleAssistant
	case agent.RoleSystem:
		return agent.RoleSystem
	default:
		return agent.RoleUser
	}
}

// Excerpt shortens text to at most n runes, marking the cut with "...".
func Excerpt(text string, n int) string {
	text = strings.TrimSpace(text)
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}

package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/mnemo/internal/agent"
	"github.com/ent0n29/mnemo/internal/logging"
	"github.com/ent0n29/mnemo/internal/observability"
	"github.com/ent0n29/mnemo/internal/policy"
)

// DefaultMaxIterations bounds agent calls per request.
const DefaultMaxIterations = 5

// ErrLoopExhausted is returned with an aborted outcome when the agent still
// requests approvals after the last allowed iteration.
var ErrLoopExhausted = errors.New("approval loop exhausted")

// State is the resolver state for one conversation turn.
type State string

const (
	StateAwaitingAgent State = "AWAITING_AGENT"
	StateApproving     State = "APPROVING"
	StateDone          State = "DONE"
	StateAborted       State = "ABORTED"
)

// Outcome is the result of one loop run.
type Outcome struct {
	State      State
	Output     []agent.Item
	Iterations int
	Approved   int
	Denied     int
	// HighRisk counts approved calls that screening rated above low risk.
	HighRisk int
}

// Options configures a Loop.
type Options struct {
	MaxIterations int
	Policy        Policy
	Logger        *slog.Logger
	Metrics       *observability.Metrics
}

// Loop drives the agent until it stops asking for approvals.
type Loop struct {
	invoker       agent.Invoker
	maxIterations int
	policy        Policy
	logger        *slog.Logger
	metrics       *observability.Metrics
}

func NewLoop(invoker agent.Invoker, opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Loop{
		invoker:       invoker,
		maxIterations: opts.MaxIterations,
		policy:        opts.Policy,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
}

// MaxIterations returns the configured ceiling.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Run invokes the agent with conversation, answering approval requests and
// re-invoking until an iteration yields none. Each iteration's input is the
// conversation followed by every earlier output item and approval, in order.
//
// Run returns ErrLoopExhausted with a StateAborted outcome after
// MaxIterations calls that all requested approvals. Invocation errors are
// returned as is.
func (l *Loop) Run(ctx context.Context, conversation []agent.Item, ic agent.InvokeContext) (Outcome, error) {
	ctx, span := otel.Tracer("github.com/ent0n29/mnemo/internal/approval").Start(ctx, "approval.loop")
	defer span.End()

	transcript := slices.Clip(slices.Clone(conversation))
	outcome := Outcome{State: StateAwaitingAgent}

	for outcome.Iterations < l.maxIterations {
		if err := ctx.Err(); err != nil {
			outcome.State = StateAborted
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}

		outcome.Iterations++
		res, err := l.invoker.Invoke(ctx, transcript, ic)
		if err != nil {
			l.observeCall("error")
			outcome.State = StateAborted
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		l.observeCall("ok")

		reqs := ExtractRequests(res.Output)
		if len(reqs) == 0 {
			outcome.State = StateDone
			outcome.Output = res.Output
			l.finish(span, outcome)
			return outcome, nil
		}

		outcome.State = StateApproving
		approvals, decisions := synthesize(reqs, l.policy)
		for i, d := range decisions {
			attrs := []any{
				"thread_id", ic.ThreadID,
				"request_id", reqs[i].ID,
				"tool", reqs[i].ToolName,
				"arguments", policy.RedactString(reqs[i].Arguments),
				"risk", d.Risk,
				"approved", d.Approve,
				"reason", d.Reason,
			}
			switch {
			case d.Approve && d.Risk != policy.RiskLow:
				outcome.Approved++
				outcome.HighRisk++
				l.observeDecision("approved", d.Risk)
				l.logger.Info("high-risk tool call approved", attrs...)
			case d.Approve:
				outcome.Approved++
				l.observeDecision("approved", d.Risk)
				l.logger.Debug("tool approval decided", attrs...)
			default:
				outcome.Denied++
				l.observeDecision("denied", d.Risk)
				l.logger.Debug("tool approval decided", attrs...)
			}
		}
		l.logger.Debug("approval requests answered",
			"thread_id", ic.ThreadID,
			"iteration", outcome.Iterations,
			"requests", len(reqs),
		)

		next := make([]agent.Item, 0, len(transcript)+len(res.Output)+len(approvals))
		next = append(next, transcript...)
		next = append(next, res.Output...)
		next = append(next, approvals...)
		transcript = next
		outcome.State = StateAwaitingAgent
	}

	outcome.State = StateAborted
	outcome.Output = nil
	l.logger.Warn("approval loop exhausted",
		"thread_id", ic.ThreadID,
		"user_id", ic.UserID,
		"iterations", outcome.Iterations,
	)
	l.finish(span, outcome)
	span.SetStatus(codes.Error, ErrLoopExhausted.Error())
	return outcome, fmt.Errorf("%w after %d iterations", ErrLoopExhausted, outcome.Iterations)
}

func (l *Loop) finish(span trace.Span, o Outcome) {
	span.SetAttributes(
		attribute.String("approval.state", string(o.State)),
		attribute.Int("approval.iterations", o.Iterations),
		attribute.Int("approval.approved", o.Approved),
		attribute.Int("approval.denied", o.Denied),
		attribute.Int("approval.high_risk", o.HighRisk),
	)
	if l.metrics != nil {
		l.metrics.LoopIterations.Observe(float64(o.Iterations))
		l.metrics.LoopOutcomes.WithLabelValues(string(o.State)).Inc()
	}
}

func (l *Loop) observeCall(outcome string) {
	if l.metrics != nil {
		l.metrics.AgentCalls.WithLabelValues(outcome).Inc()
	}
}

func (l *Loop) observeDecision(decision, risk string) {
	if l.metrics != nil {
		l.metrics.ApprovalDecisions.WithLabelValues(decision, risk).Inc()
	}
}

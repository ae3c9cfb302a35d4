// Package agent invokes the external reasoning agent. The agent is a
// stateless function from input items to output items.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/mnemo/internal/reliability"
)

// ErrInvocationFailed wraps every failure to obtain an agent response.
var ErrInvocationFailed = errors.New("agent invocation failed")

// InvokeContext carries per-request identity to the agent.
type InvokeContext struct {
	ThreadID string
	UserID   string
	// Token is the caller's credential, forwarded when no service token is configured.
	Token string
}

// Result is the agent's reply to one invocation.
type Result struct {
	Output   []Item
	Metadata map[string]any
}

// Invoker calls the agent. Implementations must be safe to call repeatedly
// with a growing input list.
type Invoker interface {
	Invoke(ctx context.Context, input []Item, ic InvokeContext) (Result, error)
}

// StatusError reports a non-2xx reply from a remote agent.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent http status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the remote signalled a transient condition.
func (e *StatusError) Temporary() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// IsTemporary reports whether err wraps a transient remote status.
func IsTemporary(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Temporary()
}

// Config controls invoker construction.
type Config struct {
	Mode          string
	HTTPURL       string
	Token         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	Timeout       time.Duration
}

func NewInvoker(cfg Config) (Invoker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	switch mode {
	case "auto":
		return newAutoInvoker(cfg), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPInvoker(cfg.HTTPURL, cfg.Token, cfg.Timeout), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("OpenAI API key is required for openai mode")
		}
		return NewOpenAIInvoker(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.Timeout), nil
	case "mock":
		return NewMockInvoker(), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", cfg.Mode)
	}
}

func newAutoInvoker(cfg Config) Invoker {
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPInvoker(cfg.HTTPURL, cfg.Token, cfg.Timeout)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return NewOpenAIInvoker(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model, cfg.Timeout)
	}
	return NewMockInvoker()
}

// Describe names the backend behind an invoker for logs and health output.
func Describe(inv Invoker) string {
	switch v := inv.(type) {
	case *HTTPInvoker:
		return "http"
	case *OpenAIInvoker:
		return "openai"
	case *MockInvoker:
		return "mock"
	case *tracedInvoker:
		return Describe(v.next)
	default:
		return "custom"
	}
}

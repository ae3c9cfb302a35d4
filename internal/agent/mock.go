package agent

import (
	"context"
	"fmt"
	"strings"
)

// MockInvoker provides deterministic local replies when no agent is configured.
type MockInvoker struct{}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (a *MockInvoker) Invoke(ctx context.Context, input []Item, _ InvokeContext) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	return Result{Output: []Item{Message(RoleAssistant, buildMockReply(input))}}, nil
}

func buildMockReply(input []Item) string {
	var (
		base       string
		remembered []string
	)
	for _, it := range input {
		if it.Type != ItemMessage {
			continue
		}
		switch it.Role {
		case RoleUser:
			base = strings.TrimSpace(it.Content.Text())
		case RoleSystem:
			for _, line := range strings.Split(it.Content.Text(), "\n") {
				line = strings.TrimSpace(line)
				if strings.Contains(line, "=") && !strings.HasPrefix(line, "[") {
					remembered = append(remembered, line)
				}
			}
		}
	}
	if base == "" {
		base = "I am listening."
	}

	if len(remembered) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, strings.Join(remembered, "; "))
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIInvoker drives an OpenAI-compatible chat completions endpoint as a
// plain chat model. No tools are declared, so it never asks for approvals;
// only message items are forwarded.
type OpenAIInvoker struct {
	client *openai.Client
	model  string
}

func NewOpenAIInvoker(apiKey, baseURL, model string, timeout time.Duration) *OpenAIInvoker {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIInvoker{client: openai.NewClientWithConfig(cfg), model: model}
}

func (a *OpenAIInvoker) Invoke(ctx context.Context, input []Item, ic InvokeContext) (Result, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: toChatMessages(input),
		User:     ic.UserID,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
			return Result{}, fmt.Errorf("%w: %w", ErrInvocationFailed, &StatusError{
				StatusCode: apiErr.HTTPStatusCode,
				Body:       apiErr.Message,
			})
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			return Result{}, fmt.Errorf("%w: %w", ErrInvocationFailed, &StatusError{
				StatusCode: reqErr.HTTPStatusCode,
				Body:       reqErr.Error(),
			})
		}
		return Result{}, fmt.Errorf("%w: chat completion: %w", ErrInvocationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, nil
	}

	msg := resp.Choices[0].Message
	var out []Item
	if strings.TrimSpace(msg.Content) != "" {
		item := Message(RoleAssistant, msg.Content)
		item.ID = resp.ID
		out = append(out, item)
	}
	return Result{
		Output: out,
		Metadata: map[string]any{
			"model":         resp.Model,
			"finish_reason": string(resp.Choices[0].FinishReason),
		},
	}, nil
}

// toChatMessages keeps message items only.
func toChatMessages(items []Item) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(items))
	for _, it := range items {
		if it.Type != ItemMessage && it.Type != "" {
			continue
		}
		role := it.Role
		if role == "" {
			role = RoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: it.Content.Text()})
	}
	return msgs
}

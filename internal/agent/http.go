package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPInvoker posts the item list to a responses-style agent endpoint.
type HTTPInvoker struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTPInvoker(url, token string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInvoker{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type httpRequest struct {
	Input        []Item            `json:"input"`
	CustomInputs map[string]string `json:"custom_inputs,omitempty"`
}

type httpResponse struct {
	Output        []Item         `json:"output"`
	CustomOutputs map[string]any `json:"custom_outputs,omitempty"`
}

func (a *HTTPInvoker) Invoke(ctx context.Context, input []Item, ic InvokeContext) (Result, error) {
	payload, err := json.Marshal(httpRequest{
		Input: input,
		CustomInputs: map[string]string{
			"thread_id": ic.ThreadID,
			"user_id":   ic.UserID,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %w", ErrInvocationFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %w", ErrInvocationFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	token := a.token
	if token == "" {
		token = ic.Token
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: send request: %w", ErrInvocationFailed, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, fmt.Errorf("%w: %w", ErrInvocationFailed, &StatusError{
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		})
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %w", ErrInvocationFailed, err)
	}

	var decoded httpResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		text := strings.TrimSpace(string(body))
		if text == "" {
			return Result{}, nil
		}
		return Result{Output: []Item{Message(RoleAssistant, text)}}, nil
	}
	if decoded.Output == nil {
		// Some endpoints answer with a flat {"text": "..."} object.
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err == nil {
			if text := extractText(obj); text != "" {
				decoded.Output = []Item{Message(RoleAssistant, text)}
			}
		}
	}
	return Result{Output: decoded.Output, Metadata: decoded.CustomOutputs}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "content", "output_text", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

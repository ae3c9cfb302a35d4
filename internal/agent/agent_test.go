package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestContentAcceptsStringAndParts(t *testing.T) {
	var items []Item
	raw := `[
		{"type":"message","role":"user","content":"hello"},
		{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hi "},{"type":"output_text","text":"there"}]}
	]`
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := items[0].Content.Text(); got != "hello" {
		t.Fatalf("items[0] text = %q, want hello", got)
	}
	if got := items[1].Content.Text(); got != "Hi there" {
		t.Fatalf("items[1] text = %q, want %q", got, "Hi there")
	}

	encoded, err := json.Marshal(items[0])
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(encoded), `"content":[{"type":"text","text":"hello"}]`) {
		t.Fatalf("encoded = %s, want content list", encoded)
	}
}

func TestOutputText(t *testing.T) {
	items := []Item{
		{Type: ItemApprovalRequest, ID: "req-1", Name: "search"},
		Message(RoleAssistant, "First part."),
		{Type: ItemMessage, Role: RoleAssistant, Content: Content{{Type: "output_text", Text: "Second "}, {Type: "refusal", Text: "x"}, {Type: "text", Text: "part."}}},
		Message(RoleUser, "not an answer"),
	}
	want := "First part.\n\nSecond part."
	if got := OutputText(items); got != want {
		t.Fatalf("OutputText() = %q, want %q", got, want)
	}
}

func TestHTTPInvokerSendsItemsAndContext(t *testing.T) {
	var (
		gotAuth string
		gotReq  httpRequest
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"output":[{"type":"message","role":"assistant","content":[{"type":"output_text","text":"done"}]}],"custom_outputs":{"thread_id":"t1"}}`)
	}))
	defer ts.Close()

	inv := NewHTTPInvoker(ts.URL, "", time.Second)
	res, err := inv.Invoke(context.Background(), []Item{Message(RoleUser, "hi")}, InvokeContext{ThreadID: "t1", UserID: "alice", Token: "user-token"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotAuth != "Bearer user-token" {
		t.Fatalf("Authorization = %q, want forwarded user token", gotAuth)
	}
	if gotReq.CustomInputs["thread_id"] != "t1" || gotReq.CustomInputs["user_id"] != "alice" {
		t.Fatalf("custom_inputs = %+v", gotReq.CustomInputs)
	}
	if len(gotReq.Input) != 1 || gotReq.Input[0].Content.Text() != "hi" {
		t.Fatalf("input = %+v", gotReq.Input)
	}
	if OutputText(res.Output) != "done" {
		t.Fatalf("output = %+v", res.Output)
	}
	if res.Metadata["thread_id"] != "t1" {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
}

func TestHTTPInvokerEchoesToolItems(t *testing.T) {
	var gotReq httpRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = io.WriteString(w, `{"output":[
			{"type":"function_call","id":"fc_1","call_id":"call_1","name":"lookup","arguments":"{\"id\":34997}"},
			{"type":"mcp_call","id":"mcp_1","name":"web_search","server_label":"search","output":"3 results"},
			{"type":"message","role":"assistant","content":[{"type":"output_text","text":"done"}]}
		]}`)
	}))
	defer ts.Close()

	inv := NewHTTPInvoker(ts.URL, "", time.Second)
	first, err := inv.Invoke(context.Background(), []Item{Message(RoleUser, "hi")}, InvokeContext{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if fc := first.Output[0]; fc.Type != ItemFunctionCall || fc.CallID != "call_1" || fc.Arguments != `{"id":34997}` {
		t.Fatalf("function call = %+v", fc)
	}
	if mc := first.Output[1]; mc.Type != ItemMCPCall || mc.ServerLabel != "search" || mc.Output != "3 results" {
		t.Fatalf("mcp call = %+v", mc)
	}

	replay := append([]Item{Message(RoleUser, "hi")}, first.Output...)
	replay = append(replay, Item{Type: ItemFunctionCallOutput, CallID: "call_1", Output: "ok"})
	if _, err := inv.Invoke(context.Background(), replay, InvokeContext{}); err != nil {
		t.Fatalf("Invoke(replay) error = %v", err)
	}
	if len(gotReq.Input) != 5 {
		t.Fatalf("replayed input = %d items, want 5", len(gotReq.Input))
	}
	if got := gotReq.Input[1]; got.Type != ItemFunctionCall || got.ID != "fc_1" || got.CallID != "call_1" {
		t.Fatalf("replayed function call = %+v", got)
	}
	if got := gotReq.Input[4]; got.Type != ItemFunctionCallOutput || got.CallID != "call_1" || got.Output != "ok" {
		t.Fatalf("function output = %+v", got)
	}
}

func TestHTTPInvokerServiceTokenWins(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = io.WriteString(w, `{"text":"flat reply"}`)
	}))
	defer ts.Close()

	res, err := NewHTTPInvoker(ts.URL, "svc", time.Second).Invoke(context.Background(), nil, InvokeContext{Token: "user"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotAuth != "Bearer svc" {
		t.Fatalf("Authorization = %q, want service token", gotAuth)
	}
	if OutputText(res.Output) != "flat reply" {
		t.Fatalf("output = %+v, want flat reply", res.Output)
	}
}

func TestHTTPInvokerStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewHTTPInvoker(ts.URL, "", time.Second).Invoke(context.Background(), nil, InvokeContext{})
	if !errors.Is(err, ErrInvocationFailed) {
		t.Fatalf("error = %v, want ErrInvocationFailed", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("error = %v, want StatusError 503", err)
	}
	if !IsTemporary(err) {
		t.Fatalf("IsTemporary() = false, want true for 503")
	}
}

func TestOpenAIInvoker(t *testing.T) {
	var gotMessages []map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotMessages = body.Messages
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{
				"role":"assistant","content":"Customer 34997 is HIGH RISK."
			}}]
		}`)
	}))
	defer ts.Close()

	inv := NewOpenAIInvoker("sk-test", ts.URL+"/v1", "test-model", time.Second)
	input := []Item{
		Message(RoleSystem, "ctx"),
		Message(RoleUser, "Analyze customer 34997"),
		{Type: ItemApprovalRequest, ID: "req-1", Name: "web_search"},
		{Type: ItemApprovalResponse, ApprovalRequestID: "req-1"},
		{Role: RoleUser, Content: Content{{Type: "text", Text: "and its risk?"}}},
	}
	res, err := inv.Invoke(context.Background(), input, InvokeContext{UserID: "alice"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if len(gotMessages) != 3 {
		t.Fatalf("messages sent = %d, want 3 (approval items dropped)", len(gotMessages))
	}
	if gotMessages[0]["role"] != "system" || gotMessages[2]["content"] != "and its risk?" {
		t.Fatalf("messages = %+v", gotMessages)
	}
	if len(res.Output) != 1 || res.Output[0].ID != "chatcmpl-1" {
		t.Fatalf("output = %+v, want one message", res.Output)
	}
	if OutputText(res.Output) != "Customer 34997 is HIGH RISK." {
		t.Fatalf("text = %q", OutputText(res.Output))
	}
	if res.Metadata["finish_reason"] != "stop" {
		t.Fatalf("metadata = %+v", res.Metadata)
	}
}

func TestOpenAIInvokerStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer ts.Close()

	_, err := NewOpenAIInvoker("sk-test", ts.URL+"/v1", "", time.Second).Invoke(context.Background(), []Item{Message(RoleUser, "x")}, InvokeContext{})
	if !errors.Is(err, ErrInvocationFailed) {
		t.Fatalf("error = %v, want ErrInvocationFailed", err)
	}
	if !IsTemporary(err) {
		t.Fatalf("IsTemporary() = false, want true for 429")
	}
}

func TestMockInvoker(t *testing.T) {
	inv := NewMockInvoker()
	res, err := inv.Invoke(context.Background(), []Item{
		Message(RoleSystem, "[INTERNAL_MEMORY_CONTEXT]\ncustomer_id: 34997=analyzed\n[/INTERNAL_MEMORY_CONTEXT]"),
		Message(RoleUser, "What customers have I analyzed?"),
	}, InvokeContext{})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	text := OutputText(res.Output)
	if !strings.Contains(text, "I heard you: What customers have I analyzed?") || !strings.Contains(text, "34997") {
		t.Fatalf("mock reply = %q", text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inv.Invoke(ctx, nil, InvokeContext{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Invoke(canceled) error = %v, want context.Canceled", err)
	}
}

func TestNewInvokerModes(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "auto defaults to mock", cfg: Config{}, want: "mock"},
		{name: "auto prefers http", cfg: Config{HTTPURL: "http://agent.local", OpenAIAPIKey: "sk"}, want: "http"},
		{name: "auto openai", cfg: Config{OpenAIAPIKey: "sk"}, want: "openai"},
		{name: "http requires url", cfg: Config{Mode: "http"}, wantErr: true},
		{name: "openai requires key", cfg: Config{Mode: "openai"}, wantErr: true},
		{name: "explicit mock", cfg: Config{Mode: "MOCK", HTTPURL: "http://agent.local"}, want: "mock"},
		{name: "unknown", cfg: Config{Mode: "grpc"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inv, err := NewInvoker(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("NewInvoker() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewInvoker() error = %v", err)
			}
			if got := Describe(Traced(inv)); got != tc.want {
				t.Fatalf("Describe() = %q, want %q", got, tc.want)
			}
		})
	}
}

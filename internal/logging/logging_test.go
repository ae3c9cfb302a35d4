package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestNewTextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf))
	l.Debug("hidden")
	l.Info("hello", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "key=value") {
		t.Fatalf("output = %q, want message and attr", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithJSON(true), WithDebug(true))
	l.Debug("structured", "count", 42)

	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("Unmarshal() error = %v (output %q)", err, buf.String())
	}
	if parsed["msg"] != "structured" || parsed["count"] != float64(42) {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestNewPretty(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithPretty(true))
	l.Info("pretty output", "user_id", "alice")
	if !strings.Contains(buf.String(), "pretty output") {
		t.Fatalf("output = %q, want message", buf.String())
	}
}

func TestFromFlags(t *testing.T) {
	var buf bytes.Buffer
	l := New(append(FromFlags("DEBUG", "json"), WithWriter(&buf))...)
	l.Debug("dbg")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("output = %q, want JSON", buf.String())
	}
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	l := Multi(New(WithWriter(&a)), New(WithWriter(&b), WithJSON(true)))
	l.With("component", "test").Info("both")
	if !strings.Contains(a.String(), "both") || !strings.Contains(b.String(), `"component":"test"`) {
		t.Fatalf("a = %q, b = %q", a.String(), b.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestMultiKeepsWritingAfterSinkFailure(t *testing.T) {
	var ok bytes.Buffer
	l := Multi(nil, New(WithWriter(failingWriter{})), New(WithWriter(&ok)))
	err := l.Handler().Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "still here", 0))
	if err == nil {
		t.Fatalf("Handle() error = nil, want the failing sink's error")
	}
	if !strings.Contains(ok.String(), "still here") {
		t.Fatalf("healthy sink output = %q, want record", ok.String())
	}
}

func TestNop(t *testing.T) {
	Nop().Error("dropped")
	if OrNop(nil) == nil {
		t.Fatalf("OrNop(nil) = nil")
	}
}

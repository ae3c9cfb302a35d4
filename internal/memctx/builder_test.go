package memctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/mnemo/internal/memory"
)

func fact(typ, key, value string, age time.Duration) memory.Fact {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return memory.Fact{UserID: "alice", Type: typ, Key: key, Value: value, UpdatedAt: base.Add(-age)}
}

func TestRenderGroupsByTypeMostRecentFirst(t *testing.T) {
	facts := []memory.Fact{
		fact("customer_id", "10001", "analyzed", 3*time.Minute),
		fact("risk_level", "34997", "HIGH_RISK", time.Minute),
		fact("customer_id", "34997", "analyzed", 2*time.Minute),
		fact("risk_level", "10001", "LOW_RISK", 4*time.Minute),
	}

	got, n := Render(facts, 1000)
	want := "risk_level: 34997=HIGH_RISK, 10001=LOW_RISK\ncustomer_id: 34997=analyzed, 10001=analyzed"
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
	if n != 4 {
		t.Fatalf("rendered = %d, want 4", n)
	}
}

func TestRenderEmpty(t *testing.T) {
	if got, n := Render(nil, 100); got != "" || n != 0 {
		t.Fatalf("Render(nil) = %q, %d; want empty", got, n)
	}
}

func TestRenderNeverExceedsBudget(t *testing.T) {
	for size := 0; size <= 200; size += 7 {
		facts := make([]memory.Fact, 0, size)
		for i := 0; i < size; i++ {
			facts = append(facts, fact(fmt.Sprintf("type_%d", i%5), fmt.Sprintf("%05d", i), strings.Repeat("v", i%13), time.Duration(i)*time.Second))
		}
		for _, budget := range []int{1, 10, 37, 120, 500, 2000} {
			got, n := Render(facts, budget)
			if len(got) > budget {
				t.Fatalf("Render(%d facts, %d) length = %d, exceeds budget", size, budget, len(got))
			}
			if n > size {
				t.Fatalf("rendered = %d, more than %d facts", n, size)
			}
		}
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	a := []memory.Fact{
		fact("email", "34997", "a@example.com", 0),
		fact("customer_id", "34997", "analyzed", 0),
	}
	b := []memory.Fact{a[1], a[0]}
	first, _ := Render(a, 500)
	second, _ := Render(b, 500)
	if first != second {
		t.Fatalf("Render() differs by input order: %q vs %q", first, second)
	}
}

type stubFacts struct {
	facts []memory.Fact
	err   error
	limit int
}

func (s *stubFacts) ListFacts(_ context.Context, _ string, limit int) ([]memory.Fact, error) {
	s.limit = limit
	return s.facts, s.err
}

func TestBuilderBuild(t *testing.T) {
	store := memory.NewInMemoryStore()
	ctx := context.Background()
	if _, err := store.UpsertFacts(ctx, "alice", []memory.FactInput{
		{Type: "customer_id", Key: "34997", Value: "analyzed"},
		{Type: "risk_level", Key: "34997", Value: "HIGH_RISK"},
	}); err != nil {
		t.Fatalf("UpsertFacts() error = %v", err)
	}

	block, n, err := NewBuilder(store, 10, 500).Build(ctx, "alice")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(block, "34997") {
		t.Fatalf("block = %q, want it to mention 34997", block)
	}
	if n != 2 {
		t.Fatalf("facts rendered = %d, want 2", n)
	}

	empty, _, err := NewBuilder(store, 10, 500).Build(ctx, "bob")
	if err != nil || empty != "" {
		t.Fatalf("Build(bob) = %q, %v; want empty", empty, err)
	}
}

func TestBuilderAppliesLimits(t *testing.T) {
	stub := &stubFacts{facts: []memory.Fact{
		fact("a", "1", "x", 0),
		fact("a", "2", "x", time.Second),
		fact("a", "3", "x", 2*time.Second),
	}}
	block, n, err := NewBuilder(stub, 2, 0).Build(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if stub.limit != 2 {
		t.Fatalf("limit passed = %d, want 2", stub.limit)
	}
	if n != 2 || block != "a: 1=x, 2=x" {
		t.Fatalf("Build() = %q (%d), want two facts", block, n)
	}

	stub.err = errors.New("db down")
	if _, _, err := NewBuilder(stub, 2, 0).Build(context.Background(), "alice"); err == nil {
		t.Fatalf("Build() error = nil, want error")
	}
}

func TestInstruction(t *testing.T) {
	if got := Instruction(""); got != "" {
		t.Fatalf("Instruction(empty) = %q, want empty", got)
	}
	got := Instruction("customer_id: 34997=analyzed")
	if !strings.Contains(got, "customer_id: 34997=analyzed") || !ContainsBlock(got) {
		t.Fatalf("Instruction() = %q, want wrapped block", got)
	}
	if !strings.Contains(got, "Do not mention") {
		t.Fatalf("Instruction() = %q, want no-repeat instruction", got)
	}
}

func TestStripBlock(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"clean":    {in: "Customer 34997 is HIGH RISK.", want: "Customer 34997 is HIGH RISK."},
		"echoed":   {in: "Sure. [INTERNAL_MEMORY_CONTEXT]\ncustomer_id: 34997=analyzed\n[/INTERNAL_MEMORY_CONTEXT] You analyzed 34997.", want: "Sure.  You analyzed 34997."},
		"dangling": {in: "Answer first. [INTERNAL_MEMORY_CONTEXT] customer_id: 1", want: "Answer first."},
		"close":    {in: "[/INTERNAL_MEMORY_CONTEXT] done", want: "done"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := StripBlock(tt.in); got != tt.want {
				t.Fatalf("StripBlock() = %q, want %q", got, tt.want)
			}
			if ContainsBlock(StripBlock(tt.in)) {
				t.Fatalf("StripBlock() left a marker behind")
			}
		})
	}
}

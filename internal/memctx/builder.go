// Package memctx renders a user's remembered facts into a bounded context
// block for the agent.
package memctx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/mnemo/internal/memory"
)

const (
	DefaultMaxFacts = 50
	DefaultMaxChars = 2000
)

// FactLister is the read side of memory.Store used by the builder.
type FactLister interface {
	ListFacts(ctx context.Context, userID string, limit int) ([]memory.Fact, error)
}

// Builder loads facts and renders them within fixed limits.
type Builder struct {
	facts    FactLister
	maxFacts int
	maxChars int
}

func NewBuilder(facts FactLister, maxFacts, maxChars int) *Builder {
	if maxFacts <= 0 {
		maxFacts = DefaultMaxFacts
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Builder{facts: facts, maxFacts: maxFacts, maxChars: maxChars}
}

// Build returns the rendered block for userID and the number of facts it
// contains. The block is empty when the user has no facts.
func (b *Builder) Build(ctx context.Context, userID string) (string, int, error) {
	facts, err := b.facts.ListFacts(ctx, userID, b.maxFacts)
	if err != nil {
		return "", 0, fmt.Errorf("list facts: %w", err)
	}
	if len(facts) > b.maxFacts {
		facts = facts[:b.maxFacts]
	}
	block, n := Render(facts, b.maxChars)
	return block, n, nil
}

// Render formats facts as one line per fact type:
//
//	risk_level: 34997=HIGH_RISK, 10001=LOW_RISK
//
// Types are ordered by their most recent fact and entries within a type by
// recency. Entries that would push the block past maxChars bytes are dropped
// along with everything after them. It returns the block and the number of
// facts rendered.
func Render(facts []memory.Fact, maxChars int) (string, int) {
	if len(facts) == 0 || maxChars <= 0 {
		return "", 0
	}

	ordered := append([]memory.Fact(nil), facts...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Key < b.Key
	})

	var (
		types  []string
		groups = make(map[string][]memory.Fact)
	)
	for _, f := range ordered {
		if _, ok := groups[f.Type]; !ok {
			types = append(types, f.Type)
		}
		groups[f.Type] = append(groups[f.Type], f)
	}

	var (
		sb       strings.Builder
		rendered int
	)
	for _, typ := range types {
		for i, f := range groups[typ] {
			var piece string
			switch {
			case i == 0 && sb.Len() == 0:
				piece = clean(typ) + ": " + entry(f)
			case i == 0:
				piece = "\n" + clean(typ) + ": " + entry(f)
			default:
				piece = ", " + entry(f)
			}
			if sb.Len()+len(piece) > maxChars {
				return sb.String(), rendered
			}
			sb.WriteString(piece)
			rendered++
		}
	}
	return sb.String(), rendered
}

func entry(f memory.Fact) string {
	return clean(f.Key) + "=" + clean(f.Value)
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

const (
	blockOpen  = "[INTERNAL_MEMORY_CONTEXT]"
	blockClose = "[/INTERNAL_MEMORY_CONTEXT]"
)

// Instruction wraps a rendered block with the text that tells the agent to
// use it without repeating it. It returns "" for an empty block.
func Instruction(block string) string {
	if strings.TrimSpace(block) == "" {
		return ""
	}
	return blockOpen + "\n" + block + "\n" + blockClose + "\n" +
		"The block above lists facts remembered from earlier conversations with this user. " +
		"Use it silently to inform your answer. Do not mention, quote or repeat the block or its markers in your reply."
}

// ContainsBlock reports whether text leaks the memory block markers.
func ContainsBlock(text string) bool {
	return strings.Contains(text, blockOpen) || strings.Contains(text, blockClose)
}

// StripBlock removes any echoed memory block from an agent answer. A
// dangling opening marker drops everything after it.
func StripBlock(text string) string {
	for {
		start := strings.Index(text, blockOpen)
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], blockClose)
		if end < 0 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len(blockClose):]
	}
	text = strings.ReplaceAll(text, blockClose, "")
	return strings.TrimSpace(text)
}

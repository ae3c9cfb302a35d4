// Package approval satisfies external-tool approval requests emitted by the
// agent and re-submits the conversation until the agent settles on an answer.
package approval

import (
	"sort"
	"strings"

	"github.com/ent0n29/mnemo/internal/agent"
	"github.com/ent0n29/mnemo/internal/policy"
)

// Request is a pending external-tool approval request.
type Request struct {
	ID          string
	ToolName    string
	ServerLabel string
	Arguments   string
}

// Policy decides which tools are approved automatically. The zero value
// approves every tool.
type Policy struct {
	allowed map[string]struct{}
	screen  bool
}

// AllowAll approves every request.
func AllowAll() Policy { return Policy{} }

// AllowList approves only the named tools. Names match either the bare tool
// name or "server_label/tool". An empty list approves everything.
func AllowList(tools []string) Policy {
	p := Policy{}
	for _, t := range tools {
		t = strings.TrimSpace(t)
		if t == "*" {
			return AllowAll()
		}
		if t == "" {
			continue
		}
		if p.allowed == nil {
			p.allowed = make(map[string]struct{})
		}
		p.allowed[t] = struct{}{}
	}
	return p
}

// Allows reports whether req may run without a human decision.
func (p Policy) Allows(req Request) bool {
	if len(p.allowed) == 0 {
		return true
	}
	if _, ok := p.allowed[req.ToolName]; ok {
		return true
	}
	if req.ServerLabel != "" {
		if _, ok := p.allowed[req.ServerLabel+"/"+req.ToolName]; ok {
			return true
		}
	}
	return false
}

// WithScreening returns p with argument screening switched on or off. A
// screened policy denies calls that policy.ScreenToolCall blocks, even when
// the tool is allowed.
func (p Policy) WithScreening(on bool) Policy {
	p.screen = on
	return p
}

// Decision is the policy's answer to one request. Risk is the screening
// rating and is filled in whether or not screening may deny the call.
type Decision struct {
	Approve bool
	Reason  string
	Risk    string
}

// Decide returns the decision for req. Denials carry the reason sent back
// to the agent.
func (p Policy) Decide(req Request) Decision {
	v := policy.ScreenToolCall(req.ToolName, req.Arguments)
	d := Decision{Approve: true, Risk: v.Risk}
	switch {
	case !p.Allows(req):
		d.Approve = false
		d.Reason = "tool " + req.ToolName + " is not on the auto-approval list"
	case p.screen && v.Blocked:
		d.Approve = false
		d.Reason = v.Reason
	}
	return d
}

// Tools lists the allow-list in sorted order; nil means all tools.
func (p Policy) Tools() []string {
	if len(p.allowed) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.allowed))
	for t := range p.allowed {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ExtractRequests returns the approval requests in output, in order.
// Requests without an id cannot be answered and are skipped.
func ExtractRequests(output []agent.Item) []Request {
	var reqs []Request
	for _, it := range output {
		if it.Type != agent.ItemApprovalRequest || it.ID == "" {
			continue
		}
		reqs = append(reqs, Request{
			ID:          it.ID,
			ToolName:    it.Name,
			ServerLabel: it.ServerLabel,
			Arguments:   it.Arguments,
		})
	}
	return reqs
}

// Synthesize answers every request according to policy, one response item
// per request in request order.
func Synthesize(reqs []Request, p Policy) []agent.Item {
	items, _ := synthesize(reqs, p)
	return items
}

func synthesize(reqs []Request, p Policy) ([]agent.Item, []Decision) {
	items := make([]agent.Item, 0, len(reqs))
	decisions := make([]Decision, 0, len(reqs))
	for _, r := range reqs {
		d := p.Decide(r)
		items = append(items, agent.ApprovalResponse(r.ID, d.Approve, d.Reason))
		decisions = append(decisions, d)
	}
	return items, decisions
}

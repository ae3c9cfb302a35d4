package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Item types exchanged with the agent.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemMCPCall            = "mcp_call"
	ItemApprovalRequest    = "mcp_approval_request"
	ItemApprovalResponse   = "mcp_approval_response"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Item is one input or output element of an agent invocation. Only the
// fields relevant to Type are set.
type Item struct {
	Type    string  `json:"type"`
	ID      string  `json:"id,omitempty"`
	Role    string  `json:"role,omitempty"`
	Content Content `json:"content,omitempty"`
	Status  string  `json:"status,omitempty"`

	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Output    string `json:"output,omitempty"`

	ServerLabel       string `json:"server_label,omitempty"`
	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	Approve           *bool  `json:"approve,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// ContentPart is a typed fragment of message content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Content accepts either a plain string or a list of parts on the wire and
// always encodes as a list.
type Content []ContentPart

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// Text concatenates textual parts.
func (c Content) Text() string {
	var sb strings.Builder
	for _, p := range c {
		switch p.Type {
		case "text", "input_text", "output_text":
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Message builds a message item with a single text part.
func Message(role, text string) Item {
	partType := "input_text"
	if role == RoleAssistant {
		partType = "output_text"
	}
	return Item{
		Type:    ItemMessage,
		Role:    role,
		Content: Content{{Type: partType, Text: text}},
	}
}

// ApprovalResponse builds the reply to an approval request.
func ApprovalResponse(requestID string, approve bool, reason string) Item {
	return Item{
		Type:              ItemApprovalResponse,
		ApprovalRequestID: requestID,
		Approve:           &approve,
		Reason:            reason,
	}
}

// OutputText returns the answer carried by assistant message items. Parts of
// one message are concatenated; separate messages are joined by a blank line.
func OutputText(items []Item) string {
	var texts []string
	for _, it := range items {
		if it.Type != ItemMessage || (it.Role != "" && it.Role != RoleAssistant) {
			continue
		}
		var sb strings.Builder
		for _, p := range it.Content {
			if p.Type == "output_text" || p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		if t := strings.TrimSpace(sb.String()); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

package policy

import "testing"

func TestScreenToolCall(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		arguments string
		want      string
	}{
		{name: "search", tool: "web_search", arguments: `{"query":"customer 34997 news"}`, want: RiskLow},
		{name: "empty", want: RiskLow},
		{name: "destructive shell", tool: "shell", arguments: `{"cmd":"rm -rf /"}`, want: RiskBlocked},
		{name: "secret file", tool: "shell", arguments: `{"cmd":"cat ~/.ssh/id_rsa"}`, want: RiskBlocked},
		{name: "reveal key", tool: "notes", arguments: `{"text":"reveal the api key"}`, want: RiskBlocked},
		{name: "delete record", tool: "crm_delete_customer", arguments: `{"id":"34997"}`, want: RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScreenToolCall(tt.tool, tt.arguments)
			if got.Risk != tt.want {
				t.Fatalf("ScreenToolCall() risk = %q, want %q", got.Risk, tt.want)
			}
			if got.Blocked != (tt.want == RiskBlocked) {
				t.Fatalf("Blocked = %v for risk %q", got.Blocked, got.Risk)
			}
		})
	}
}

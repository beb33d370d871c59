package model

import (
	"testing"
)

func TestMessages(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "earlier question"},
		{Role: RoleAssistant, Content: "earlier answer"},
	}

	tests := []struct {
		name      string
		system    string
		user      string
		history   []Message
		wantRoles []string
	}{
		{"system and user", "be brief", "hi", nil, []string{RoleSystem, RoleUser}},
		{"user only", "", "hi", nil, []string{RoleUser}},
		{"system only", "be brief", "", nil, []string{RoleSystem}},
		{"with history", "be brief", "now?", history, []string{RoleSystem, RoleUser, RoleAssistant, RoleUser}},
		{"empty", "", "", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Messages(tt.system, tt.user, tt.history...)
			if len(got) != len(tt.wantRoles) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.wantRoles))
			}
			for i, role := range tt.wantRoles {
				if got[i].Role != role {
					t.Errorf("message %d role = %q, want %q", i, got[i].Role, role)
				}
			}
			if tt.user != "" && got[len(got)-1].Content != tt.user {
				t.Errorf("last message = %q, want user prompt", got[len(got)-1].Content)
			}
		})
	}
}

func TestSplitSystem(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "first"},
		{Role: RoleUser, Content: "question"},
		{Role: RoleSystem, Content: "second"},
		{Role: RoleAssistant, Content: "answer"},
	}

	system, rest := SplitSystem(msgs)
	if system != "first\n\nsecond" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest = %+v", rest)
	}

	system, rest = SplitSystem(nil)
	if system != "" || len(rest) != 0 {
		t.Errorf("SplitSystem(nil) = %q, %v", system, rest)
	}
}

func TestUsageTotal(t *testing.T) {
	u := Usage{InputTokens: 12, OutputTokens: 30}
	if u.Total() != 42 {
		t.Errorf("Total() = %d, want 42", u.Total())
	}
}

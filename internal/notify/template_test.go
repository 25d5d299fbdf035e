package notify

import (
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		content string
		vars    map[string]interface{}
		want    string
	}{
		{"Hi {{name}}, plan {{plan}}", map[string]interface{}{"name": "Asha"}, "Hi Asha, plan "},
		{"Hi {{ name }}!", map[string]interface{}{"name": "Asha"}, "Hi Asha!"},
		{"Due {{amount}} in {{days}} days", map[string]interface{}{"amount": 499.5, "days": 3}, "Due 499.5 in 3 days"},
		{"{{a}}{{a}}", map[string]interface{}{"a": "x"}, "xx"},
		{"no placeholders", nil, "no placeholders"},
		{"nil {{v}}.", map[string]interface{}{"v": nil}, "nil ."},
	}
	for _, tt := range tests {
		if got := Render(tt.content, tt.vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestMergeVars(t *testing.T) {
	base := map[string]interface{}{"name": "Asha", "email": "a@example.com"}
	got := mergeVars(base, map[string]interface{}{"name": "Ravi", "plan": "pro"})
	if got["name"] != "Ravi" || got["email"] != "a@example.com" || got["plan"] != "pro" {
		t.Fatalf("merged = %v", got)
	}
	if base["name"] != "Asha" {
		t.Fatal("base map modified")
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("Hi {{name}}, {{ plan }} ends {{date}}. Bye {{name}}")
	if strings.Join(got, ",") != "name,plan,date" {
		t.Fatalf("placeholders = %v", got)
	}
	if len(Placeholders("plain")) != 0 {
		t.Fatal("plain text has placeholders")
	}
}

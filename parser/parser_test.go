package parser

import "testing"

func TestNewDispatchesByTool(t *testing.T) {
	cases := []struct {
		tool string
		want bool // Capable()
	}{
		{"claude", true},
		{"cursor-agent", true},
		{"gemini", true},
		{"custom", false},
		{"unknown-tool", false},
	}
	for _, c := range cases {
		p := New(c.tool, "conv1")
		if got := p.Capable(); got != c.want {
			t.Errorf("New(%q).Capable() = %v, want %v", c.tool, got, c.want)
		}
	}
}

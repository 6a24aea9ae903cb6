package parser

import (
	"bytes"
	"strings"
	"time"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/idgen"
)

// Gemini's CLI has no explicit end-of-turn event; turn completion is
// inferred from a quiescent period after the CLI re-emits its prompt.
const geminiQuietPeriod = 1500 * time.Millisecond

var geminiPromptPrefix = []byte("> ")

// geminiParser recognizes a small set of sentinel line prefixes Gemini's CLI
// emits for tool calls and approval prompts, falling back to text blocks for
// everything else. Turn-complete is declared once geminiQuietPeriod elapses
// after the prompt re-appears with no further Feed in between.
type geminiParser struct {
	conversationID string
	lines          lineSplitter
	lastFeed       time.Time
	sawPrompt      bool
	sawStart       bool
	turnComplete   bool
}

func newGeminiParser(conversationID string) *geminiParser {
	return &geminiParser{conversationID: conversationID}
}

func (p *geminiParser) Capable() bool      { return true }
func (p *geminiParser) TurnComplete() bool { return p.turnComplete }

func (p *geminiParser) Feed(chunk []byte) []block.Block {
	p.turnComplete = false
	p.lastFeed = time.Now()
	clean := stripANSI(chunk)

	var out []block.Block
	if !p.sawStart {
		p.sawStart = true
		suspended := false
		out = append(out, block.Block{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeSessionStart,
			Timestamp: time.Now().UTC(), Suspended: &suspended,
		})
	}
	for _, line := range p.lines.push(clean) {
		out = append(out, p.feedLine(line)...)
	}
	if bytes.HasPrefix(bytes.TrimLeft(clean, " \t"), geminiPromptPrefix) {
		p.sawPrompt = true
	}
	return out
}

func (p *geminiParser) Flush() []block.Block {
	var out []block.Block
	if rest := p.lines.flush(); len(rest) > 0 {
		out = p.feedLine(rest)
	}
	if p.sawPrompt && time.Since(p.lastFeed) >= geminiQuietPeriod {
		p.turnComplete = true
	}
	return out
}

func (p *geminiParser) feedLine(line []byte) []block.Block {
	text := string(line)
	now := time.Now().UTC()
	switch {
	case strings.HasPrefix(text, "[tool] "):
		name := strings.TrimPrefix(text, "[tool] ")
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeToolUseStart,
			Role: block.RoleAssistant, Timestamp: now, ToolName: &name, IsPartial: false,
		}}
	case strings.HasPrefix(text, "[approve] "):
		prompt := strings.TrimPrefix(text, "[approve] ")
		options := []string{"yes", "no"}
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeApprovalReq,
			Role: block.RoleAssistant, Timestamp: now, Prompt: &prompt, Options: options,
		}}
	default:
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeText,
			Role: block.RoleAssistant, Timestamp: now, Content: &text, IsPartial: true,
		}}
	}
}

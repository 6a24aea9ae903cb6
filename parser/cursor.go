package parser

import (
	"encoding/json"
	"time"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/idgen"
)

// cursorEvent mirrors Cursor Agent's stream-json event shape.
type cursorEvent struct {
	Type    string `json:"type"` // assistant | tool_call | result
	Subtype string `json:"subtype"` // started | completed
	Text    string `json:"text"`
	Call    struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"` // raw Cursor tool key, mapped below
		Input json.RawMessage `json:"input"`
	} `json:"tool_call"`
	Result struct {
		ID      string          `json:"id"`
		Output  json.RawMessage `json:"output"`
		IsError bool            `json:"is_error"`
	} `json:"result_data"`
}

// cursorToolNames maps Cursor's raw tool-call keys onto the closed toolName
// set the client expects (the same names Claude uses, where equivalent).
var cursorToolNames = map[string]string{
	"edit_file":   "Edit",
	"write_file":  "Write",
	"read_file":   "Read",
	"run_command": "Bash",
	"search":      "Grep",
}

func mapCursorToolName(raw string) string {
	if mapped, ok := cursorToolNames[raw]; ok {
		return mapped
	}
	return raw
}

type cursorParser struct {
	conversationID string
	lines          lineSplitter
	pendingToolIDs map[string]string
	turnComplete   bool
	sawStart       bool
}

func newCursorParser(conversationID string) *cursorParser {
	return &cursorParser{conversationID: conversationID, pendingToolIDs: make(map[string]string)}
}

func (p *cursorParser) Capable() bool      { return true }
func (p *cursorParser) TurnComplete() bool { return p.turnComplete }

func (p *cursorParser) Feed(chunk []byte) []block.Block {
	p.turnComplete = false
	var out []block.Block
	for _, line := range p.lines.push(chunk) {
		out = append(out, p.feedLine(line)...)
	}
	return out
}

func (p *cursorParser) Flush() []block.Block {
	if rest := p.lines.flush(); len(rest) > 0 {
		return p.feedLine(rest)
	}
	return nil
}

func (p *cursorParser) feedLine(line []byte) []block.Block {
	if len(line) == 0 {
		return nil
	}
	var ev cursorEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		msg := err.Error()
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeError,
			Timestamp: time.Now().UTC(), Message: &msg,
		}}
	}

	var prefix []block.Block
	if !p.sawStart {
		p.sawStart = true
		suspended := false
		prefix = []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeSessionStart,
			Timestamp: time.Now().UTC(), Suspended: &suspended,
		}}
	}
	return append(prefix, p.dispatch(ev)...)
}

func (p *cursorParser) dispatch(ev cursorEvent) []block.Block {
	now := time.Now().UTC()
	switch ev.Type {
	case "assistant":
		text := ev.Text
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeText,
			Role: block.RoleAssistant, Timestamp: now, Content: &text, IsPartial: true,
		}}
	case "tool_call":
		switch ev.Subtype {
		case "started":
			id := idgen.New()
			p.pendingToolIDs[ev.Call.ID] = id
			name := mapCursorToolName(ev.Call.Name)
			toolID := ev.Call.ID
			var acc jsonAccumulator
			acc.feed(ev.Call.Input)
			input := acc.value()
			return []block.Block{{
				ID: id, ConversationID: p.conversationID, Type: block.TypeToolUseStart,
				Role: block.RoleAssistant, Timestamp: now, ToolID: &toolID, ToolName: &name,
				Input: &input, IsPartial: true,
			}}
		case "completed":
			blockID, known := p.pendingToolIDs[ev.Result.ID]
			if !known {
				blockID = idgen.New()
			}
			toolID := ev.Result.ID
			content := shrinkInlineImages(ev.Result.Output)
			isError := ev.Result.IsError
			return []block.Block{{
				ID: blockID, ConversationID: p.conversationID, Type: block.TypeToolUseResult,
				Role: block.RoleAssistant, Timestamp: now, ToolID: &toolID, Content: &content,
				IsError: &isError, IsPartial: false,
			}}
		}
		return nil
	case "result":
		p.turnComplete = true
		return nil
	default:
		return nil
	}
}

package parser

import (
	"encoding/json"
	"time"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/idgen"
)

// claudeMessage mirrors the subset of Claude Code's JSONL event shape this
// parser dispatches on.
type claudeMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	Usage *struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Result string `json:"result"`
	IsReplay bool `json:"isReplay"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type claudeParser struct {
	conversationID string
	lines          lineSplitter
	pendingToolIDs map[string]string // tool_use id -> assigned block id
	turnComplete   bool
	sawAnyMessage  bool
}

func newClaudeParser(conversationID string) *claudeParser {
	return &claudeParser{
		conversationID: conversationID,
		pendingToolIDs: make(map[string]string),
	}
}

func (p *claudeParser) Capable() bool     { return true }
func (p *claudeParser) TurnComplete() bool { return p.turnComplete }

func (p *claudeParser) Feed(chunk []byte) []block.Block {
	p.turnComplete = false
	var out []block.Block
	for _, line := range p.lines.push(chunk) {
		out = append(out, p.feedLine(line)...)
	}
	return out
}

func (p *claudeParser) Flush() []block.Block {
	if rest := p.lines.flush(); len(rest) > 0 {
		return p.feedLine(rest)
	}
	return nil
}

func (p *claudeParser) feedLine(line []byte) []block.Block {
	if len(line) == 0 {
		return nil
	}
	var msg claudeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		errMsg := err.Error()
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeError,
			Timestamp: time.Now().UTC(), Message: &errMsg,
		}}
	}

	if !p.sawAnyMessage {
		p.sawAnyMessage = true
		suspended := false
		out := []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeSessionStart,
			Timestamp: time.Now().UTC(), Suspended: &suspended,
		}}
		out = append(out, p.dispatch(msg)...)
		return out
	}
	return p.dispatch(msg)
}

func (p *claudeParser) dispatch(msg claudeMessage) []block.Block {
	switch msg.Type {
	case "system", "rate_limit":
		return nil
	case "result":
		p.turnComplete = true
		content := msg.Result
		return []block.Block{{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeText,
			Role: block.RoleAssistant, Timestamp: time.Now().UTC(), Content: &content,
			IsPartial: false,
		}}
	case "assistant", "user":
		if msg.IsReplay {
			return nil
		}
		return p.dispatchContentBlocks(msg)
	default:
		return nil
	}
}

func (p *claudeParser) dispatchContentBlocks(msg claudeMessage) []block.Block {
	var blocks []claudeContentBlock
	if err := json.Unmarshal(msg.Message.Content, &blocks); err != nil {
		return nil
	}
	role := block.RoleAssistant
	if msg.Message.Role == "user" {
		role = block.RoleUser
	}
	now := time.Now().UTC()
	var out []block.Block
	for _, cb := range blocks {
		switch cb.Type {
		case "text":
			text := cb.Text
			b := block.Block{
				ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeText,
				Role: role, Timestamp: now, Content: &text, IsPartial: true,
			}
			if msg.Usage != nil {
				in := msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens
				outTok := msg.Usage.OutputTokens
				b.InputTokens, b.OutputTokens = &in, &outTok
			}
			out = append(out, b)
		case "thinking":
			text := cb.Thinking
			out = append(out, block.Block{
				ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeThinking,
				Role: role, Timestamp: now, Content: &text, IsPartial: true,
			})
		case "tool_use":
			id := idgen.New()
			p.pendingToolIDs[cb.ID] = id
			name := cb.Name
			toolUseID := cb.ID
			var acc jsonAccumulator
			acc.feed(cb.Input)
			input := acc.value()
			out = append(out, block.Block{
				ID: id, ConversationID: p.conversationID, Type: block.TypeToolUseStart,
				Role: role, Timestamp: now, ToolID: &toolUseID, ToolName: &name, Input: &input,
				IsPartial: true,
			})
		case "tool_result":
			blockID, known := p.pendingToolIDs[cb.ToolUseID]
			if !known {
				blockID = idgen.New()
			}
			toolUseID := cb.ToolUseID
			content := shrinkInlineImages(cb.Content)
			isError := cb.IsError
			out = append(out, block.Block{
				ID: blockID, ConversationID: p.conversationID, Type: block.TypeToolUseResult,
				Role: role, Timestamp: now, ToolID: &toolUseID, Content: &content,
				IsError: &isError, IsPartial: false,
			})
		}
	}
	return out
}

package store

import (
	"encoding/json"
	"fmt"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/store/generated"
)

// wireBlock is the on-disk encoding of the type-specific optional fields of
// a block.Block that don't have their own column. Content holds the block's
// primary text payload (content/diff/command/etc. depending on type);
// metadata holds everything else, including the dynamic `input` value.
type wireBlock struct {
	Path         *string      `json:"path,omitempty"`
	Diff         *string      `json:"diff,omitempty"`
	Command      *string      `json:"command,omitempty"`
	ExitCode     *int         `json:"exitCode,omitempty"`
	Prompt       *string      `json:"prompt,omitempty"`
	Options      []string     `json:"options,omitempty"`
	Language     *string      `json:"language,omitempty"`
	Code         *string      `json:"code,omitempty"`
	Message      *string      `json:"message,omitempty"`
	ErrorCode    *string      `json:"errorCode,omitempty"`
	Model        *string      `json:"model,omitempty"`
	Suspended    *bool        `json:"suspended,omitempty"`
	Input        *block.Value `json:"input,omitempty"`
	InputTokens  *int64       `json:"inputTokens,omitempty"`
	OutputTokens *int64       `json:"outputTokens,omitempty"`
}

func encodeBlock(b block.Block) (content []byte, metadata []byte, err error) {
	if b.Content != nil {
		content = []byte(*b.Content)
	}
	wb := wireBlock{
		Path: b.Path, Diff: b.Diff, Command: b.Command, ExitCode: b.ExitCode,
		Prompt: b.Prompt, Options: b.Options, Language: b.Language, Code: b.Code,
		Message: b.Message, ErrorCode: b.ErrorCode, Model: b.Model, Suspended: b.Suspended,
		Input: b.Input, InputTokens: b.InputTokens, OutputTokens: b.OutputTokens,
	}
	metadata, err = json.Marshal(wb)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal block metadata: %w", err)
	}
	return content, metadata, nil
}

func decodeBlock(r generated.Message) (block.Block, error) {
	b := block.Block{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Type:           block.Type(r.Type),
		Role:           block.Role(r.Role),
		Timestamp:      r.Timestamp,
		IsPartial:      r.IsPartial,
		ToolID:         r.ToolID,
		ToolName:       r.ToolName,
	}
	if r.IsError {
		v := true
		b.IsError = &v
	}
	if r.Content != nil {
		s := string(r.Content)
		b.Content = &s
	}
	if len(r.Metadata) > 0 {
		var wb wireBlock
		if err := json.Unmarshal(r.Metadata, &wb); err != nil {
			return block.Block{}, fmt.Errorf("unmarshal block metadata: %w", err)
		}
		b.Path, b.Diff, b.Command, b.ExitCode = wb.Path, wb.Diff, wb.Command, wb.ExitCode
		b.Prompt, b.Options, b.Language, b.Code = wb.Prompt, wb.Options, wb.Language, wb.Code
		b.Message, b.ErrorCode, b.Model, b.Suspended = wb.Message, wb.ErrorCode, wb.Model, wb.Suspended
		b.Input, b.InputTokens, b.OutputTokens = wb.Input, wb.InputTokens, wb.OutputTokens
	}
	return b, nil
}

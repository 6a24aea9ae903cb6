// Package parser defines the Parser contract every per-tool byte-stream
// decoder implements: a stateful transducer from raw CLI output to the
// normalized block.Block sequence.
package parser

import "github.com/agentbridge/agentctl/block"

// Parser turns a tool's raw byte stream into normalized blocks. Feed may be
// called with arbitrary chunk boundaries — implementations must buffer
// partial lines/values internally. Flush is called once, on EOF.
type Parser interface {
	Feed(chunk []byte) []block.Block
	Flush() []block.Block

	// Capable reports whether this parser can produce structured blocks for
	// the stream it has seen so far. When false, the owning AgentSession
	// locks the conversation to the raw chatData delivery mode for its
	// lifetime rather than mixing delivery modes (§9).
	Capable() bool

	// TurnComplete reports whether the most recently fed chunk concluded an
	// agent turn (used for pending-notification enqueue and the "thinking"
	// affordance).
	TurnComplete() bool
}

// New constructs the parser appropriate for tool, defaulting to the generic
// ANSI parser for unrecognized or custom tools.
func New(tool string, conversationID string) Parser {
	switch tool {
	case "claude":
		return newClaudeParser(conversationID)
	case "cursor-agent":
		return newCursorParser(conversationID)
	case "gemini":
		return newGeminiParser(conversationID)
	default:
		return newGenericParser(conversationID)
	}
}

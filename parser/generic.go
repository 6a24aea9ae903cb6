package parser

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/idgen"
	"github.com/agentbridge/agentctl/turnclassifier"
)

// turnClassifier is an optional, process-wide heuristic for deciding when a
// custom tool's turn has ended without a blank-line boundary. Unset by
// default — SetTurnClassifier opts a deployment in.
var turnClassifier *turnclassifier.Classifier

// SetTurnClassifier installs the classifier used by every genericParser,
// including ones already created (it is read on each Feed). Passing nil
// reverts to the blank-line/EOF heuristic.
func SetTurnClassifier(c *turnclassifier.Classifier) {
	turnClassifier = c
}

// genericParser strips ANSI decoration and chunks on blank-line boundaries
// into text blocks. It is used for custom-tool conversations and as the
// incapacity fallback when no tool-specific parser matches: it always
// declares itself incapable, which is what locks the conversation to raw
// chatData delivery per §9.
type genericParser struct {
	conversationID string
	buf            []byte
	turnComplete   bool
	sawStart       bool

	classifyMu    sync.Mutex
	classifying   bool
	classifierHit bool
}

func newGenericParser(conversationID string) *genericParser {
	return &genericParser{conversationID: conversationID}
}

func (p *genericParser) Capable() bool { return false }

func (p *genericParser) TurnComplete() bool {
	p.classifyMu.Lock()
	hit := p.classifierHit
	p.classifierHit = false
	p.classifyMu.Unlock()
	return p.turnComplete || hit
}

func (p *genericParser) Feed(chunk []byte) []block.Block {
	p.turnComplete = false
	p.buf = append(p.buf, stripANSI(chunk)...)

	var out []block.Block
	if !p.sawStart {
		p.sawStart = true
		suspended := false
		out = append(out, block.Block{
			ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeSessionStart,
			Timestamp: time.Now().UTC(), Suspended: &suspended,
		})
	}
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		segment := p.buf[:idx]
		p.buf = p.buf[idx+2:]
		if len(bytes.TrimSpace(segment)) == 0 {
			continue
		}
		out = append(out, p.textBlock(segment))
		p.turnComplete = true
	}
	p.maybeClassifyTail()
	return out
}

// maybeClassifyTail kicks off an async classification of the buffered,
// not-yet-segment-terminated tail when a turnclassifier is configured. At
// most one classification runs at a time per parser; TurnComplete picks up
// the verdict on its next call after the goroutine finishes.
func (p *genericParser) maybeClassifyTail() {
	if turnClassifier == nil || len(bytes.TrimSpace(p.buf)) == 0 {
		return
	}
	p.classifyMu.Lock()
	if p.classifying {
		p.classifyMu.Unlock()
		return
	}
	p.classifying = true
	tail := string(p.buf)
	p.classifyMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done, err := turnClassifier.IsTurnComplete(ctx, tail)
		p.classifyMu.Lock()
		p.classifying = false
		if err == nil && done {
			p.classifierHit = true
		}
		p.classifyMu.Unlock()
	}()
}

func (p *genericParser) Flush() []block.Block {
	if len(bytes.TrimSpace(p.buf)) == 0 {
		p.buf = nil
		return nil
	}
	b := p.textBlock(p.buf)
	b.IsPartial = false
	p.buf = nil
	p.turnComplete = true
	return []block.Block{b}
}

func (p *genericParser) textBlock(segment []byte) block.Block {
	content := string(segment)
	return block.Block{
		ID: idgen.New(), ConversationID: p.conversationID, Type: block.TypeText,
		Role: block.RoleAssistant, Timestamp: time.Now().UTC(), Content: &content, IsPartial: true,
	}
}

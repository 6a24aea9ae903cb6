package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"

	jsonv2 "github.com/go-json-experiment/json"

	"github.com/agentbridge/agentctl/block"
	"github.com/agentbridge/agentctl/imageutil"
)

// lineSplitter accumulates bytes across Feed calls and yields complete
// newline-terminated lines, leaving any trailing partial line buffered.
type lineSplitter struct {
	buf []byte
}

func (s *lineSplitter) push(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, s.buf[:idx])
		lines = append(lines, line)
		s.buf = s.buf[idx+1:]
	}
	return lines
}

func (s *lineSplitter) flush() []byte {
	if len(s.buf) == 0 {
		return nil
	}
	rest := s.buf
	s.buf = nil
	return rest
}

// jsonAccumulator recovers partial tool-call input fragments (e.g.
// `{"command":"ls` mid-token) into a best-effort block.Value without waiting
// for the closing brace. It buffers every fragment and parses the whole
// buffer with go-json-experiment's Unmarshal on each value() call.
type jsonAccumulator struct {
	buf []byte
}

func (a *jsonAccumulator) feed(fragment []byte) {
	a.buf = append(a.buf, fragment...)
}

func (a *jsonAccumulator) reset() {
	a.buf = a.buf[:0]
}

// value returns the best-effort parse of whatever has been fed so far: the
// full value if it's already complete JSON, otherwise the buffer with its
// dangling string quote and open brackets closed (see closeDanglingJSON), so
// the UI can render a streaming `input.command` field. If neither parses
// (e.g. the buffer ends right after a key's colon), it returns null.
func (a *jsonAccumulator) value() block.Value {
	if len(a.buf) == 0 {
		return block.Value{Kind: block.KindNull}
	}
	var v any
	if err := jsonv2.Unmarshal(a.buf, &v); err == nil {
		return fromAnyValue(v)
	}
	// Not yet complete: try the trailing-quote-closed heuristic so partial
	// string fields still surface incrementally.
	candidate := closeDanglingJSON(a.buf)
	var partial any
	if err := jsonv2.Unmarshal(candidate, &partial); err == nil {
		return fromAnyValue(partial)
	}
	return block.Value{Kind: block.KindNull}
}

// closeDanglingJSON appends the minimal set of closing characters needed to
// make a truncated JSON object/array/string parseable, tracking only
// brace/bracket/quote depth (no full grammar).
func closeDanglingJSON(buf []byte) []byte {
	out := make([]byte, len(buf))
	copy(out, buf)
	inString := false
	escaped := false
	var stack []byte
	for _, c := range out {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		out = append(out, '"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		out = append(out, stack[i])
	}
	return out
}

func fromAnyValue(raw any) block.Value {
	switch t := raw.(type) {
	case nil:
		return block.Value{Kind: block.KindNull}
	case string:
		return block.Value{Kind: block.KindString, Str: t}
	case float64:
		return block.Value{Kind: block.KindNumber, Num: t}
	case bool:
		return block.Value{Kind: block.KindBool, Bool: t}
	case []any:
		arr := make([]block.Value, len(t))
		for i, e := range t {
			arr[i] = fromAnyValue(e)
		}
		return block.Value{Kind: block.KindArray, Arr: arr}
	case map[string]any:
		obj := make(map[string]block.Value, len(t))
		for k, e := range t {
			obj[k] = fromAnyValue(e)
		}
		return block.Value{Kind: block.KindObject, Obj: obj}
	default:
		return block.Value{Kind: block.KindNull}
	}
}

var (
	ansiEscapeRE  = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)
	ansiOSCRE     = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	terminalQuery = regexp.MustCompile(`\x1b\[[0-9;]*[nRc]`)
)

// imageContentItem is the subset of a tool_result content item's shape this
// parser cares about: plain text passes through untouched, inline base64
// images are downscaled before the block is persisted.
type imageContentItem struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

// shrinkInlineImages re-encodes any base64 image payloads embedded in a
// tool_result's content array to a bounded pixel dimension, leaving
// everything else (plain strings, text items) untouched. Content that isn't
// a recognized content-item array is returned as-is.
func shrinkInlineImages(raw json.RawMessage) string {
	var items []imageContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return string(raw)
	}
	changed := false
	for i, item := range items {
		if item.Type != "image" || item.Source == nil || item.Source.Data == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(item.Source.Data)
		if err != nil {
			continue
		}
		shrunk, err := imageutil.Thumbnail(decoded)
		if err != nil {
			continue
		}
		items[i].Source.Data = base64.StdEncoding.EncodeToString(shrunk)
		items[i].Source.MediaType = "image/png"
		changed = true
	}
	if !changed {
		return string(raw)
	}
	out, err := json.Marshal(items)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// stripANSI removes escape/control sequences and terminal query responses
// from raw CLI output, used by the generic parser and as a pre-filter for
// any tool whose structured stream is interleaved with TTY decoration.
func stripANSI(data []byte) []byte {
	out := ansiEscapeRE.ReplaceAll(data, nil)
	out = ansiOSCRE.ReplaceAll(out, nil)
	out = terminalQuery.ReplaceAll(out, nil)
	out = bytes.ReplaceAll(out, []byte("\r"), nil)
	return out
}

package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedProposal marks tool-call JSON that could not be decoded even
// after repair.
var ErrMalformedProposal = errors.New("malformed proposal")

// decodeArguments parses model-produced call arguments, repairing common
// damage such as single quotes, unquoted keys or trailing commas.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		fixed, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return nil, fmt.Errorf("%w: arguments: %v", ErrMalformedProposal, rerr)
		}
		if err := json.Unmarshal([]byte(fixed), &out); err != nil {
			return nil, fmt.Errorf("%w: arguments: %v", ErrMalformedProposal, err)
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

type scriptLine struct {
	Message string       `json:"message"`
	Calls   []scriptCall `json:"calls"`
}

// scriptCall accepts params as an object or as a JSON-encoded string.
type scriptCall struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Title  string          `json:"title"`
	Params json.RawMessage `json:"params"`
}

func (c scriptCall) toolCall() (ToolCall, error) {
	call := ToolCall{ID: c.ID, Tool: c.Tool, Title: c.Title}
	if call.Tool == "" {
		return call, fmt.Errorf("%w: call without tool name", ErrMalformedProposal)
	}
	raw := bytes.TrimSpace(c.Params)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		call.Params = map[string]any{}
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return call, fmt.Errorf("%w: params: %v", ErrMalformedProposal, err)
		}
		params, err := decodeArguments(s)
		if err != nil {
			return call, err
		}
		call.Params = params
	default:
		params, err := decodeArguments(string(raw))
		if err != nil {
			return call, err
		}
		call.Params = params
	}
	return call, nil
}

// ScriptedCollaborator replays a fixed list of proposals, one per call.
// Once the script runs out it proposes nothing, which ends the run.
type ScriptedCollaborator struct {
	mu        sync.Mutex
	proposals []Proposal
	next      int
	requests  []Request
}

func NewScriptedCollaborator(proposals ...Proposal) *ScriptedCollaborator {
	return &ScriptedCollaborator{proposals: proposals}
}

// LoadScript reads a JSONL script: one proposal object per line, with
// blank lines and lines starting with # ignored.
func LoadScript(path string) (*ScriptedCollaborator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()
	return ParseScript(f)
}

func ParseScript(r io.Reader) (*ScriptedCollaborator, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var proposals []Proposal
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var sl scriptLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			fixed, rerr := jsonrepair.JSONRepair(line)
			if rerr != nil {
				return nil, fmt.Errorf("%w: script line %d: %v", ErrMalformedProposal, lineNo, err)
			}
			if err := json.Unmarshal([]byte(fixed), &sl); err != nil {
				return nil, fmt.Errorf("%w: script line %d: %v", ErrMalformedProposal, lineNo, err)
			}
		}
		p := Proposal{Message: sl.Message}
		for _, c := range sl.Calls {
			call, err := c.toolCall()
			if err != nil {
				return nil, fmt.Errorf("script line %d: %w", lineNo, err)
			}
			p.Calls = append(p.Calls, call)
		}
		proposals = append(proposals, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return NewScriptedCollaborator(proposals...), nil
}

func (s *ScriptedCollaborator) Propose(ctx context.Context, req Request) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.proposals) {
		return Proposal{}, nil
	}
	p := s.proposals[s.next]
	s.next++

	out := Proposal{Message: p.Message, Calls: make([]ToolCall, len(p.Calls))}
	for i, c := range p.Calls {
		c.Params = maps.Clone(c.Params)
		out.Calls[i] = c
	}
	return out, nil
}

// Remaining returns how many proposals have not been replayed.
func (s *ScriptedCollaborator) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.proposals) - s.next
}

// Requests returns the requests seen so far.
func (s *ScriptedCollaborator) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

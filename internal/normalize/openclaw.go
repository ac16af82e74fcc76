package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
)

// OpenClaw normalizes gateway event frames:
//
//	{"type":"event","event":"agent","payload":{"stream":"tool","data":{"phase":"start",...}}}
//	{"type":"event","event":"chat","payload":{"state":"final","message":{...}}}
type OpenClaw struct {
	name string
	now  func() time.Time
}

type ocFrame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type ocAgentPayload struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
	TS         int64  `json:"ts"`
	Data       struct {
		Phase      string          `json:"phase"`
		Name       string          `json:"name"`
		ToolCallID string          `json:"toolCallId"`
		Args       json.RawMessage `json:"args"`
	} `json:"data"`
}

type ocChatPayload struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	State      string    `json:"state"`
	TS         int64     `json:"ts"`
	Message    ocMessage `json:"message"`
}

type ocMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
	RunID     string          `json:"runId"`
}

type ocBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Arguments json.RawMessage `json:"arguments"`
}

var ocNoiseEvents = map[string]bool{
	"tick": true, "health": true, "presence": true, "heartbeat": true,
	"connect.challenge": true, "shutdown": true, "cron": true,
}

var ocNoiseStreams = map[string]bool{
	"assistant": true, "lifecycle": true, "thinking": true, "reasoning": true,
}

func (n *OpenClaw) Normalize(raw []byte) ([]engine.Action, error) {
	var f ocFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	switch f.Type {
	case "event":
	case "res", "hello-ok":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: frame type %q", ErrUnrecognized, f.Type)
	}

	switch {
	case f.Event == "agent":
		return n.agent(f.Payload, raw)
	case f.Event == "chat":
		return n.chat(f.Payload, raw)
	case ocNoiseEvents[f.Event]:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: event %q", ErrUnrecognized, f.Event)
	}
}

func (n *OpenClaw) agent(payload json.RawMessage, raw []byte) ([]engine.Action, error) {
	var p ocAgentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: agent payload: %v", ErrUnrecognized, err)
	}
	if ocNoiseStreams[p.Stream] {
		return nil, nil
	}
	if p.Stream != "tool" {
		return nil, fmt.Errorf("%w: agent stream %q", ErrUnrecognized, p.Stream)
	}
	if p.Data.Phase != "start" {
		return nil, nil
	}
	if p.Data.ToolCallID == "" || p.Data.Name == "" {
		return nil, fmt.Errorf("%w: tool start without id or name", ErrUnrecognized)
	}
	a := toolAction(n.name, p.SessionKey, p.Data.ToolCallID, p.Data.Name,
		decodeArgs(p.Data.Args), timestamp(p.TS, n.now), raw)
	return []engine.Action{a}, nil
}

func (n *OpenClaw) chat(payload json.RawMessage, raw []byte) ([]engine.Action, error) {
	var p ocChatPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: chat payload: %v", ErrUnrecognized, err)
	}
	if p.State != "final" {
		return nil, nil
	}
	run := p.RunID
	if run == "" {
		run = p.Message.RunID
	}
	ts := p.TS
	if ts == 0 {
		ts = p.Message.Timestamp
	}
	return n.message(p.SessionKey, run, ts, p.Message, raw, true)
}

func (n *OpenClaw) NormalizeHistory(sessionKey string, item []byte) ([]engine.Action, error) {
	var m ocMessage
	if err := json.Unmarshal(item, &m); err != nil {
		return nil, fmt.Errorf("%w: history item: %v", ErrUnrecognized, err)
	}
	// Live chat ids include the run id; without one a history text block
	// cannot be matched to its live counterpart, so only tool calls replay.
	return n.message(sessionKey, m.RunID, m.Timestamp, m, item, m.RunID != "")
}

func (n *OpenClaw) message(session, run string, ts int64, m ocMessage, raw []byte, withText bool) ([]engine.Action, error) {
	if m.Role != "assistant" {
		return nil, nil
	}
	blocks, text, err := parseContent(m.Content)
	if err != nil {
		return nil, err
	}
	at := timestamp(ts, n.now)

	var out []engine.Action
	for _, b := range blocks {
		if !isToolBlock(b.Type) || b.ID == "" || b.Name == "" {
			continue
		}
		args := b.Input
		if len(args) == 0 {
			args = b.Arguments
		}
		out = append(out, toolAction(n.name, session, b.ID, b.Name, decodeArgs(args), at, raw))
	}
	if withText && strings.TrimSpace(text) != "" {
		out = append(out, chatAction(n.name, session, run, text, at, raw))
	}
	return out, nil
}

func isToolBlock(t string) bool {
	switch t {
	case "tool_use", "toolCall", "tool_call":
		return true
	}
	return false
}

// parseContent accepts either a plain string or a list of content blocks.
func parseContent(raw json.RawMessage) ([]ocBlock, string, error) {
	if len(raw) == 0 {
		return nil, "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, s, nil
	}
	var blocks []ocBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, "", fmt.Errorf("%w: message content: %v", ErrUnrecognized, err)
	}
	var text []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			text = append(text, b.Text)
		}
	}
	return blocks, strings.Join(text, "\n"), nil
}

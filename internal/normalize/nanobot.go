package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/guardclaw/internal/engine"
)

// Nanobot normalizes flat JSON lines such as
//
//	{"type":"tool_call","id":"tc_1","session":"cli:default","name":"exec","arguments":{"command":"ls"}}
type Nanobot struct {
	name string
	now  func() time.Time
}

type nbLine struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Session   string          `json:"session"`
	RunID     string          `json:"run_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	To        string          `json:"to"`
	TS        int64           `json:"ts"`
}

var nbNoise = map[string]bool{
	"ping": true, "pong": true, "stream": true, "delta": true, "tool_output": true, "tool_result": true,
}

func (n *Nanobot) Normalize(raw []byte) ([]engine.Action, error) {
	return n.normalize("", raw)
}

func (n *Nanobot) NormalizeHistory(sessionKey string, item []byte) ([]engine.Action, error) {
	return n.normalize(sessionKey, item)
}

func (n *Nanobot) normalize(session string, raw []byte) ([]engine.Action, error) {
	var l nbLine
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if l.Session != "" {
		session = l.Session
	}
	ts := timestamp(l.TS, n.now)

	switch {
	case l.Type == "tool_call":
		if l.ID == "" || l.Name == "" {
			return nil, fmt.Errorf("%w: tool_call without id or name", ErrUnrecognized)
		}
		return []engine.Action{toolAction(n.name, session, l.ID, l.Name, decodeArgs(l.Arguments), ts, raw)}, nil

	case l.Type == "message" && l.To != "":
		id := l.ID
		if id == "" {
			return []engine.Action{messageAction(n.name, session, chatID(n.name, session, l.RunID, l.To+"\x00"+l.Content), l.To, ts, raw)}, nil
		}
		return []engine.Action{messageAction(n.name, session, actionID(n.name, id), l.To, ts, raw)}, nil

	case l.Type == "message" && l.Role == "assistant":
		if l.Content == "" {
			return nil, nil
		}
		return []engine.Action{chatAction(n.name, session, l.RunID, l.Content, ts, raw)}, nil

	case l.Type == "message":
		return nil, nil

	case nbNoise[l.Type]:
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: line type %q", ErrUnrecognized, l.Type)
	}
}

func messageAction(backend, session, id, to string, ts time.Time, raw []byte) engine.Action {
	return engine.Action{
		ID:         id,
		Timestamp:  ts,
		Backend:    backend,
		SessionKey: session,
		Tool:       "message",
		Kind:       engine.KindMessage,
		Target:     to,
		RawPayload: append([]byte(nil), raw...),
	}
}

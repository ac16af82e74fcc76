package normalize

import (
	"errors"
	"testing"

	"github.com/triage-ai/guardclaw/internal/engine"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for name, proto := range map[string]string{"oc": BackendOpenClaw, "nb": BackendNanobot} {
		n, err := New(proto, name)
		if err != nil {
			t.Fatalf("New(%s): %v", proto, err)
		}
		r.Register(name, n)
	}
	return r
}

// one returns a checker for a Normalize result that must hold exactly one
// action, so calls read one(t)(r.Normalize(...)).
func one(t *testing.T) func([]engine.Action, error) engine.Action {
	return func(actions []engine.Action, err error) engine.Action {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(actions) != 1 {
			t.Fatalf("expected one action, got %d: %+v", len(actions), actions)
		}
		return actions[0]
	}
}

func TestOpenClaw_ToolStart(t *testing.T) {
	r := newRegistry(t)
	raw := `{"type":"event","event":"agent","payload":{"runId":"r1","sessionKey":"agent:main","stream":"tool","ts":1700000000000,
		"data":{"phase":"start","name":"exec","toolCallId":"call_1","args":{"command":"ls -la"}}}}`
	a := one(t)(r.Normalize("oc", []byte(raw)))

	if a.ID != "oc:call_1" || a.Kind != engine.KindExec || a.Target != "ls -la" {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.Backend != "oc" || a.SessionKey != "agent:main" || a.Tool != "exec" {
		t.Fatalf("unexpected metadata: %+v", a)
	}
	if a.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp not taken from frame: %v", a.Timestamp)
	}
	if len(a.RawPayload) == 0 {
		t.Error("raw payload not retained")
	}
}

func TestOpenClaw_Noise(t *testing.T) {
	r := newRegistry(t)
	for _, raw := range []string{
		`{"type":"event","event":"agent","payload":{"stream":"tool","data":{"phase":"update","name":"exec","toolCallId":"c"}}}`,
		`{"type":"event","event":"agent","payload":{"stream":"tool","data":{"phase":"result","name":"exec","toolCallId":"c"}}}`,
		`{"type":"event","event":"agent","payload":{"stream":"assistant","data":{"delta":"hel"}}}`,
		`{"type":"event","event":"chat","payload":{"state":"delta","message":{"role":"assistant","content":"hel"}}}`,
		`{"type":"event","event":"tick","payload":{}}`,
		`{"type":"event","event":"health","payload":{}}`,
		`{"type":"event","event":"presence","payload":{}}`,
		`{"type":"event","event":"heartbeat"}`,
		`{"type":"res","id":"1","ok":true}`,
	} {
		actions, err := r.Normalize("oc", []byte(raw))
		if err != nil || actions != nil {
			t.Errorf("%s: expected noise, got %v %v", raw, actions, err)
		}
	}
}

func TestOpenClaw_Unrecognized(t *testing.T) {
	r := newRegistry(t)
	for _, raw := range []string{
		`not json`,
		`{"type":"banana"}`,
		`{"type":"event","event":"mystery"}`,
		`{"type":"event","event":"agent","payload":{"stream":"tool","data":{"phase":"start"}}}`,
	} {
		if _, err := r.Normalize("oc", []byte(raw)); !errors.Is(err, ErrUnrecognized) {
			t.Errorf("%s: expected ErrUnrecognized, got %v", raw, err)
		}
	}
}

func TestOpenClaw_ChatFinal(t *testing.T) {
	r := newRegistry(t)
	raw := `{"type":"event","event":"chat","payload":{"runId":"r1","sessionKey":"s","state":"final","message":{"role":"assistant","content":[
		{"type":"text","text":"Writing the file now."},
		{"type":"toolCall","id":"call_9","name":"write","arguments":{"path":"/tmp/a.txt","content":"x"}}]}}}`
	actions, err := r.Normalize("oc", []byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected tool + chat actions, got %+v", actions)
	}
	if actions[0].ID != "oc:call_9" || actions[0].Kind != engine.KindWrite || actions[0].Target != "/tmp/a.txt" {
		t.Errorf("unexpected tool action: %+v", actions[0])
	}
	if actions[1].Kind != engine.KindChat || actions[1].Target != "Writing the file now." {
		t.Errorf("unexpected chat action: %+v", actions[1])
	}

	again, _ := r.Normalize("oc", []byte(raw))
	if again[1].ID != actions[1].ID {
		t.Error("chat ids must be deterministic")
	}
}

func TestOpenClaw_HistoryMatchesLiveIDs(t *testing.T) {
	r := newRegistry(t)
	live := `{"type":"event","event":"agent","payload":{"sessionKey":"s","stream":"tool",
		"data":{"phase":"start","name":"bash","toolCallId":"toolu_01","args":{"command":"git push"}}}}`
	hist := `{"role":"assistant","timestamp":1700000000000,"content":[{"type":"tool_use","id":"toolu_01","name":"bash","input":{"command":"git push"}}]}`

	la := one(t)(r.Normalize("oc", []byte(live)))
	ha := one(t)(r.NormalizeHistory("oc", "s", []byte(hist)))
	if la.ID != ha.ID || la.Kind != ha.Kind || la.Target != ha.Target {
		t.Fatalf("history %+v does not match live %+v", ha, la)
	}
}

func TestOpenClaw_HistorySkipsUserAndUnmatchableText(t *testing.T) {
	r := newRegistry(t)
	for _, item := range []string{
		`{"role":"user","content":"please run ls"}`,
		`{"role":"toolResult","content":[{"type":"text","text":"ok"}]}`,
		`{"role":"assistant","content":"done"}`,
	} {
		actions, err := r.NormalizeHistory("oc", "s", []byte(item))
		if err != nil || len(actions) != 0 {
			t.Errorf("%s: expected nothing, got %v %v", item, actions, err)
		}
	}
}

func TestNanobot_Lines(t *testing.T) {
	r := newRegistry(t)

	a := one(t)(r.Normalize("nb", []byte(`{"type":"tool_call","id":"tc_1","session":"cli:1","name":"shell","arguments":"{\"command\":\"rm -rf /\"}"}`)))
	if a.ID != "nb:tc_1" || a.Kind != engine.KindExec || a.Target != "rm -rf /" || a.SessionKey != "cli:1" {
		t.Fatalf("unexpected tool action: %+v", a)
	}

	chat := one(t)(r.Normalize("nb", []byte(`{"type":"message","role":"assistant","content":"hi there","session":"cli:1"}`)))
	if chat.Kind != engine.KindChat || chat.Target != "hi there" {
		t.Fatalf("unexpected chat action: %+v", chat)
	}

	msg := one(t)(r.Normalize("nb", []byte(`{"type":"message","id":"m1","to":"telegram:42","content":"report"}`)))
	if msg.Kind != engine.KindMessage || msg.Target != "telegram:42" || msg.ID != "nb:m1" {
		t.Fatalf("unexpected message action: %+v", msg)
	}
}

func TestNanobot_NoiseAndUnknown(t *testing.T) {
	r := newRegistry(t)
	for _, raw := range []string{`{"type":"ping"}`, `{"type":"tool_output","id":"x"}`, `{"type":"message","role":"user","content":"x"}`} {
		if actions, err := r.Normalize("nb", []byte(raw)); err != nil || actions != nil {
			t.Errorf("%s: expected noise, got %v %v", raw, actions, err)
		}
	}
	if _, err := r.Normalize("nb", []byte(`{"type":"weird"}`)); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("expected ErrUnrecognized, got %v", err)
	}
}

func TestRegistry_UnknownUpstream(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Normalize("ghost", []byte(`{}`)); !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
	if _, err := New("carrier-pigeon", "x"); err == nil {
		t.Fatal("unknown protocol should fail")
	}
}

func TestKindForTool(t *testing.T) {
	cases := map[string]engine.ActionKind{
		"Bash": engine.KindExec, "read_file": engine.KindRead, "apply_patch": engine.KindEdit,
		"web_fetch": engine.KindFetch, "sessions_send": engine.KindMessage, "mystery": engine.KindOther,
	}
	for tool, want := range cases {
		if got := KindForTool(tool); got != want {
			t.Errorf("KindForTool(%q) = %s, want %s", tool, got, want)
		}
	}
}

func TestExtractTarget_FallsBackToJSON(t *testing.T) {
	got := ExtractTarget(engine.KindOther, map[string]any{"b": 1.0})
	if got != `{"b":1}` {
		t.Fatalf("unexpected target %q", got)
	}
	if got := ExtractTarget(engine.KindExec, map[string]any{"command": []any{"ls", "-la"}}); got != "ls -la" {
		t.Fatalf("argv form not joined: %q", got)
	}
}

package normalize

import (
	"encoding/json"
	"strings"

	"github.com/triage-ai/guardclaw/internal/engine"
)

var toolKinds = map[string]engine.ActionKind{
	"exec": engine.KindExec, "bash": engine.KindExec, "shell": engine.KindExec,
	"run_command": engine.KindExec, "execute": engine.KindExec, "process": engine.KindExec,
	"terminal": engine.KindExec, "system.run": engine.KindExec,

	"read": engine.KindRead, "read_file": engine.KindRead, "view": engine.KindRead,
	"cat": engine.KindRead, "glob": engine.KindRead, "grep": engine.KindRead,
	"search": engine.KindRead, "ls": engine.KindRead, "list_dir": engine.KindRead,
	"find": engine.KindRead, "memory_search": engine.KindRead, "memory_get": engine.KindRead,

	"write": engine.KindWrite, "write_file": engine.KindWrite, "create_file": engine.KindWrite,
	"save": engine.KindWrite,

	"edit": engine.KindEdit, "edit_file": engine.KindEdit, "apply_patch": engine.KindEdit,
	"str_replace": engine.KindEdit, "multi_edit": engine.KindEdit, "patch": engine.KindEdit,

	"web_fetch": engine.KindFetch, "fetch": engine.KindFetch, "http_request": engine.KindFetch,
	"browser": engine.KindFetch, "web_search": engine.KindFetch, "curl": engine.KindFetch,

	"message": engine.KindMessage, "send_message": engine.KindMessage, "sessions_send": engine.KindMessage,
	"notify": engine.KindMessage, "email": engine.KindMessage,
}

// KindForTool maps a tool name to its action kind. Unknown tools are
// KindOther.
func KindForTool(tool string) engine.ActionKind {
	if k, ok := toolKinds[strings.ToLower(strings.TrimSpace(tool))]; ok {
		return k
	}
	return engine.KindOther
}

var targetKeys = map[engine.ActionKind][]string{
	engine.KindExec:    {"command", "cmd", "script"},
	engine.KindRead:    {"path", "file_path", "file", "filename", "pattern", "query"},
	engine.KindWrite:   {"path", "file_path", "file", "filename"},
	engine.KindEdit:    {"path", "file_path", "file", "filename"},
	engine.KindFetch:   {"url", "uri", "query"},
	engine.KindMessage: {"to", "recipient", "target", "channel"},
}

var anyTargetKeys = []string{
	"command", "cmd", "script", "path", "file_path", "file", "url", "query",
	"to", "recipient", "target", "channel",
}

// ExtractTarget picks the string most relevant to risk from tool
// arguments. With no known key, the compact JSON of args is used.
func ExtractTarget(kind engine.ActionKind, args map[string]any) string {
	for _, k := range targetKeys[kind] {
		if s, ok := stringArg(args, k); ok {
			return s
		}
	}
	for _, k := range anyTargetKeys {
		if s, ok := stringArg(args, k); ok {
			return s
		}
	}
	if len(args) == 0 {
		return ""
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(b)
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}

// decodeArgs accepts tool arguments as an object or as a JSON-encoded
// string holding an object.
func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args
		}
		return map[string]any{"command": s}
	}
	return nil
}

package approval

import (
	"net/url"
	"path"
	"strings"

	"github.com/triage-ai/guardclaw/internal/engine"
)

// PatternKey groups structurally similar actions: the same command and
// subcommand, files of the same type in the same directory, requests to
// the same host.
func PatternKey(a engine.Action) string {
	tool := strings.ToLower(a.Tool)
	if tool == "" {
		tool = string(a.Kind)
	}
	return tool + ":" + structuralTarget(a)
}

func structuralTarget(a engine.Action) string {
	target := strings.TrimSpace(a.Target)
	switch a.Kind {
	case engine.KindExec:
		return commandShape(target)
	case engine.KindRead, engine.KindWrite, engine.KindEdit:
		return fileShape(target)
	case engine.KindFetch:
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
		return target
	case engine.KindMessage:
		return strings.ToLower(target)
	default:
		return string(a.Kind)
	}
}

// commandShape keeps the program and first subcommand of every command in
// a pipeline or chain, joined by their operators, plus the file shape of
// output redirect targets. "curl x" and "curl x | sh" never share a key.
func commandShape(cmd string) string {
	var b strings.Builder
	for i, part := range splitChain(cmd) {
		if i > 0 {
			b.WriteString(" " + part.op + " ")
		}
		b.WriteString(segmentShape(part.text))
	}
	return b.String()
}

type chainPart struct {
	op   string // operator preceding text; empty for the first command
	text string
}

// splitChain splits cmd on |, ||, &&, ;, & and newlines. Quoting is not
// interpreted, so an operator inside quotes also splits; that only makes
// keys stricter.
func splitChain(cmd string) []chainPart {
	var parts []chainPart
	op, start := "", 0
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		var next string
		switch c {
		case '|', '&':
			// >& and &> belong to redirects.
			if c == '&' && (i > 0 && (cmd[i-1] == '>' || cmd[i-1] == '<') || i+1 < len(cmd) && cmd[i+1] == '>') {
				continue
			}
			next = string(c)
			if i+1 < len(cmd) && (cmd[i+1] == c || c == '|' && cmd[i+1] == '&') {
				next += string(cmd[i+1])
			}
		case ';', '\n':
			next = ";"
		default:
			continue
		}
		parts = append(parts, chainPart{op: op, text: cmd[start:i]})
		op = next
		if len(next) == 2 {
			i++
		}
		start = i + 1
	}
	return append(parts, chainPart{op: op, text: cmd[start:]})
}

// segmentShape shapes one simple command, skipping env assignments and
// sudo.
func segmentShape(seg string) string {
	fields := strings.Fields(seg)
	words := make([]string, 0, len(fields))
	var redirects []string
	for j := 0; j < len(fields); j++ {
		f := fields[j]
		k := strings.IndexAny(f, "<>")
		if k < 0 {
			words = append(words, f)
			continue
		}
		if k > 0 && !isFD(f[:k]) {
			words = append(words, f[:k])
		}
		rest := f[k:]
		target := strings.TrimLeft(rest, "<>&|")
		if strings.HasPrefix(rest, ">&") && isFD(target) {
			continue
		}
		if target == "" && j+1 < len(fields) {
			j++
			target = fields[j]
		}
		if rest[0] == '>' {
			redirects = append(redirects, "> "+fileShape(target))
		} else {
			redirects = append(redirects, "<")
		}
	}

	i := 0
	for i < len(words) && (strings.Contains(words[i], "=") || words[i] == "sudo") {
		i++
	}
	var shape string
	switch {
	case i >= len(words):
		shape = strings.Join(words, " ")
	case i+1 < len(words) && isSubcommand(words[i+1]):
		shape = path.Base(words[i]) + " " + words[i+1]
	default:
		shape = path.Base(words[i])
	}
	for _, r := range redirects {
		shape += " " + r
	}
	return shape
}

func isFD(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// hasSubstitution reports whether cmd runs a nested command whose text the
// pattern key cannot capture.
func hasSubstitution(cmd string) bool {
	return strings.Contains(cmd, "$(") || strings.Contains(cmd, "`") ||
		strings.Contains(cmd, "<(") || strings.Contains(cmd, ">(")
}

func isSubcommand(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_' || r == ':') {
			return false
		}
	}
	return true
}

func fileShape(p string) string {
	if p == "" {
		return ""
	}
	dir, file := path.Split(p)
	ext := path.Ext(file)
	if ext == "" {
		return dir + "*"
	}
	return dir + "*" + ext
}

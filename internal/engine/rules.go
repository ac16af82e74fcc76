package engine

import (
	"regexp"
	"strings"
)

// QuickRule is one row of the deterministic rule table. A rule matches when
// the action kind is in Kinds (empty = any kind) and Pattern matches the
// whitespace-collapsed target (nil = any target).
type QuickRule struct {
	Name      string
	Kinds     []ActionKind
	Pattern   *regexp.Regexp
	Score     int
	Category  string
	Reasoning string
}

// Assessment converts a matched rule into a rule-sourced assessment.
func (r *QuickRule) Assessment() RiskAssessment {
	return RiskAssessment{
		Score:            r.Score,
		Category:         r.Category,
		Reasoning:        r.Reasoning,
		RecommendedAllow: r.Category == CategorySafe,
		Source:           SourceRule,
		Rule:             r.Name,
	}
}

func (r *QuickRule) matches(a Action, target string) bool {
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == a.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Pattern == nil || r.Pattern.MatchString(target)
}

// cmdStart anchors a shell command at the start of the line, after a shell
// separator, or after a wrapper that executes its arguments.
const cmdStart = `(?:^|[;&|(]\s*|\b(?:sudo|doas|env|nohup|xargs|exec|command|time)\s+(?:-\S+\s+)*)`

// safeArgs matches an argument tail with no shell metacharacters, so
// chained or redirected commands never hit a safe rule.
const safeArgs = "(?:\\s+[^;&|<>$`()\\n]*)?$"

// DefaultQuickRules is the built-in ordered rule table. Destructive rules
// come first so a safe prefix can never mask a dangerous command.
var DefaultQuickRules = []QuickRule{
	{
		Name:      "recursive_root_delete",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `rm\s+(?:-{1,2}[\w-]+\s+)*(?:/\*?|~/?\*?|\$HOME/?\*?)(?:\s|$|[;&|])`),
		Score:     10,
		Category:  CategoryDestructive,
		Reasoning: "deletes the filesystem root or home directory",
	},
	{
		Name:      "system_dir_delete",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `rm\s+(?:-{1,2}[\w-]+\s+)*/(?:bin|boot|dev|etc|lib|lib64|opt|proc|root|sbin|sys|usr|var)/?(?:\s|$|[;&|])`),
		Score:     9,
		Category:  CategoryDestructive,
		Reasoning: "deletes a system directory",
	},
	{
		Name:      "disk_format",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `mkfs(?:\.\w+)?\b`),
		Score:     10,
		Category:  CategoryDestructive,
		Reasoning: "formats a filesystem",
	},
	{
		Name:      "disk_overwrite",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(`\bdd\b.*\bof=/dev/(?:sd|hd|vd|xvd|nvme|disk|mmcblk)`),
		Score:     10,
		Category:  CategoryDestructive,
		Reasoning: "writes raw data to a block device",
	},
	{
		Name:      "device_redirect",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(`>\s*/dev/(?:sd|hd|vd|xvd|nvme|disk|mmcblk)\w*`),
		Score:     10,
		Category:  CategoryDestructive,
		Reasoning: "redirects output onto a block device",
	},
	{
		Name:      "fork_bomb",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(`(\w+|:)\s*\(\)\s*\{\s*(\w+|:)\s*\|\s*(\w+|:)\s*&\s*\}\s*;\s*(\w+|:)`),
		Score:     10,
		Category:  CategoryDestructive,
		Reasoning: "fork bomb",
	},
	{
		Name:      "partition_table",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `(?:fdisk|sfdisk|parted|wipefs)\b`),
		Score:     9,
		Category:  CategoryDestructive,
		Reasoning: "modifies a partition table",
	},
	{
		Name:      "recursive_root_chmod",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `ch(?:mod|own)\s+(?:-\w+\s+)*-\w*R\w*\s+\S+\s+/(?:\s|$)`),
		Score:     9,
		Category:  CategoryDestructive,
		Reasoning: "recursively changes permissions or ownership of the filesystem root",
	},
	{
		Name:      "host_power",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(cmdStart + `(?:shutdown|reboot|halt|poweroff)\b`),
		Score:     9,
		Category:  CategoryDestructive,
		Reasoning: "shuts down or reboots the host",
	},
	{
		Name:      "credential_file_write",
		Kinds:     []ActionKind{KindWrite, KindEdit},
		Pattern:   regexp.MustCompile(`(?:^|/)(?:\.ssh/|\.gnupg/|\.aws/credentials$|\.netrc$|\.npmrc$|\.pypirc$|\.env(?:\.\w+)?$)|^/etc/(?:passwd|shadow|sudoers)`),
		Score:     8,
		Category:  CategoryCredentialAccess,
		Reasoning: "modifies a credential or authentication file",
	},
	{
		Name:      "read_only_kind",
		Kinds:     []ActionKind{KindRead},
		Score:     1,
		Category:  CategorySafe,
		Reasoning: "read-only operation",
	},
	{
		Name:      "read_only_shell",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(`^(?:ls|ll|pwd|whoami|date|echo|cat|head|tail|wc|which|id|uname|hostname|df|du|ps|tree|file|stat|grep|rg)` + safeArgs),
		Score:     1,
		Category:  CategorySafe,
		Reasoning: "read-only shell command",
	},
	{
		Name:      "read_only_git",
		Kinds:     []ActionKind{KindExec},
		Pattern:   regexp.MustCompile(`^git\s+(?:status|log|diff|show|branch|blame|rev-parse)` + safeArgs),
		Score:     1,
		Category:  CategorySafe,
		Reasoning: "read-only git command",
	},
}

// MatchQuickRule returns the first rule in rules matching a.
func MatchQuickRule(rules []QuickRule, a Action) (*QuickRule, bool) {
	target := strings.Join(strings.Fields(a.Target), " ")
	for i := range rules {
		if rules[i].matches(a, target) {
			return &rules[i], true
		}
	}
	return nil, false
}

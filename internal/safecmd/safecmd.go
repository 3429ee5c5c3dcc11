// Package safecmd implements the SafeCommandPolicy pure predicate: given a
// tool-input preview, decide whether it is safe to auto-allow or needs human
// approval. Grounded on the teacher's internal/agent/tools/policy.go
// (SafeBins / IsDangerous / isAllowed), generalized from a single
// exact-match allowlist into the spec's two-list (danger-regex,
// safe-prefix) shape, and stripped of any side effects (no stdin prompts,
// no mutable allowlist) — approval itself is the ApprovalManager's job.
package safecmd

import (
	"encoding/json"
	"regexp"
	"strings"
)

// previewFields are the field names tried, in order, when extracting a
// command string from a structured tool-input preview.
var previewFields = []string{"command", "cmd", "script", "args", "input"}

// DefaultDangerPatterns matches shell constructs that must never be
// auto-allowed: destructive filesystem mutation, privilege escalation,
// process termination, output redirection, subshells, pipe-to-shell, and
// write-style git/curl/wget operations.
var DefaultDangerPatterns = []string{
	`\brm\s+-[a-zA-Z]*r`,
	`\bmv\s`,
	`\bcp\s+-[a-zA-Z]*r`,
	`\bsudo\b`,
	`\bsu\s`,
	`\bchmod\s+777\b`,
	`\bchown\b`,
	`\bdd\s`,
	`\bmkfs\b`,
	`>\s*/dev/`,
	`[^<]>\s*[^=]`, // output redirection (a `>` directly followed by `=`, as in `>=`, is not matched)
	`\bkill\s`,
	`\bkillall\b`,
	`\bpkill\b`,
	`\bshutdown\b`,
	`\breboot\b`,
	"`[^`]*`",
	`\$\(`,
	`\|\s*(sh|bash|zsh)\b`,
	`\bgit\s+push\s+.*--force`,
	`\bgit\s+reset\s+--hard`,
	`\bgit\s+clean\s+-[a-zA-Z]*f`,
	`\bcurl\s+.*-X\s*(POST|PUT|DELETE|PATCH)`,
	`\bcurl\s+.*\|\s*(sh|bash)`,
	`\bwget\s+.*\|\s*(sh|bash)`,
}

// DefaultSafePrefixes are command prefixes that are always allowed once the
// danger check has passed: read-only filesystem viewers, read-only git,
// version/list/show subcommands, standard build-and-test scripts, and
// common text processing.
var DefaultSafePrefixes = []string{
	"ls", "pwd", "cat", "head", "tail", "grep", "rg", "find", "which", "type",
	"jq", "yq", "cut", "sort", "uniq", "wc", "env", "printenv",
	"git status", "git log", "git diff", "git branch", "git show",
	"go version", "go vet", "go build", "go test",
	"node --version", "python --version", "python3 --version",
	"npm run build", "npm run test", "npm test",
	"yarn build", "yarn test",
	"tsc --noEmit",
}

// Policy is an immutable, side-effect-free predicate. Same input always
// yields the same decision (P9).
type Policy struct {
	danger []*regexp.Regexp
	safe   []string
}

// New builds a Policy from the given danger regex patterns and safe
// prefixes. Passing nil for either uses the package defaults.
func New(dangerPatterns, safePrefixes []string) *Policy {
	if dangerPatterns == nil {
		dangerPatterns = DefaultDangerPatterns
	}
	if safePrefixes == nil {
		safePrefixes = DefaultSafePrefixes
	}
	p := &Policy{safe: append([]string(nil), safePrefixes...)}
	for _, pat := range dangerPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		p.danger = append(p.danger, re)
	}
	return p
}

// Default returns a Policy built from the package default lists.
func Default() *Policy {
	return New(nil, nil)
}

// envPrefix strips a single leading "env VAR=value ..." segment, per §4.6
// step 2.
var envPrefix = regexp.MustCompile(`^env(\s+[A-Za-z_][A-Za-z0-9_]*=\S+)+\s+`)

// IsSafe reports whether the extracted command text may be auto-allowed.
func (p *Policy) IsSafe(preview any) bool {
	cmd := extract(preview)
	if cmd == "" {
		return false
	}
	return p.isSafeString(cmd)
}

func (p *Policy) isSafeString(cmd string) bool {
	for _, re := range p.danger {
		if re.MatchString(cmd) {
			return false
		}
	}

	remainder := envPrefix.ReplaceAllString(strings.TrimSpace(cmd), "")
	remainder = strings.TrimSpace(remainder)

	for _, prefix := range p.safe {
		if remainder == prefix || strings.HasPrefix(remainder, prefix+" ") {
			return true
		}
	}
	return false
}

// extract pulls a command string out of an opaque tool-input preview. It
// accepts a raw string, a json.RawMessage/[]byte, or any value that
// marshals to JSON. For an object it tries the known field names in order,
// then the sole value of a single-key object; any other object yields "".
// JSON that is not an object is used as the command text itself.
func extract(preview any) string {
	switch v := preview.(type) {
	case string:
		return v
	case []byte:
		return extractFromJSON(v)
	case json.RawMessage:
		return extractFromJSON(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return extractFromJSON(data)
	}
}

func extractFromJSON(data []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		// not an object; treat the raw bytes as the command text
		return strings.Trim(string(data), `"`)
	}
	for _, field := range previewFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return string(raw)
	}
	if len(obj) == 1 {
		for _, raw := range obj {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
			return string(raw)
		}
	}
	return ""
}

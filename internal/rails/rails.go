// Package rails publishes the two safety artifacts every execution path in
// pocketpaw consults before it touches a shell or the filesystem: a
// dangerous-command pattern set and a path-jail check. Grounded on the
// teacher's internal/tools/security shell analyzer and internal/tools/files
// resolver, trimmed to the exact fixed pattern set the spec names rather
// than a general shell-metacharacter classifier.
package rails

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Verdict is the result of checking a command against the dangerous-command
// pattern set. Rails never auto-fix; they only allow or refuse.
type Verdict struct {
	Blocked bool
	Reason  string
}

type dangerousPattern struct {
	label string
	re    *regexp.Regexp
}

type dangerousSubstring struct {
	label     string
	substring string
}

// compiledPatterns covers destructive file ops, remote-code execution,
// privilege escalation, system-level actions, and fork bombs.
var compiledPatterns = []dangerousPattern{
	{"destructive rm", regexp.MustCompile(`\brm\s+(-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*)\s+/(\s|$)`)},
	{"filesystem format", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"raw disk write", regexp.MustCompile(`\bdd\s+if=`)},
	{"overwrite system path", regexp.MustCompile(`>\s*/etc/`)},
	{"privilege escalation", regexp.MustCompile(`\bchmod\s+777\s+/(\s|$)`)},
	{"firewall flush", regexp.MustCompile(`\biptables\s+-f\b`)},
	{"remote code execution", regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba)?sh\b`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\|\s*:\s*&\s*\}\s*;\s*:`)},
}

var dangerousSubstrings = []dangerousSubstring{
	{"remote code execution", "curl|sh"},
	{"remote code execution", "curl | sh"},
	{"remote code execution", "wget|sh"},
	{"remote code execution", "wget | sh"},
	{"system shutdown", "shutdown"},
	{"system reboot", "reboot"},
}

// CheckCommand matches cmd against the dangerous-command pattern set (both
// compiled regexes and literal substrings). A match blocks before any other
// processing.
func CheckCommand(cmd string) Verdict {
	lower := strings.ToLower(cmd)
	for _, p := range compiledPatterns {
		if p.re.MatchString(lower) {
			return Verdict{Blocked: true, Reason: fmt.Sprintf("matched dangerous pattern: %s", p.label)}
		}
	}
	for _, s := range dangerousSubstrings {
		if strings.Contains(lower, s.substring) {
			return Verdict{Blocked: true, Reason: fmt.Sprintf("matched dangerous pattern: %s", s.label)}
		}
	}
	return Verdict{}
}

// Jail resolves and canonicalizes a candidate path against root and verifies
// it remains within root. All file-read, file-write, and directory-list
// tools must call this before any I/O.
type Jail struct {
	root string
}

// NewJail canonicalizes root once at construction.
func NewJail(root string) (*Jail, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("rails: resolve jail root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Root may not exist yet; fall back to the cleaned absolute path.
		resolved = filepath.Clean(abs)
	}
	return &Jail{root: resolved}, nil
}

// Resolve canonicalizes path (which may be relative to the jail root) and
// returns an error if it escapes the jail.
func (j *Jail) Resolve(path string) (string, error) {
	var candidate string
	if filepath.IsAbs(path) {
		candidate = filepath.Clean(path)
	} else {
		candidate = filepath.Join(j.root, path)
	}

	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	}

	rel, err := filepath.Rel(j.root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("rails: path escapes workspace jail: %s", path)
	}
	return candidate, nil
}

// Root returns the jail's canonical root directory.
func (j *Jail) Root() string {
	return j.root
}

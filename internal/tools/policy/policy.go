// Package policy implements the tool allow/deny vocabulary used by the
// agent's tool registry: named profiles, explicit allow/deny lists, group
// labels ("group:fs"), and wildcard patterns ("mcp:github:*").
package policy

import "strings"

// Profile is a named default allow-set for tool invocation.
type Profile struct {
	Name    string
	Allow   []string
	Groups  []string
}

// Built-in profiles referenced by name in configuration.
var (
	ProfileCoding = Profile{
		Name:   "coding",
		Allow:  []string{"read_file", "write_file", "list_dir", "edit_file"},
		Groups: []string{"group:fs"},
	}
	ProfileFull = Profile{
		Name:  "full",
		Allow: []string{"*"},
	}
	ProfileReadonly = Profile{
		Name:   "readonly",
		Allow:  []string{"read_file", "list_dir"},
		Groups: []string{"group:fs:read"},
	}
)

var builtinProfiles = map[string]Profile{
	ProfileCoding.Name:   ProfileCoding,
	ProfileFull.Name:     ProfileFull,
	ProfileReadonly.Name: ProfileReadonly,
}

// LookupProfile returns a built-in profile by name.
func LookupProfile(name string) (Profile, bool) {
	p, ok := builtinProfiles[name]
	return p, ok
}

// groupMembers maps a group label to the tool names/patterns it expands to.
// Groups let a policy refer to "group:fs" instead of enumerating every
// filesystem tool.
var groupMembers = map[string][]string{
	"group:fs":        {"read_file", "write_file", "list_dir", "edit_file", "delete_file"},
	"group:fs:read":   {"read_file", "list_dir"},
	"group:shell":     {"shell", "exec"},
	"group:mcp":       {"mcp:*"},
	"group:messaging": {"send_reminder", "schedule_reminder"},
}

// NormalizeTool lowercases and trims a tool name or pattern for comparison.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Expand resolves group labels within entries into their concrete tool
// name/pattern members, leaving plain names and wildcard patterns untouched.
func Expand(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if members, ok := groupMembers[NormalizeTool(e)]; ok {
			out = append(out, members...)
			continue
		}
		out = append(out, e)
	}
	return out
}

// Policy is a resolved allow/deny configuration for one session or agent.
// Profile supplies the default allow-set; Allow and Deny are explicit
// overrides layered on top of it.
type Policy struct {
	Profile string   `yaml:"profile" json:"profile"`
	Allow   []string `yaml:"allow" json:"allow"`
	Deny    []string `yaml:"deny" json:"deny"`
}

// Resolver evaluates Policy values against concrete tool names. It holds no
// state of its own; it exists so callers can swap matching strategy (e.g.
// case folding, alias tables) without touching every call site.
type Resolver struct{}

// NewResolver returns a Resolver using the default matching rules.
func NewResolver() *Resolver {
	return &Resolver{}
}

// CanonicalName normalizes a tool name for comparison.
func (r *Resolver) CanonicalName(name string) string {
	return NormalizeTool(name)
}

// IsAllowed reports whether toolName is permitted under p: the deny list
// wins outright, then the explicit allow list, then the named profile's
// default allow-set.
func (r *Resolver) IsAllowed(p *Policy, toolName string) bool {
	if p == nil {
		return true
	}
	if Matches(p.Deny, toolName) {
		return false
	}
	if Matches(p.Allow, toolName) {
		return true
	}
	if p.Profile != "" {
		if prof, ok := LookupProfile(p.Profile); ok {
			if Matches(prof.Allow, toolName) || Matches(prof.Groups, toolName) {
				return true
			}
		}
	}
	return false
}

// Matches reports whether toolName matches any of the given patterns. Entries
// may be exact tool names, group labels (expanded via Expand), or wildcard
// patterns using a trailing "*" (prefix match) or the literal "mcp:*".
func Matches(patterns []string, toolName string) bool {
	tool := NormalizeTool(toolName)
	for _, raw := range Expand(patterns) {
		p := NormalizeTool(raw)
		if p == "" {
			continue
		}
		if p == "*" || p == tool {
			return true
		}
		if p == "mcp:*" && strings.HasPrefix(tool, "mcp:") {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(tool, strings.TrimSuffix(p, "*")) {
			return true
		}
		if strings.HasPrefix(p, "*") && strings.HasSuffix(tool, strings.TrimPrefix(p, "*")) {
			return true
		}
	}
	return false
}

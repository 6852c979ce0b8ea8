// Package capability infers a delegated task's required capabilities from
// its prompt text, for routing when the caller doesn't declare them
// explicitly via Task.To.Capabilities.
package capability

import "strings"

// rule maps a set of keywords to the capability they imply. Grounded on
// the static AgentTypeConfig.Capabilities tagging convention
// (internal/agent/registry/defaults.go), turned into a runtime inference
// function since matching now happens against free-form prompt text
// instead of a fixed agent image.
type rule struct {
	capability string
	keywords   []string
}

var rules = []rule{
	{capability: "code_generation", keywords: []string{"implement", "write", "add", "create", "build", "generate"}},
	{capability: "code_review", keywords: []string{"review", "audit", "critique", "feedback on"}},
	{capability: "refactoring", keywords: []string{"refactor", "clean up", "restructure", "simplify", "rename"}},
	{capability: "testing", keywords: []string{"test", "coverage", "unit test", "e2e", "regression"}},
	{capability: "debugging", keywords: []string{"debug", "fix", "bug", "crash", "error", "broken", "failing"}},
	{capability: "shell_execution", keywords: []string{"run", "execute", "deploy", "script"}},
	{capability: "documentation", keywords: []string{"document", "docs", "readme", "comment"}},
}

// Infer returns the capabilities implied by prompt's keywords, lowercase
// and de-duplicated in rule order. Returns nil if nothing matches — the
// caller should fall back to Task.To.Capabilities or match on prompt
// wildcard.
func Infer(prompt string) []string {
	lower := strings.ToLower(prompt)
	var out []string
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, r.capability)
				break
			}
		}
	}
	return out
}

// Package security provides a pluggable hook for scanning task prompts
// before they enter the queue (§4.2's enqueue step). Grounded on the
// teacher's permissive-default-policy convention
// (internal/agent/mcpconfig/policy.go's DefaultPolicyForRuntime), adapted
// from a static per-runtime config value to a scan-time interface.
package security

import "context"

// Verdict is the result of scanning a prompt.
type Verdict struct {
	// Flagged is true if the scan found something concerning.
	Flagged bool
	// Critical escalates Flagged into a hard rejection (Lifecycle.enqueue
	// fails with errs.KindBlocked) rather than a soft warning.
	Critical bool
	// Reason is a human-readable explanation, set whenever Flagged is true.
	Reason string
}

// Scanner inspects a task prompt for content that should block or flag
// enqueueing. Implementations may call out to a moderation API, run
// local heuristics, or (the default) do nothing.
type Scanner interface {
	Scan(ctx context.Context, prompt string) (Verdict, error)
}

// Permissive is the default Scanner: it never flags anything. The broker
// ships no content-moderation policy of its own; a real Scanner is passed
// as lifecycle.New's scanner argument (nil selects Permissive).
type Permissive struct{}

var _ Scanner = Permissive{}

func (Permissive) Scan(ctx context.Context, prompt string) (Verdict, error) {
	return Verdict{}, nil
}

// Package assembler builds the per-request context package handed to the
// text-completion capability: trailing conversation history, the current
// message, and any external facts, kept under a character budget.
package assembler

import (
	"strconv"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
)

// DefaultBudget is the character budget applied when none is configured.
const DefaultBudget = 4000

// Package is the ephemeral, per-request context bundle. It is never
// persisted and never shared across requests.
type Package struct {
	UserID string
	// History is chronological (oldest first), possibly truncated.
	History []domain.Entry
	Current string
	Facts   []domain.ExternalFact
	// Metadata records observability details such as truncated_entries.
	Metadata map[string]string
}

// Builder assembles context packages under a fixed character budget.
type Builder struct {
	budget int
}

// New creates a Builder. A non-positive budget falls back to DefaultBudget.
func New(budget int) *Builder {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Builder{budget: budget}
}

// Budget returns the configured character budget.
func (b *Builder) Budget() int {
	return b.budget
}

// Build assembles a Package from the given history, current message, and
// facts. When the total content size exceeds the budget, history entries
// are dropped oldest first until it fits; the current message and the facts
// are never dropped. The drop count is recorded in the package metadata so
// truncation is observable, never silent. Build does not fail on oversize
// input.
func (b *Builder) Build(userID string, history []domain.Entry, current string, facts []domain.ExternalFact) Package {
	fixed := len(current)
	for _, f := range facts {
		fixed += len(f.Key) + len(f.Value)
	}

	kept := history
	dropped := 0
	for len(kept) > 0 && fixed+historySize(kept) > b.budget {
		kept = kept[1:]
		dropped++
	}

	out := make([]domain.Entry, len(kept))
	copy(out, kept)

	pkg := Package{
		UserID:  userID,
		History: out,
		Current: current,
		Facts:   facts,
	}
	if dropped > 0 {
		pkg.Metadata = map[string]string{
			"truncated_entries": strconv.Itoa(dropped),
		}
	}
	return pkg
}

func historySize(entries []domain.Entry) int {
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	return total
}

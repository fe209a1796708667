// Package flags resolves the portal's feature toggles through one typed
// provider. Optimistic mutations are gated twice: a global kill switch and a
// per-domain toggle, and both must be enabled.
package flags

// Toggle names a feature switch.
type Toggle string

const (
	// OptimisticMutations is the global optimistic-mutation switch. Turning
	// it off suppresses speculative patching everywhere without touching the
	// per-domain toggles.
	OptimisticMutations Toggle = "optimistic_mutations"

	OptimisticLeads        Toggle = "optimistic_leads"
	OptimisticEstimating   Toggle = "optimistic_estimating"
	OptimisticDeliverables Toggle = "optimistic_deliverables"
)

// Provider answers whether a toggle is enabled. Lookups are synchronous and
// process-wide.
type Provider interface {
	Enabled(Toggle) bool
}

// Static is a fixed in-memory provider. Missing toggles read as disabled.
type Static map[Toggle]bool

func (s Static) Enabled(t Toggle) bool { return s[t] }

// Optimistic reports whether optimistic mode is active for the given domain
// toggle: the global switch and the domain switch must both be enabled.
func Optimistic(p Provider, domainToggle Toggle) bool {
	if p == nil {
		return false
	}
	return p.Enabled(OptimisticMutations) && p.Enabled(domainToggle)
}

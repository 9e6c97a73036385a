package schema

import (
	"fmt"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
)

// Action is the outcome of a compatibility check.
type Action string

const (
	// ActionProceed means local structure can serve the sync cycle.
	ActionProceed Action = "proceed"
	// ActionRebuild means local storage must be wiped and recreated, and
	// the user re-authenticated.
	ActionRebuild Action = "rebuild"
)

// CompatResult reports whether sync may proceed against local storage.
type CompatResult struct {
	Action Action
	Reason string
}

// EnsureCompatible compares local structural facts against the snapshot.
// Without a snapshot the check only signals rebuild when local
// introspection itself fails; with one, any snapshot column missing
// locally means local structure cannot be reconciled in place.
func (r *Reconciler) EnsureCompatible(snap *Snapshot) CompatResult {
	if snap == nil {
		if _, err := r.localSnapshot(); err != nil {
			return CompatResult{Action: ActionRebuild, Reason: fmt.Sprintf("local introspection failed: %v", err)}
		}
		return CompatResult{Action: ActionProceed}
	}

	for name, ts := range snap.Tables {
		if !models.IsTable(name) {
			// Server may know tables this client version does not sync.
			continue
		}
		local, err := r.store.Columns(models.Table(name))
		if err != nil {
			return CompatResult{Action: ActionRebuild, Reason: fmt.Sprintf("cannot introspect %s: %v", name, err)}
		}
		have := make(map[string]bool, len(local))
		for _, c := range local {
			have[c.Name] = true
		}
		for _, col := range ts.Columns {
			if !have[col.Name] {
				return CompatResult{
					Action: ActionRebuild,
					Reason: fmt.Sprintf("table %s is missing column %s", name, col.Name),
				}
			}
		}
	}
	return CompatResult{Action: ActionProceed}
}

// Package access decides which machines a caller may see.
package access

import "github.com/playok/fleetmon/internal/model"

// CanView reports whether caller may see m. Admins see everything; other
// users see only machines they own.
func CanView(m *model.Machine, caller model.Caller) bool {
	if m == nil {
		return false
	}
	if caller.IsAdmin() {
		return true
	}
	return m.OwnerID != nil && *m.OwnerID == caller.UserID
}

// FilterMachines returns the subset of machines visible to caller, preserving
// input order. The input slice is not modified.
func FilterMachines(machines []model.Machine, caller model.Caller) []model.Machine {
	out := make([]model.Machine, 0, len(machines))
	for i := range machines {
		if CanView(&machines[i], caller) {
			out = append(out, machines[i])
		}
	}
	return out
}

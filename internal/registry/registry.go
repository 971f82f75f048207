// Package registry maintains machine identity, capacity and hosting edges.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/playok/fleetmon/internal/access"
	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/events"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

// Registry is the machine registry service.
type Registry struct {
	store   *store.Store
	events  *events.Emitter
	metrics *telemetry.Metrics
	log     logr.Logger
}

// New creates a Registry. events and metrics may be nil.
func New(st *store.Store, em *events.Emitter, m *telemetry.Metrics, log logr.Logger) *Registry {
	return &Registry{store: st, events: em, metrics: m, log: log.WithName("registry")}
}

// Register upserts the machine described by reg and attaches its VMs.
// It reports whether the hostname was new.
func (r *Registry) Register(ctx context.Context, reg *model.Registration) (*model.Machine, bool, error) {
	if err := validate(reg); err != nil {
		return nil, false, err
	}
	reg.VMList = normalizeVMList(reg.Hostname, reg.VMList)

	m, created, err := r.store.RegisterMachine(ctx, reg)
	if err != nil {
		return nil, false, fmt.Errorf("register %q: %w", reg.Hostname, err)
	}

	vms := 0
	if reg.IsHypervisor {
		vms = len(reg.VMList)
	}
	r.metrics.Registration(created)
	r.log.Info("machine registered", "hostname", m.Hostname, "id", m.ID, "created", created, "vms", vms)
	r.events.MachineRegistered(ctx, events.MachineRegistered{
		Hostname:  m.Hostname,
		MachineID: m.ID,
		Created:   created,
		VMCount:   vms,
		Time:      time.Now().UTC(),
	})
	return m, created, nil
}

func validate(reg *model.Registration) error {
	if reg == nil || strings.TrimSpace(reg.Hostname) == "" {
		return model.Invalid("hostname", "hostname is required")
	}
	if reg.MaxCores != nil && *reg.MaxCores < 0 {
		return model.Invalid("max_cores", "must not be negative")
	}
	return nil
}

// normalizeVMList trims entries and drops blanks, duplicates and self.
func normalizeVMList(self string, vms []string) []string {
	seen := make(map[string]struct{}, len(vms))
	out := make([]string, 0, len(vms))
	for _, vm := range vms {
		vm = strings.TrimSpace(vm)
		if vm == "" || vm == self {
			continue
		}
		if _, dup := seen[vm]; dup {
			continue
		}
		seen[vm] = struct{}{}
		out = append(out, vm)
	}
	return out
}

// List returns the machines visible to caller, ordered by id.
func (r *Registry) List(ctx context.Context, caller model.Caller) ([]model.Machine, error) {
	all, err := r.store.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	return access.FilterMachines(all, caller), nil
}

// Get returns one machine. Machines the caller may not see are reported as
// store.ErrNotFound so their existence does not leak.
func (r *Registry) Get(ctx context.Context, caller model.Caller, hostname string) (*model.Machine, error) {
	m, err := r.store.GetMachine(ctx, hostname)
	if err != nil {
		return nil, err
	}
	if !access.CanView(m, caller) {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// Delete removes a machine with its samples. Admin only.
func (r *Registry) Delete(ctx context.Context, caller model.Caller, hostname string) error {
	if !caller.IsAdmin() {
		return auth.ErrForbidden
	}
	if err := r.store.DeleteMachine(ctx, hostname); err != nil {
		return err
	}
	r.log.Info("machine deleted", "hostname", hostname, "by", caller.UserID)
	return nil
}

// AssignOwner sets or, with a nil userID, clears the owner of a machine.
// Admin only.
func (r *Registry) AssignOwner(ctx context.Context, caller model.Caller, hostname string, userID *int64) (*model.Machine, error) {
	if !caller.IsAdmin() {
		return nil, auth.ErrForbidden
	}
	if userID != nil {
		if _, err := r.store.GetUser(ctx, *userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, model.Invalid("owner_id", "unknown user")
			}
			return nil, err
		}
	}
	m, err := r.store.SetMachineOwner(ctx, hostname, userID)
	if err != nil {
		return nil, err
	}
	r.log.Info("owner assigned", "hostname", hostname, "owner", userID)
	return m, nil
}

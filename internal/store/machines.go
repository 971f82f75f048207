package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/playok/fleetmon/internal/model"
)

const machineColumns = "machine_id, hostname, platform, is_hypervisor, max_cores, max_memory, max_disk, owner_id, hosted_on_id"

// maxHostingDepth bounds walks up the hosted_on chain.
const maxHostingDepth = 64

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanMachine(row rowScanner) (*model.Machine, error) {
	var (
		m                           model.Machine
		platform                    sql.NullString
		hv                          int
		cores, mem, disk, own, host sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Hostname, &platform, &hv, &cores, &mem, &disk, &own, &host); err != nil {
		return nil, err
	}
	m.IsHypervisor = hv != 0
	if platform.Valid {
		m.Platform = &platform.String
	}
	if cores.Valid {
		m.MaxCores = &cores.Int64
	}
	if mem.Valid {
		v := uint64(mem.Int64)
		m.MaxMemory = &v
	}
	if disk.Valid {
		v := uint64(disk.Int64)
		m.MaxDisk = &v
	}
	if own.Valid {
		m.OwnerID = &own.Int64
	}
	if host.Valid {
		m.HostedOnID = &host.Int64
	}
	return &m, nil
}

// RegisterMachine upserts reg by hostname and, for hypervisors, attaches every
// VM in reg.VMList to it. Everything happens in one transaction. VMs are
// forced to is_hypervisor = 0. The caller is expected to have normalized
// VMList (no blanks, no duplicates, no self reference).
func (s *Store) RegisterMachine(ctx context.Context, reg *model.Registration) (*model.Machine, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	created, err := upsertMachine(ctx, tx, reg)
	if err != nil {
		return nil, false, fmt.Errorf("upsert %q: %w", reg.Hostname, err)
	}
	hv, err := machineByHostname(ctx, tx, reg.Hostname)
	if err != nil {
		return nil, false, err
	}

	if reg.IsHypervisor {
		for _, vm := range reg.VMList {
			if vm == hv.Hostname {
				continue
			}
			if err := attachVM(ctx, tx, hv.ID, vm); err != nil {
				return nil, false, fmt.Errorf("attach vm %q: %w", vm, err)
			}
		}
		// attachVM may have cleared the hypervisor's own hosting edge.
		if hv, err = machineByHostname(ctx, tx, reg.Hostname); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return hv, created, nil
}

func upsertMachine(ctx context.Context, q querier, reg *model.Registration) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO machines (hostname, platform, is_hypervisor, max_cores, max_memory, max_disk)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(hostname) DO NOTHING`,
		reg.Hostname, nullString(reg.Platform), boolToInt(reg.IsHypervisor),
		nullInt(reg.MaxCores), nullUint(reg.MaxMemory), nullUint(reg.MaxDisk))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE machines
		SET platform = ?, is_hypervisor = ?, max_cores = ?, max_memory = ?, max_disk = ?
		WHERE hostname = ?`,
		nullString(reg.Platform), boolToInt(reg.IsHypervisor),
		nullInt(reg.MaxCores), nullUint(reg.MaxMemory), nullUint(reg.MaxDisk), reg.Hostname)
	return false, err
}

func attachVM(ctx context.Context, q querier, hvID int64, hostname string) error {
	if _, err := q.ExecContext(ctx,
		"INSERT INTO machines (hostname, is_hypervisor) VALUES (?, 0) ON CONFLICT(hostname) DO NOTHING",
		hostname); err != nil {
		return err
	}
	var vmID int64
	if err := q.QueryRowContext(ctx, "SELECT machine_id FROM machines WHERE hostname = ?", hostname).Scan(&vmID); err != nil {
		return err
	}

	ancestor, err := isAncestor(ctx, q, hvID, vmID)
	if err != nil {
		return err
	}
	if ancestor {
		// The hypervisor's latest report wins: drop its stale upward edge.
		if _, err := q.ExecContext(ctx, "UPDATE machines SET hosted_on_id = NULL WHERE machine_id = ?", hvID); err != nil {
			return err
		}
	}

	_, err = q.ExecContext(ctx,
		"UPDATE machines SET hosted_on_id = ?, is_hypervisor = 0 WHERE machine_id = ?",
		hvID, vmID)
	return err
}

// isAncestor reports whether candidate appears on the hosted_on chain above id.
func isAncestor(ctx context.Context, q querier, id, candidate int64) (bool, error) {
	cur := id
	for i := 0; i < maxHostingDepth; i++ {
		var parent sql.NullInt64
		err := q.QueryRowContext(ctx, "SELECT hosted_on_id FROM machines WHERE machine_id = ?", cur).Scan(&parent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, err
		}
		if !parent.Valid {
			return false, nil
		}
		if parent.Int64 == candidate {
			return true, nil
		}
		cur = parent.Int64
	}
	return false, nil
}

func machineByHostname(ctx context.Context, q querier, hostname string) (*model.Machine, error) {
	row := q.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE hostname = ?", hostname)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// GetMachine returns the machine with the given hostname (exact match).
func (s *Store) GetMachine(ctx context.Context, hostname string) (*model.Machine, error) {
	return machineByHostname(ctx, s.db, hostname)
}

// GetMachineByID returns the machine with the given id.
func (s *Store) GetMachineByID(ctx context.Context, id int64) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+machineColumns+" FROM machines WHERE machine_id = ?", id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMachines returns every machine ordered by id.
func (s *Store) ListMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+machineColumns+" FROM machines ORDER BY machine_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// MachineID resolves a hostname to its id.
func (s *Store) MachineID(ctx context.Context, hostname string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT machine_id FROM machines WHERE hostname = ?", hostname).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// DeleteMachine removes a machine. Its samples and dashboards go with it and
// VMs it hosted are detached.
func (s *Store) DeleteMachine(ctx context.Context, hostname string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM machines WHERE hostname = ?", hostname)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMachineOwner assigns (or with nil, clears) the owning user.
func (s *Store) SetMachineOwner(ctx context.Context, hostname string, ownerID *int64) (*model.Machine, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE machines SET owner_id = ? WHERE hostname = ?", nullInt(ownerID), hostname)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetMachine(ctx, hostname)
}

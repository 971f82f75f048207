package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/playok/fleetmon/internal/model"
)

const dashboardColumns = "dashboard_id, user_id, machine_id, admin_only, show_cpu_usage, show_memory_usage, show_disk_usage"

func scanDashboard(row rowScanner) (*model.DashboardPreference, error) {
	var d model.DashboardPreference
	var adminOnly, cpu, mem, disk int
	if err := row.Scan(&d.ID, &d.UserID, &d.MachineID, &adminOnly, &cpu, &mem, &disk); err != nil {
		return nil, err
	}
	d.AdminOnly = adminOnly != 0
	d.ShowCPUUsage = cpu != 0
	d.ShowMemoryUsage = mem != 0
	d.ShowDiskUsage = disk != 0
	return &d, nil
}

// ListDashboards returns the preferences saved by a user.
func (s *Store) ListDashboards(ctx context.Context, userID int64) ([]model.DashboardPreference, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+dashboardColumns+" FROM saved_dashboards WHERE user_id = ? ORDER BY dashboard_id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []model.DashboardPreference
	for rows.Next() {
		d, err := scanDashboard(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

// GetDashboard returns a preference owned by userID.
func (s *Store) GetDashboard(ctx context.Context, id, userID int64) (*model.DashboardPreference, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+dashboardColumns+" FROM saved_dashboards WHERE dashboard_id = ? AND user_id = ?", id, userID)
	d, err := scanDashboard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// CreateDashboard inserts a new preference and returns the ID.
func (s *Store) CreateDashboard(ctx context.Context, d *model.DashboardPreference) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO saved_dashboards (user_id, machine_id, admin_only, show_cpu_usage, show_memory_usage, show_disk_usage) VALUES (?, ?, ?, ?, ?, ?)",
		d.UserID, d.MachineID, boolToInt(d.AdminOnly), boolToInt(d.ShowCPUUsage), boolToInt(d.ShowMemoryUsage), boolToInt(d.ShowDiskUsage))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateDashboard updates the visibility flags of an existing preference.
func (s *Store) UpdateDashboard(ctx context.Context, d *model.DashboardPreference) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE saved_dashboards SET admin_only = ?, show_cpu_usage = ?, show_memory_usage = ?, show_disk_usage = ? WHERE dashboard_id = ? AND user_id = ?",
		boolToInt(d.AdminOnly), boolToInt(d.ShowCPUUsage), boolToInt(d.ShowMemoryUsage), boolToInt(d.ShowDiskUsage), d.ID, d.UserID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeleteDashboard deletes a preference owned by userID.
func (s *Store) DeleteDashboard(ctx context.Context, id, userID int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM saved_dashboards WHERE dashboard_id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/playok/fleetmon/internal/model"
)

const sampleColumns = "metric_id, machine_id, timestamp, cpu_usage, memory_usage, disk_usage"

// SampleQuery selects a window of samples for one machine. Bounds are
// inclusive and either may be nil.
type SampleQuery struct {
	Start      *time.Time
	End        *time.Time
	Descending bool
	Limit      int
}

func scanSample(row rowScanner) (*model.MetricSample, error) {
	var (
		m         model.MetricSample
		ts        int64
		cpu       sql.NullFloat64
		mem, disk string
	)
	if err := row.Scan(&m.ID, &m.MachineID, &ts, &cpu, &mem, &disk); err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMicro(ts).UTC()
	if cpu.Valid {
		m.CPUUsage = &cpu.Float64
	}
	m.MemoryUsage = model.Payload(mem)
	m.DiskUsage = model.Payload(disk)
	return &m, nil
}

// InsertSample appends one sample and returns its id. Payloads are stored as
// given; callers compact them first.
func (s *Store) InsertSample(ctx context.Context, m *model.MetricSample) (int64, error) {
	var cpu any
	if m.CPUUsage != nil {
		cpu = *m.CPUUsage
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO metric_samples (machine_id, timestamp, cpu_usage, memory_usage, disk_usage) VALUES (?, ?, ?, ?, ?)",
		m.MachineID, m.Timestamp.UTC().UnixMicro(), cpu, string(m.MemoryUsage), string(m.DiskUsage))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestSample returns the newest sample of a machine.
func (s *Store) LatestSample(ctx context.Context, machineID int64) (*model.MetricSample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+`
		FROM metric_samples
		WHERE machine_id = ?
		ORDER BY timestamp DESC, metric_id DESC
		LIMIT 1`, machineID)
	m, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// QuerySamples returns samples of a machine ordered by (timestamp, id) in the
// requested direction.
func (s *Store) QuerySamples(ctx context.Context, machineID int64, q SampleQuery) ([]model.MetricSample, error) {
	var (
		where = []string{"machine_id = ?"}
		args  = []any{machineID}
	)
	if q.Start != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Start.UTC().UnixMicro())
	}
	if q.End != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, q.End.UTC().UnixMicro())
	}

	dir := "ASC"
	if q.Descending {
		dir = "DESC"
	}
	query := "SELECT " + sampleColumns + " FROM metric_samples WHERE " + strings.Join(where, " AND ") +
		" ORDER BY timestamp " + dir + ", metric_id " + dir
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.MetricSample
	for rows.Next() {
		m, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// CountSamples returns how many samples a machine has.
func (s *Store) CountSamples(ctx context.Context, machineID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metric_samples WHERE machine_id = ?", machineID).Scan(&n)
	return n, err
}

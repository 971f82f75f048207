package store

import "database/sql"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE IF NOT EXISTS machines (
		machine_id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL UNIQUE,
		platform TEXT,
		is_hypervisor INTEGER NOT NULL DEFAULT 0,
		max_cores INTEGER,
		max_memory INTEGER,
		max_disk INTEGER,
		owner_id INTEGER REFERENCES users(user_id) ON DELETE SET NULL,
		hosted_on_id INTEGER REFERENCES machines(machine_id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_machines_owner ON machines(owner_id);
	CREATE INDEX IF NOT EXISTS idx_machines_hosted_on ON machines(hosted_on_id);`,

	`CREATE TABLE IF NOT EXISTS metric_samples (
		metric_id INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(machine_id) ON DELETE CASCADE,
		timestamp INTEGER NOT NULL,
		cpu_usage REAL,
		memory_usage TEXT NOT NULL DEFAULT 'null',
		disk_usage TEXT NOT NULL DEFAULT 'null'
	);
	CREATE INDEX IF NOT EXISTS idx_samples_machine_ts ON metric_samples(machine_id, timestamp, metric_id);`,

	`CREATE TABLE IF NOT EXISTS saved_dashboards (
		dashboard_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		machine_id INTEGER NOT NULL REFERENCES machines(machine_id) ON DELETE CASCADE,
		admin_only INTEGER NOT NULL DEFAULT 0,
		show_cpu_usage INTEGER NOT NULL DEFAULT 1,
		show_memory_usage INTEGER NOT NULL DEFAULT 1,
		show_disk_usage INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_dashboards_user ON saved_dashboards(user_id);`,

	`CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);`,
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

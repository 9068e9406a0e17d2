package registry

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/log"
)

//go:embed migrations/*.sql
var sqliteMigrations embed.FS

// SQLiteCheckpoint is an alternate durable checkpoint backend, grounded
// on the teacher's DurableRegistry runtime/persisted split. It is an
// opt-in companion to the JSON file checkpoint, never the default, and
// exists to give ncruces/go-sqlite3 and golang-migrate a concrete home.
type SQLiteCheckpoint struct {
	db *sql.DB
}

// OpenSQLiteCheckpoint opens (creating if absent) a sqlite database at path
// and applies the embedded schema migrations.
func OpenSQLiteCheckpoint(path string) (*SQLiteCheckpoint, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, argoerr.Wrap(argoerr.SystemFile, "open sqlite checkpoint", err)
	}

	src, err := iofs.New(sqliteMigrations, "migrations")
	if err != nil {
		return nil, argoerr.Wrap(argoerr.SystemFile, "load embedded migrations", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return nil, argoerr.Wrap(argoerr.SystemFile, "init sqlite migrate driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, argoerr.Wrap(argoerr.SystemFile, "init migrate instance", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, argoerr.Wrap(argoerr.SystemFile, "apply migrations", err)
	}

	return &SQLiteCheckpoint{db: db}, nil
}

// Save writes the current persisted records, replacing the prior snapshot.
func (c *SQLiteCheckpoint) Save(records []PersistedRecord) error {
	tx, err := c.db.Begin()
	if err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "begin sqlite checkpoint tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM workflow_checkpoints`); err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "clear sqlite checkpoint", err)
	}
	for _, r := range records {
		if _, err := tx.Exec(
			`INSERT INTO workflow_checkpoints
			 (workflow_id, script_path, state, start_time, end_time, exit_code,
			  timeout_seconds, retry_count, max_retries, abandon_requested,
			  template_name, branch, environment)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.WorkflowID, r.ScriptPath, string(r.State), r.StartTime, r.EndTime, r.ExitCode,
			r.TimeoutSeconds, r.RetryCount, r.MaxRetries, r.AbandonRequested,
			r.TemplateName, r.Branch, r.Environment,
		); err != nil {
			return argoerr.Wrap(argoerr.SystemFile, "insert sqlite checkpoint record", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return argoerr.Wrap(argoerr.SystemFile, "commit sqlite checkpoint tx", err)
	}
	log.Debug(log.CatRegistry, "sqlite checkpoint saved", "records", len(records))
	return nil
}

// Load returns the persisted snapshot from the sqlite checkpoint.
func (c *SQLiteCheckpoint) Load() ([]PersistedRecord, error) {
	rows, err := c.db.Query(
		`SELECT workflow_id, script_path, state, start_time, end_time, exit_code,
		        timeout_seconds, retry_count, max_retries, abandon_requested,
		        template_name, branch, environment
		 FROM workflow_checkpoints`)
	if err != nil {
		return nil, argoerr.Wrap(argoerr.SystemFile, "query sqlite checkpoint", err)
	}
	defer rows.Close()

	var out []PersistedRecord
	for rows.Next() {
		var r PersistedRecord
		var state string
		if err := rows.Scan(&r.WorkflowID, &r.ScriptPath, &state, &r.StartTime, &r.EndTime,
			&r.ExitCode, &r.TimeoutSeconds, &r.RetryCount, &r.MaxRetries, &r.AbandonRequested,
			&r.TemplateName, &r.Branch, &r.Environment); err != nil {
			return nil, argoerr.Wrap(argoerr.SystemFile, "scan sqlite checkpoint row", err)
		}
		r.State = State(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (c *SQLiteCheckpoint) Close() error {
	return c.db.Close()
}

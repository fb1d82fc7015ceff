// Package store provides SQLite-backed persistence for events and
// incidents with optimistic-concurrency incident updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/incidentstack/correlator/internal/models"
	"github.com/incidentstack/correlator/internal/utils"
)

// DB wraps an SQLite connection storing events and incidents.
type DB struct {
	db *sql.DB
}

// Open opens or creates an SQLite database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		recommended_actions TEXT NOT NULL DEFAULT '[]',
		classification TEXT NOT NULL DEFAULT 'none',
		event_count INTEGER NOT NULL,
		first_event_at TEXT NOT NULL,
		last_event_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_incidents_service_status ON incidents(service, status);
	CREATE INDEX IF NOT EXISTS idx_incidents_status_last_event ON incidents(status, last_event_at);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		incident_id TEXT NOT NULL REFERENCES incidents(id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_service_ts ON events(service, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_incident ON events(incident_id);
	`
	_, err := db.Exec(schema)
	return err
}

// GetIncident returns the incident with the given ID.
func (d *DB) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrIncidentNotFound
	}
	if err != nil {
		return nil, utils.NewAppError("store.GetIncident", "query failed", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (d *DB) ListIncidents(ctx context.Context, f models.IncidentFilter) ([]*models.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []interface{}

	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		query += " AND status IN (" + placeholders + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, utils.NewAppError("store.ListIncidents", "query failed", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// StaleIncidents returns active incidents whose last event predates the
// cutoff, candidates for auto-resolution.
func (d *DB) StaleIncidents(ctx context.Context, olderThan time.Time) ([]*models.Incident, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE status IN (?, ?) AND last_event_at < ?
		 ORDER BY last_event_at ASC`,
		string(models.StatusOpen), string(models.StatusInvestigating), formatTime(olderThan))
	if err != nil {
		return nil, utils.NewAppError("store.StaleIncidents", "query failed", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// CreateIncidentWithEvent inserts a new incident and its first event in a
// single transaction; either both rows persist or neither does.
func (d *DB) CreateIncidentWithEvent(ctx context.Context, inc *models.Incident, ev *models.Event) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("store.CreateIncidentWithEvent", "begin tx", err)
	}
	defer tx.Rollback()

	if err := insertIncident(ctx, tx, inc); err != nil {
		return err
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// AttachEvent applies mutate to the incident and inserts the event in one
// transaction, guarded by the version check. Returns the updated incident,
// or models.ErrVersionConflict when the expected version no longer matches.
func (d *DB) AttachEvent(ctx context.Context, id string, expectedVersion int64, ev *models.Event, mutate func(*models.Incident) error) (*models.Incident, error) {
	var updated *models.Incident
	err := d.swap(ctx, id, expectedVersion, mutate, func(tx *sql.Tx, inc *models.Incident) error {
		updated = inc
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CompareAndSwapIncident applies mutate under the version check without
// touching the events table. Returns the updated incident.
func (d *DB) CompareAndSwapIncident(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error) (*models.Incident, error) {
	var updated *models.Incident
	err := d.swap(ctx, id, expectedVersion, mutate, func(_ *sql.Tx, inc *models.Incident) error {
		updated = inc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// swap is the shared CAS core: read the row inside a transaction, verify
// the version, apply mutate, bump version, write back, run extra, commit.
func (d *DB) swap(ctx context.Context, id string, expectedVersion int64, mutate func(*models.Incident) error, extra func(*sql.Tx, *models.Incident) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.NewAppError("store.swap", "begin tx", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return models.ErrIncidentNotFound
	}
	if err != nil {
		return utils.NewAppError("store.swap", "read incident", err)
	}

	if inc.Version != expectedVersion {
		return models.ErrVersionConflict
	}

	if err := mutate(inc); err != nil {
		return err
	}
	inc.Version++
	inc.UpdatedAt = time.Now().UTC()

	actions, err := json.Marshal(actionsOrEmpty(inc.RecommendedActions))
	if err != nil {
		return utils.NewAppError("store.swap", "encode actions", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE incidents SET status = ?, category = ?, severity = ?, summary = ?,
		 recommended_actions = ?, classification = ?, event_count = ?,
		 first_event_at = ?, last_event_at = ?, updated_at = ?, version = ?
		 WHERE id = ? AND version = ?`,
		string(inc.Status), inc.Category, string(inc.Severity), inc.Summary,
		string(actions), string(inc.Classification), inc.EventCount,
		formatTime(inc.FirstEventAt), formatTime(inc.LastEventAt), formatTime(inc.UpdatedAt), inc.Version,
		id, expectedVersion)
	if err != nil {
		return utils.NewAppError("store.swap", "update incident", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return utils.NewAppError("store.swap", "rows affected", err)
	} else if n != 1 {
		return models.ErrVersionConflict
	}

	if err := extra(tx, inc); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryEvents returns events for a service since the given time, oldest first.
func (d *DB) QueryEvents(ctx context.Context, service string, since time.Time) ([]*models.Event, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, service, level, message, timestamp, incident_id FROM events
		 WHERE service = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		service, formatTime(since))
	if err != nil {
		return nil, utils.NewAppError("store.QueryEvents", "query failed", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsForIncident returns the most recent events of an incident, newest
// first, capped at limit.
func (d *DB) EventsForIncident(ctx context.Context, incidentID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, service, level, message, timestamp, incident_id FROM events
		 WHERE incident_id = ? ORDER BY timestamp DESC LIMIT ?`,
		incidentID, limit)
	if err != nil {
		return nil, utils.NewAppError("store.EventsForIncident", "query failed", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// CountEvents returns the number of events referencing an incident.
func (d *DB) CountEvents(ctx context.Context, incidentID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE incident_id = ?`, incidentID).Scan(&count)
	if err != nil {
		return 0, utils.NewAppError("store.CountEvents", "query failed", err)
	}
	return count, nil
}

const incidentColumns = `id, service, status, category, severity, summary,
	recommended_actions, classification, event_count,
	first_event_at, last_event_at, created_at, updated_at, version`

func insertIncident(ctx context.Context, tx *sql.Tx, inc *models.Incident) error {
	actions, err := json.Marshal(actionsOrEmpty(inc.RecommendedActions))
	if err != nil {
		return utils.NewAppError("store.insertIncident", "encode actions", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Service, string(inc.Status), inc.Category, string(inc.Severity), inc.Summary,
		string(actions), string(inc.Classification), inc.EventCount,
		formatTime(inc.FirstEventAt), formatTime(inc.LastEventAt),
		formatTime(inc.CreatedAt), formatTime(inc.UpdatedAt), inc.Version)
	if err != nil {
		return utils.NewAppError("store.insertIncident", "insert failed", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *models.Event) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, service, level, message, timestamp, incident_id) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Service, string(ev.Level), ev.Message, formatTime(ev.Timestamp), ev.IncidentID)
	if err != nil {
		return utils.NewAppError("store.insertEvent", "insert failed", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var (
		inc          models.Incident
		status       string
		severity     string
		actions      string
		classif      string
		firstEventAt string
		lastEventAt  string
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&inc.ID, &inc.Service, &status, &inc.Category, &severity, &inc.Summary,
		&actions, &classif, &inc.EventCount,
		&firstEventAt, &lastEventAt, &createdAt, &updatedAt, &inc.Version)
	if err != nil {
		return nil, err
	}

	inc.Status = models.IncidentStatus(status)
	inc.Severity = models.Severity(severity)
	inc.Classification = models.ClassificationState(classif)
	if err := json.Unmarshal([]byte(actions), &inc.RecommendedActions); err != nil {
		inc.RecommendedActions = nil
	}
	if inc.FirstEventAt, err = parseTime(firstEventAt); err != nil {
		return nil, err
	}
	if inc.LastEventAt, err = parseTime(lastEventAt); err != nil {
		return nil, err
	}
	if inc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inc, nil
}

func collectEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var (
			ev    models.Event
			level string
			ts    string
		)
		if err := rows.Scan(&ev.ID, &ev.Service, &level, &ev.Message, &ts, &ev.IncidentID); err != nil {
			return nil, err
		}
		ev.Level = models.Level(level)
		var err error
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func actionsOrEmpty(actions []string) []string {
	if actions == nil {
		return []string{}
	}
	return actions
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

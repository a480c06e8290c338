package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const manifestSchema = `
CREATE TABLE IF NOT EXISTS audits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT    NOT NULL,
	url         TEXT    NOT NULL,
	profile     TEXT    NOT NULL,
	path        TEXT,
	error       TEXT,
	duration_ms INTEGER NOT NULL,
	audited_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_run ON audits(run_id);
`

// auditOutcome is the result of one (URL, profile) audit
type auditOutcome struct {
	URL      string
	Profile  string
	Path     string
	Err      error
	Duration time.Duration
}

// manifest records every audit outcome of a run in a SQLite database
type manifest struct {
	db    *sql.DB
	runID string
}

// openManifest opens or creates the manifest database at path
func openManifest(ctx context.Context, path string, runID string) (*manifest, error) {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, manifestSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create manifest schema: %w", err)
	}

	return &manifest{db: db, runID: runID}, nil
}

// record stores a single outcome
func (m *manifest) record(ctx context.Context, o auditOutcome) error {
	var path, errText sql.NullString
	if o.Path != "" {
		path = sql.NullString{String: o.Path, Valid: true}
	}
	if o.Err != nil {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO audits (run_id, url, profile, path, error, duration_ms, audited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.runID, o.URL, o.Profile, path, errText, o.Duration.Milliseconds(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", o.URL, err)
	}

	return nil
}

// runOutcomes returns the outcomes recorded for the current run, in
// insertion order
func (m *manifest) runOutcomes(ctx context.Context) ([]auditOutcome, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT url, profile, path, error, duration_ms FROM audits WHERE run_id = ? ORDER BY id`,
		m.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query manifest: %w", err)
	}
	defer rows.Close()

	var outcomes []auditOutcome
	for rows.Next() {
		var o auditOutcome
		var path, errText sql.NullString
		var durationMs int64

		err := rows.Scan(&o.URL, &o.Profile, &path, &errText, &durationMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest row: %w", err)
		}

		o.Path = path.String
		if errText.Valid {
			o.Err = fmt.Errorf("%s", errText.String)
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond

		outcomes = append(outcomes, o)
	}

	return outcomes, rows.Err()
}

func (m *manifest) Close() error {
	return m.db.Close()
}

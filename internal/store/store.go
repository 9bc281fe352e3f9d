// Package store provides the shared SQLite-backed persistence for the
// Model Catalog and the Calibration & Trust Store, the two components
// whose mutations are documented to outlive a single run.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection holding the catalog, priors, and trust tables.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	model_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	in_per_1k REAL NOT NULL,
	out_per_1k REAL NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	expertise_json TEXT NOT NULL DEFAULT '{}',
	reliability REAL NOT NULL DEFAULT 0.7,
	allowed_tiers_json TEXT NOT NULL DEFAULT '[]',
	governance_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id TEXT NOT NULL REFERENCES models(id),
	task_type TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	actual_quality REAL NOT NULL,
	predicted_quality REAL NOT NULL,
	actual_cost_usd REAL NOT NULL,
	predicted_cost_usd REAL NOT NULL,
	defect_count INTEGER NOT NULL DEFAULT 0,
	ts TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS priors (
	model_id TEXT NOT NULL REFERENCES models(id),
	task_type TEXT NOT NULL,
	difficulty TEXT NOT NULL,
	quality_prior REAL NOT NULL DEFAULT 0.7,
	cost_multiplier REAL NOT NULL DEFAULT 1.0,
	variance_band_low REAL NOT NULL DEFAULT 0.8,
	variance_band_high REAL NOT NULL DEFAULT 1.2,
	defect_rate REAL NOT NULL DEFAULT 0,
	calibration_confidence REAL NOT NULL DEFAULT 0,
	sample_count INTEGER NOT NULL DEFAULT 0,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (model_id, task_type, difficulty)
);

CREATE TABLE IF NOT EXISTS trust_values (
	model_id TEXT NOT NULL REFERENCES models(id),
	role TEXT NOT NULL,
	value REAL NOT NULL DEFAULT 0.7,
	last_updated TEXT NOT NULL,
	PRIMARY KEY (model_id, role)
);

CREATE INDEX IF NOT EXISTS idx_observations_model ON observations(model_id, task_type, difficulty);
CREATE INDEX IF NOT EXISTS idx_models_status ON models(status);
`

// Open creates or opens a SQLite database at dbPath and ensures the schema
// exists, matching the teacher's WAL+busy-timeout pragma convention with
// foreign_keys enabled for the catalog/priors/trust relations.
func Open(dbPath string) (*Store, error) {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dbPath+sep+"_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory database, used by tests and the demo CLI.
func OpenMemory() (*Store, error) {
	return Open("file::memory:?cache=shared")
}

// DB exposes the underlying connection for package-local query helpers in
// catalog and calibration.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NowISO returns the current UTC time formatted the way every timestamp
// column in this store expects it.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

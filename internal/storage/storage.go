package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"skysolve/internal/params"
)

// Store wraps SQLite-backed persistence for solve jobs and parameter
// profiles.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS solve_jobs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            input_path TEXT,
            backend TEXT,
            profile TEXT,
            ra REAL,
            dec REAL,
            pixscale REAL,
            orientation REAL,
            field_width REAL,
            field_height REAL,
            stars_found INTEGER,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS profiles (
            name TEXT PRIMARY KEY,
            params_json TEXT NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_jobs_status ON solve_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_solve_jobs_created ON solve_jobs(created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// SolveRecord captures persisted solve job info.
type SolveRecord struct {
	ID          string
	Status      string
	InputPath   string
	Backend     string
	Profile     string
	RA          float64
	Dec         float64
	PixScale    float64
	Orientation float64
	FieldWidth  float64
	FieldHeight float64
	StarsFound  int
	DurationMs  int64
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordSolveQueued inserts a pending solve job.
func (s *Store) RecordSolveQueued(rec SolveRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_jobs (id, status, input_path, backend, profile) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Status, rec.InputPath, rec.Backend, rec.Profile)
	return err
}

// RecordSolveStart marks a job as running.
func (s *Store) RecordSolveStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordSolveResult finalizes a job with its outcome.
func (s *Store) RecordSolveResult(rec SolveRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status=?, completed_at=CURRENT_TIMESTAMP,
        ra=?, dec=?, pixscale=?, orientation=?, field_width=?, field_height=?,
        stars_found=?, duration_ms=?, error_message=? WHERE id=?;`,
		rec.Status, rec.RA, rec.Dec, rec.PixScale, rec.Orientation,
		rec.FieldWidth, rec.FieldHeight, rec.StarsFound, rec.DurationMs, rec.Error, rec.ID)
	return err
}

// RecentSolves returns the latest jobs up to limit.
func (s *Store) RecentSolves(limit int) ([]SolveRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, status, input_path, backend, profile,
        COALESCE(ra,0), COALESCE(dec,0), COALESCE(pixscale,0), COALESCE(orientation,0),
        COALESCE(field_width,0), COALESCE(field_height,0), COALESCE(stars_found,0),
        COALESCE(duration_ms,0), COALESCE(error_message,''), created_at, started_at, completed_at
        FROM solve_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SolveRecord
	for rows.Next() {
		var rec SolveRecord
		var created time.Time
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.InputPath, &rec.Backend, &rec.Profile,
			&rec.RA, &rec.Dec, &rec.PixScale, &rec.Orientation,
			&rec.FieldWidth, &rec.FieldHeight, &rec.StarsFound,
			&rec.DurationMs, &rec.Error, &created, &started, &completed); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Solve fetches one job by id.
func (s *Store) Solve(id string) (SolveRecord, error) {
	if s == nil {
		return SolveRecord{}, errors.New("store not initialized")
	}
	var rec SolveRecord
	var created time.Time
	var started, completed sql.NullTime
	err := s.DB.QueryRow(`SELECT id, status, input_path, backend, profile,
        COALESCE(ra,0), COALESCE(dec,0), COALESCE(pixscale,0), COALESCE(orientation,0),
        COALESCE(field_width,0), COALESCE(field_height,0), COALESCE(stars_found,0),
        COALESCE(duration_ms,0), COALESCE(error_message,''), created_at, started_at, completed_at
        FROM solve_jobs WHERE id=?;`, id).Scan(
		&rec.ID, &rec.Status, &rec.InputPath, &rec.Backend, &rec.Profile,
		&rec.RA, &rec.Dec, &rec.PixScale, &rec.Orientation,
		&rec.FieldWidth, &rec.FieldHeight, &rec.StarsFound,
		&rec.DurationMs, &rec.Error, &created, &started, &completed)
	if err != nil {
		return SolveRecord{}, err
	}
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// SaveProfile persists a named parameter set as its key/value map.
func (s *Store) SaveProfile(name string, p params.Parameters) error {
	if s == nil {
		return nil
	}
	blob, err := json.Marshal(params.ToMap(p))
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO profiles (name, params_json, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP);`,
		name, string(blob))
	return err
}

// LoadProfile reads a named parameter set back; missing keys in the stored
// map keep library defaults.
func (s *Store) LoadProfile(name string) (params.Parameters, error) {
	if s == nil {
		return params.Parameters{}, errors.New("store not initialized")
	}
	var blob string
	err := s.DB.QueryRow(`SELECT params_json FROM profiles WHERE name=?;`, name).Scan(&blob)
	if err != nil {
		return params.Parameters{}, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return params.Parameters{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return params.FromMap(m), nil
}

// ListProfiles returns the stored profile names.
func (s *Store) ListProfiles() ([]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT name FROM profiles ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

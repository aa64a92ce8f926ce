package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by reads on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for jobs, frames and registrations.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// pipeline workers write concurrently; serialise them on one connection
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_registrations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            rotation REAL,
            translation_x REAL,
            translation_y REAL,
            dx INTEGER,
            dy INTEGER,
            shifted BOOLEAN DEFAULT FALSE,
            rotated BOOLEAN DEFAULT FALSE,
            skipped BOOLEAN DEFAULT FALSE,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS frame_metadata (
            file_path TEXT PRIMARY KEY,
            format TEXT,
            width INTEGER,
            height INTEGER,
            channels INTEGER,
            size_bytes INTEGER,
            mod_time TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frame_registrations_job_id ON frame_registrations(job_id);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RegistrationRecord is one frame's outcome within a stack or register job.
type RegistrationRecord struct {
	JobID        string  `json:"job_id"`
	Index        int     `json:"index"`
	Path         string  `json:"path"`
	Rotation     float64 `json:"rotation"`
	TranslationX float64 `json:"translation_x"`
	TranslationY float64 `json:"translation_y"`
	DX           int     `json:"dx"`
	DY           int     `json:"dy"`
	Shifted      bool    `json:"shifted"`
	Rotated      bool    `json:"rotated"`
	Skipped      bool    `json:"skipped"`
	Error        string  `json:"error,omitempty"`
}

// FrameMetadata captures the geometry of an input frame.
type FrameMetadata struct {
	FilePath  string
	Format    string
	Width     int
	Height    int
	Channels  int
	SizeBytes int64
	ModTime   time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

const jobColumns = `id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var input, output, options, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job. A missing job yields sql.ErrNoRows.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNotInitialized
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM processing_jobs WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordRegistration persists one frame's alignment outcome.
func (s *Store) RecordRegistration(rec RegistrationRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO frame_registrations (job_id, frame_index, file_path, rotation, translation_x, translation_y, dx, dy, shifted, rotated, skipped, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.Index, rec.Path, rec.Rotation, rec.TranslationX, rec.TranslationY, rec.DX, rec.DY, rec.Shifted, rec.Rotated, rec.Skipped, rec.Error)
	return err
}

// Registrations lists a job's frame outcomes in frame order.
func (s *Store) Registrations(jobID string) ([]RegistrationRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT job_id, frame_index, file_path, rotation, translation_x, translation_y, dx, dy, shifted, rotated, skipped, error_message
        FROM frame_registrations WHERE job_id=? ORDER BY frame_index, id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RegistrationRecord
	for rows.Next() {
		var rec RegistrationRecord
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.Index, &rec.Path, &rec.Rotation, &rec.TranslationX, &rec.TranslationY,
			&rec.DX, &rec.DY, &rec.Shifted, &rec.Rotated, &rec.Skipped, &errorMsg); err != nil {
			return nil, err
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordFrame stores frame geometry read from the header.
func (s *Store) RecordFrame(meta FrameMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_metadata (file_path, format, width, height, channels, size_bytes, mod_time)
        VALUES (?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.Format, meta.Width, meta.Height, meta.Channels, meta.SizeBytes, meta.ModTime.UTC())
	return err
}

// Frame looks up stored geometry for path.
func (s *Store) Frame(path string) (FrameMetadata, error) {
	if s == nil {
		return FrameMetadata{}, ErrNotInitialized
	}
	var meta FrameMetadata
	var modTime sql.NullTime
	err := s.DB.QueryRow(`SELECT file_path, format, width, height, channels, size_bytes, mod_time FROM frame_metadata WHERE file_path=?;`, path).
		Scan(&meta.FilePath, &meta.Format, &meta.Width, &meta.Height, &meta.Channels, &meta.SizeBytes, &modTime)
	if err != nil {
		return FrameMetadata{}, err
	}
	if modTime.Valid {
		meta.ModTime = modTime.Time
	}
	return meta, nil
}

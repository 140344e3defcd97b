package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by queries on a nil Store.
var ErrNotInitialized = errors.New("store not initialized")

// Driver names accepted by Open.
const (
	DriverPureGo = "sqlite"  // modernc.org/sqlite
	DriverCgo    = "sqlite3" // github.com/mattn/go-sqlite3
)

// Store wraps SQLite-backed persistence for jobs and QA results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure Go driver.
func New(path string) (*Store, error) {
	return Open(DriverPureGo, path)
}

// Open opens the database at path with the named driver and ensures the schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverPureGo
	}
	if driver != DriverPureGo && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
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
		`CREATE TABLE IF NOT EXISTS qa_jobs (
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
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS header_checks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            file_path TEXT NOT NULL,
            fields_valid BOOLEAN NOT NULL,
            types_valid BOOLEAN NOT NULL,
            missing TEXT,
            incorrect TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS focus_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            file_path TEXT NOT NULL,
            in_focus BOOLEAN NOT NULL,
            median_fwhm REAL,
            max_fwhm REAL NOT NULL,
            n_sources INTEGER NOT NULL,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS source_catalogs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT,
            file_path TEXT NOT NULL,
            n_sources INTEGER NOT NULL,
            global_back REAL,
            global_rms REAL,
            catalog_path TEXT,
            segmap_path TEXT,
            preview_path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_header_checks_file_path ON header_checks(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_focus_results_file_path ON focus_results(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_source_catalogs_file_path ON source_catalogs(file_path);`,
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
	OutputPath  string     `json:"output_path,omitempty"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HeaderCheckRecord is one stored header validation.
type HeaderCheckRecord struct {
	JobID       string    `json:"job_id"`
	FilePath    string    `json:"file_path"`
	FieldsValid bool      `json:"fields_valid"`
	TypesValid  bool      `json:"types_valid"`
	Missing     []string  `json:"missing,omitempty"`
	Incorrect   []string  `json:"incorrect,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FocusRecord is one stored focus decision. MedianFWHM is NaN when no
// source was measured.
type FocusRecord struct {
	JobID      string    `json:"job_id"`
	FilePath   string    `json:"file_path"`
	InFocus    bool      `json:"in_focus"`
	MedianFWHM float64   `json:"median_fwhm"`
	MaxFWHM    float64   `json:"max_fwhm"`
	NSources   int       `json:"n_sources"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CatalogRecord describes the products of one extraction.
type CatalogRecord struct {
	JobID       string
	FilePath    string
	NSources    int
	GlobalBack  float64
	GlobalRMS   float64
	CatalogPath string
	SegMapPath  string
	PreviewPath string
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO qa_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE qa_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(sanitize(meta))
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE qa_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
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
	var input, output, opts, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = opts.String
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
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM qa_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
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

// Job returns one job; sql.ErrNoRows when it does not exist.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNotInitialized
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM qa_jobs WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY id DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordHeaderCheck persists a header validation.
func (s *Store) RecordHeaderCheck(rec HeaderCheckRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO header_checks (job_id, file_path, fields_valid, types_valid, missing, incorrect) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.FilePath, rec.FieldsValid, rec.TypesValid, strings.Join(rec.Missing, ","), strings.Join(rec.Incorrect, ","))
	return err
}

// HeaderChecks returns the stored validations of path, newest first.
func (s *Store) HeaderChecks(path string) ([]HeaderCheckRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT job_id, file_path, fields_valid, types_valid, missing, incorrect, created_at FROM header_checks WHERE file_path=? ORDER BY id DESC;`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []HeaderCheckRecord
	for rows.Next() {
		var rec HeaderCheckRecord
		var jobID, missing, incorrect sql.NullString
		if err := rows.Scan(&jobID, &rec.FilePath, &rec.FieldsValid, &rec.TypesValid, &missing, &incorrect, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		rec.Missing = splitList(missing.String)
		rec.Incorrect = splitList(incorrect.String)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordFocus persists a focus decision.
func (s *Store) RecordFocus(rec FocusRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO focus_results (job_id, file_path, in_focus, median_fwhm, max_fwhm, n_sources, error_message) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.FilePath, rec.InFocus, nullFloat(rec.MedianFWHM), rec.MaxFWHM, rec.NSources, rec.Error)
	return err
}

// FocusResults returns the latest focus decisions up to limit. A non-empty
// path restricts the result to that file.
func (s *Store) FocusResults(path string, limit int) ([]FocusRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	query := `SELECT job_id, file_path, in_focus, median_fwhm, max_fwhm, n_sources, error_message, created_at FROM focus_results`
	args := []any{}
	if path != "" {
		query += ` WHERE file_path=?`
		args = append(args, path)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FocusRecord
	for rows.Next() {
		var rec FocusRecord
		var jobID, errMsg sql.NullString
		var median sql.NullFloat64
		if err := rows.Scan(&jobID, &rec.FilePath, &rec.InFocus, &median, &rec.MaxFWHM, &rec.NSources, &errMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		rec.Error = errMsg.String
		rec.MedianFWHM = math.NaN()
		if median.Valid {
			rec.MedianFWHM = median.Float64
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordCatalog persists the summary of an extraction.
func (s *Store) RecordCatalog(rec CatalogRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO source_catalogs (job_id, file_path, n_sources, global_back, global_rms, catalog_path, segmap_path, preview_path) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.JobID, rec.FilePath, rec.NSources, nullFloat(rec.GlobalBack), nullFloat(rec.GlobalRMS), rec.CatalogPath, rec.SegMapPath, rec.PreviewPath)
	return err
}

// CatalogCount returns the number of extractions stored for path.
func (s *Store) CatalogCount(path string) (int, error) {
	if s == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM source_catalogs WHERE file_path=?;`, path).Scan(&n)
	return n, err
}

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// sanitize replaces NaN and infinite floats, which JSON cannot carry, by nil.
func sanitize(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			out[k] = nil
			continue
		}
		out[k] = v
	}
	return out
}

package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/voxqueue/voxqueue/internal/paths"
)

// Schema version for migrations
const currentSchemaVersion = 1

// Store persists jobs in SQLite. Every method is a single transactional
// statement, so no partial write is ever visible. The worker loop is the
// only writer; readers tolerate slightly stale snapshots.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the job database at path.
func NewStore(path string) (*Store, error) {
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("queue: store opened", "path", path)
	return store, nil
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("queue: schema up to date", "version", version)
		return nil
	}

	L_info("queue: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
	}
	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("queue: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the initial schema.
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		audio_path TEXT NOT NULL,
		duration_hint_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		progress REAL NOT NULL DEFAULT 0,
		result_text TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		is_regeneration INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
	`
	_, err := db.Exec(schema, time.Now().UnixMilli())
	return err
}

// Insert adds a new job in pending state, assigning an ID and timestamps
// when absent.
func (s *Store) Insert(job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	if job.CreatedAtMs == 0 {
		job.CreatedAtMs = now
	}
	job.UpdatedAtMs = now
	if job.Status == "" {
		job.Status = StatusPending
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, audio_path, duration_hint_ms, status, progress, result_text, provider, is_regeneration, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.AudioPath, job.DurationHint.Milliseconds(), string(job.Status),
		job.Progress, job.ResultText, job.Provider, boolToInt(job.IsRegeneration),
		job.CreatedAtMs, job.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by ID, or nil when absent.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(selectColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// List returns all jobs, oldest first.
func (s *Store) List() ([]*Job, error) {
	rows, err := s.db.Query(selectColumns + " FROM jobs ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// NextPending returns the oldest job awaiting work, or nil when the queue
// is empty. Jobs stranded in an active status (a crash mid-flight) also
// qualify so they are resumed ahead of newer work.
func (s *Store) NextPending() (*Job, error) {
	row := s.db.QueryRow(selectColumns + `
		FROM jobs
		WHERE status IN ('pending', 'converting', 'transcribing')
		ORDER BY created_at ASC
		LIMIT 1`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// RequeueInterrupted flips jobs stranded in an active status back to
// pending. Called once at startup; interrupted work restarts from scratch
// (no partial-inference resume).
func (s *Store) RequeueInterrupted() (int, error) {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending', progress = 0, updated_at = ?
		WHERE status IN ('converting', 'transcribing')`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		L_info("queue: requeued interrupted jobs", "count", n)
	}
	return int(n), nil
}

// SetProgress updates a job's in-flight status and progress.
func (s *Store) SetProgress(id string, status Status, progress float64) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, progress = ?, updated_at = ?
		WHERE id = ?`,
		string(status), progress, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Finish writes a job's terminal state, final text and provider in one
// atomic update.
func (s *Store) Finish(id string, status Status, progress float64, text, provider string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, progress = ?, result_text = ?, provider = ?, updated_at = ?
		WHERE id = ?`,
		string(status), progress, text, provider, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// ResetForRegeneration puts a completed/failed job back to pending for a
// fresh transcription attempt. The original created_at is preserved, so
// regenerated work keeps its place in the oldest-first queue instead of
// jumping ahead of genuinely new jobs.
func (s *Store) ResetForRegeneration(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs
		SET status = 'pending', progress = 0, result_text = '', provider = '',
		    is_regeneration = 1, updated_at = ?
		WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("reset job for regeneration: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found or not in a terminal state", id)
	}
	return nil
}

// DeletePending removes a job only while it is still pending, reporting
// whether a row was removed. A job that has since been claimed by the
// worker (or finished) is left alone.
func (s *Store) DeletePending(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM jobs WHERE id = ? AND status = 'pending'", id)
	if err != nil {
		return false, fmt.Errorf("delete pending job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes a job.
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT id, audio_path, duration_hint_ms, status, progress, result_text,
	       provider, is_regeneration, created_at, updated_at`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var job Job
	var status string
	var durationMs int64
	var isRegen int
	err := row.Scan(&job.ID, &job.AudioPath, &durationMs, &status, &job.Progress,
		&job.ResultText, &job.Provider, &isRegen, &job.CreatedAtMs, &job.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.DurationHint = time.Duration(durationMs) * time.Millisecond
	job.IsRegeneration = isRegen != 0
	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

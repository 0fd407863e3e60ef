package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"deployd/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrTerminal = errors.New("job is in a terminal state")
)

// Open opens the SQLite database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('new','in_progress','done','failed','cancelled')) DEFAULT 'new',
  scope TEXT NOT NULL DEFAULT 'server',
  task BLOB NOT NULL,
  condition_to_start TEXT,
  notes TEXT NOT NULL DEFAULT '',
  start_after INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_poll ON jobs(scope, status, created_at DESC);
CREATE TABLE IF NOT EXISTS servers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  ip TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  region TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'install',
  hook_key TEXT NOT NULL,
  notification_key TEXT NOT NULL,
  next_port INTEGER NOT NULL DEFAULT 4010,
  stats TEXT NOT NULL DEFAULT '{}',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS certificates (
  id TEXT PRIMARY KEY,
  domain TEXT NOT NULL,
  authority_id TEXT NOT NULL,
  status TEXT NOT NULL,
  private_key BLOB NOT NULL,
  csr BLOB NOT NULL,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_certificates_domain ON certificates(domain);
`
	_, err := db.Exec(schema)
	return err
}

// JobFilter selects jobs. Zero fields match everything.
type JobFilter struct {
	Statuses []domain.Status
	Scope    string
	Type     domain.JobType
	Limit    int
}

// JobUpdate describes a status transition and the fields written with it.
type JobUpdate struct {
	Status          domain.Status
	Notes           *string
	StartAfter      *time.Time
	ClearStartAfter bool
}

type Repository interface {
	CreateJob(ctx context.Context, j domain.Job) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	UpdateJob(ctx context.Context, id string, u JobUpdate) error
	ResetStale(ctx context.Context, olderThan time.Time, exclude ...string) (int, error)

	CreateServer(ctx context.Context, s domain.Server) (domain.Server, error)
	GetServer(ctx context.Context, id string) (domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	SetServerStatus(ctx context.Context, id string, status domain.ServerStatus) error
	TransitionServer(ctx context.Context, id string, to domain.ServerStatus, from ...domain.ServerStatus) (bool, error)
	SetServerStats(ctx context.Context, id string, stats json.RawMessage) error
	ReserveServerPort(ctx context.Context, id string) (int, error)

	SaveCertificate(ctx context.Context, c domain.Certificate) (domain.Certificate, error)
	ListCertificates(ctx context.Context, domainName string) ([]domain.Certificate, error)
}

type Option func(*SQLiteRepo)

// WithClock replaces time.Now for created_at/updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(r *SQLiteRepo) { r.now = now }
}

type SQLiteRepo struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepo)(nil)

func NewSQLiteRepo(db *sql.DB, opts ...Option) *SQLiteRepo {
	r := &SQLiteRepo{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

const jobColumns = `id,type,status,scope,task,condition_to_start,notes,start_after,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		j                    domain.Job
		task                 []byte
		cond                 sql.NullString
		startAfter           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Scope, &task, &cond, &j.Notes, &startAfter, &createdAt, &updatedAt); err != nil {
		return domain.Job{}, err
	}
	j.Task = json.RawMessage(task)
	if cond.Valid && cond.String != "" {
		var c domain.Condition
		if err := json.Unmarshal([]byte(cond.String), &c); err != nil {
			return domain.Job{}, fmt.Errorf("job %s: decode condition_to_start: %w", j.ID, err)
		}
		j.Condition = &c
	}
	if startAfter.Valid {
		t := fromMillis(startAfter.Int64)
		j.StartAfter = &t
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}

func (r *SQLiteRepo) CreateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	if j.Status == "" {
		j.Status = domain.StatusNew
	}
	if j.Scope == "" {
		j.Scope = domain.ScopeServer
	}
	if len(j.Task) == 0 {
		j.Task = json.RawMessage(`{}`)
	}
	var cond sql.NullString
	if j.Condition != nil {
		b, err := json.Marshal(j.Condition)
		if err != nil {
			return domain.Job{}, err
		}
		cond = sql.NullString{String: string(b), Valid: true}
	}
	var startAfter sql.NullInt64
	if j.StartAfter != nil {
		startAfter = sql.NullInt64{Int64: millis(*j.StartAfter), Valid: true}
	}
	now := r.now()
	j.CreatedAt, j.UpdatedAt = now, now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, j.ID, string(j.Type), string(j.Status), j.Scope, []byte(j.Task), cond, j.Notes, startAfter, millis(now), millis(now))
	if err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (r *SQLiteRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

// ListJobs returns jobs newest first; rows created in the same millisecond
// keep insertion order reversed.
func (r *SQLiteRepo) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob applies u to a non-terminal job. Writes to done or cancelled
// jobs fail with ErrTerminal.
func (r *SQLiteRepo) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid job status %q", u.Status)
	}
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.Status), millis(r.now())}
	if u.Notes != nil {
		set = append(set, "notes = ?")
		args = append(args, *u.Notes)
	}
	if u.ClearStartAfter {
		set = append(set, "start_after = NULL")
	} else if u.StartAfter != nil {
		set = append(set, "start_after = ?")
		args = append(args, millis(*u.StartAfter))
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET `+strings.Join(set, ", ")+`
WHERE id = ? AND status NOT IN ('done','cancelled')`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", id, ErrTerminal)
}

// ResetStale moves in_progress jobs not updated since olderThan back to
// failed so they become eligible again. Jobs listed in exclude are skipped.
func (r *SQLiteRepo) ResetStale(ctx context.Context, olderThan time.Time, exclude ...string) (int, error) {
	now := millis(r.now())
	q := `
UPDATE jobs
SET status='failed', notes='reset stale in_progress job', start_after=?, updated_at=?
WHERE status='in_progress' AND updated_at < ?`
	args := []any{now, now, millis(olderThan)}
	var ids []any
	for _, id := range exclude {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		q += " AND id NOT IN (" + placeholders(len(ids)) + ")"
		args = append(args, ids...)
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

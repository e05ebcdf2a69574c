// Package sqlite implements storage.Provider on a SQLite database file.
// Each storage handle holds one pooled connection until it is closed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/albachteng/jobengine/internal/clock"
	"github.com/albachteng/jobengine/internal/jobs"
	"github.com/albachteng/jobengine/internal/storage"
)

const (
	DefaultSleep = 5 * time.Second

	// DefaultClaimTimeout is how long a claim may stay open before a newly
	// opened provider treats its owner as dead.
	DefaultClaimTimeout = time.Hour
)

type Provider struct {
	db           *sql.DB
	clock        clock.Clock
	logger       *slog.Logger
	sleep        time.Duration
	owner        string
	claimTimeout time.Duration
}

type Option func(*Provider)

// WithOwner sets the id recorded on claims made through this provider.
// Defaults to a random id per Open.
func WithOwner(owner string) Option {
	return func(p *Provider) {
		p.owner = owner
	}
}

// WithClaimTimeout sets the age after which claims left by other providers
// are returned to the pending set on Open. Zero disables recovery.
func WithClaimTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.claimTimeout = d
	}
}

// Open opens (or creates) the database at path, initializes the schema and
// returns stale claims back to the pending set. Several providers may share
// one file; claims younger than the claim timeout are left alone.
func Open(path string, c clock.Clock, logger *slog.Logger, opts ...Option) (*Provider, error) {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	p := &Provider{
		db:           db,
		clock:        c,
		logger:       logger,
		sleep:        DefaultSleep,
		owner:        uuid.NewString(),
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := p.recoverClaimedJobs(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to recover claimed jobs: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to recover claimed jobs: %w", err)
	}

	return p, nil
}

func (p *Provider) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		cron TEXT,
		payload_type TEXT NOT NULL,
		payload BLOB,
		scheduled_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		claimed INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claimed_at INTEGER,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return err
	}

	if err := p.applyMigrations(); err != nil {
		return err
	}

	_, err := p.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(claimed, scheduled_at, seq)`)
	return err
}

// applyMigrations adds the claim owner columns to databases created before
// claims were attributed.
func (p *Provider) applyMigrations() error {
	columns := []struct{ name, ddl string }{
		{"claimed_by", `ALTER TABLE jobs ADD COLUMN claimed_by TEXT`},
		{"claimed_at", `ALTER TABLE jobs ADD COLUMN claimed_at INTEGER`},
	}
	for _, col := range columns {
		var exists bool
		err := p.db.QueryRow(`
			SELECT COUNT(*) > 0
			FROM pragma_table_info('jobs')
			WHERE name = ?
		`, col.name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check for %s column: %w", col.name, err)
		}
		if exists {
			continue
		}
		if _, err := p.db.Exec(col.ddl); err != nil {
			return fmt.Errorf("failed to add %s column: %w", col.name, err)
		}
	}
	return nil
}

// recoverClaimedJobs puts jobs whose claim outlived the claim timeout back
// into the pending set. Claims without a recorded time predate attribution
// and are always recovered.
func (p *Provider) recoverClaimedJobs() error {
	if p.claimTimeout <= 0 {
		return nil
	}

	cutoff := p.clock.Now().Add(-p.claimTimeout).UnixNano()
	res, err := p.db.Exec(`
		UPDATE jobs
		SET claimed = 0, claimed_by = NULL, claimed_at = NULL, status = 'scheduled'
		WHERE claimed = 1 AND (claimed_at IS NULL OR claimed_at <= ?)
	`, cutoff)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		p.logger.Warn("recovered stale claimed jobs", "count", n, "claim_timeout", p.claimTimeout)
	}
	return nil
}

// Owner is the id recorded on claims made through this provider.
func (p *Provider) Owner() string {
	return p.owner
}

// DB exposes the underlying database so other components (the cluster lease
// store) can share the same file.
func (p *Provider) DB() *sql.DB {
	return p.db
}

func (p *Provider) Storage(ctx context.Context) (storage.Storage, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &Store{conn: conn, clock: p.clock, logger: p.logger, owner: p.owner}, nil
}

func (p *Provider) Sleep() time.Duration {
	return p.sleep
}

func (p *Provider) Close() error {
	return p.db.Close()
}

// Store is a storage handle bound to a single connection.
type Store struct {
	conn   *sql.Conn
	clock  clock.Clock
	logger *slog.Logger
	owner  string
}

const jobColumns = `id, name, kind, cron, payload_type, payload, scheduled_at, status`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		job         jobs.Job
		cron        sql.NullString
		payload     []byte
		scheduledAt int64
	)
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Kind,
		&cron,
		&job.Data.Type,
		&payload,
		&scheduledAt,
		&job.Status,
	)
	if err != nil {
		return jobs.Job{}, err
	}

	if cron.Valid {
		job.Cron = cron.String
	}
	if len(payload) > 0 {
		job.Data.Data = make([]byte, len(payload))
		copy(job.Data.Data, payload)
	}
	job.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	return job, nil
}

func nullCron(job jobs.Job) sql.NullString {
	return sql.NullString{String: job.Cron, Valid: job.Cron != ""}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insert(ctx context.Context, db execer, job jobs.Job) error {
	query := `
		INSERT INTO jobs (id, name, kind, cron, payload_type, payload, scheduled_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Kind,
		nullCron(job),
		job.Data.Type,
		[]byte(job.Data.Data),
		job.ScheduledAt.UnixNano(),
		job.Status,
		s.clock.Now().UnixNano(),
	)
	return err
}

func (s *Store) Add(ctx context.Context, job jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.insert(ctx, s.conn, job); err != nil {
		return fmt.Errorf("add job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id jobs.JobID) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	var claimed bool
	err = tx.QueryRowContext(ctx, `SELECT claimed FROM jobs WHERE id = ?`, id).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if claimed {
		return fmt.Errorf("%w: %s", storage.ErrJobClaimed, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) Update(ctx context.Context, job jobs.Job, mutate func(*jobs.Job)) (jobs.Job, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return jobs.Job{}, err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, job.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("%w: %s", storage.ErrJobNotFound, job.ID)
	}
	if err != nil {
		return jobs.Job{}, err
	}

	mutate(&current)

	query := `
		UPDATE jobs
		SET name = ?, kind = ?, cron = ?, payload_type = ?, payload = ?, scheduled_at = ?, status = ?
		WHERE id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		current.Name,
		current.Kind,
		nullCron(current),
		current.Data.Type,
		[]byte(current.Data.Data),
		current.ScheduledAt.UnixNano(),
		current.Status,
		job.ID,
	)
	if err != nil {
		return jobs.Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return jobs.Job{}, err
	}
	return current, nil
}

func (s *Store) GetNextJob(ctx context.Context) (jobs.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return jobs.Job{}, false, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return jobs.Job{}, false, err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	// Earliest due first, earliest added on ties.
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE claimed = 0 AND scheduled_at < ?
		ORDER BY scheduled_at ASC, seq ASC
		LIMIT 1
	`
	job, err := scanJob(tx.QueryRowContext(ctx, query, s.clock.Now().UnixNano()))
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, false, nil
	}
	if err != nil {
		return jobs.Job{}, false, err
	}

	claim := `UPDATE jobs SET claimed = 1, claimed_by = ?, claimed_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, claim, s.owner, s.clock.Now().UnixNano(), job.ID); err != nil {
		return jobs.Job{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return jobs.Job{}, false, err
	}
	return job, true, nil
}

func (s *Store) Release(ctx context.Context, completed jobs.CompletedJob) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck
	}()

	// By id alone: the claim may have been recovered by another provider.
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, completed.ID); err != nil {
		return fmt.Errorf("release job %s: %w", completed.ID, err)
	}

	if completed.IsRecurring() {
		next, ok := storage.Reschedule(completed, s.clock.Now())
		if ok {
			if err := s.insert(ctx, tx, next); err != nil {
				return fmt.Errorf("reschedule job %s: %w", completed.ID, err)
			}
		} else {
			storage.LogDropped(s.logger, completed)
		}
	}

	return tx.Commit()
}

func (s *Store) List(ctx context.Context) ([]jobs.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE claimed = 0
		ORDER BY scheduled_at ASC, seq ASC
	`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() //nolint:errcheck
	}()

	list := make([]jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	return list, rows.Err()
}

// Close returns the connection to the pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

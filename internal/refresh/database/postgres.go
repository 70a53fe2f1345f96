// Package database implements the job and snapshot stores on PostgreSQL.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// PostgreSQL is the durable jobs.Store backed by a pgx pool.
type PostgreSQL struct {
	pool   *pgxpool.Pool
	logger arbor.ILogger
	now    func() time.Time
}

var _ jobs.Store = (*PostgreSQL)(nil)

// Executor is satisfied by both pgx.Tx and pgxpool.Pool.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *PostgreSQL) getExecutor(tx pgx.Tx) Executor {
	if tx != nil {
		return tx
	}
	return db.pool
}

// NewPostgreSQL connects to connectionURI, verifies the connection and
// applies pending migrations.
func NewPostgreSQL(ctx context.Context, connectionURI string, log arbor.ILogger) (*PostgreSQL, error) {
	config, err := pgxpool.ParseConfig(connectionURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	config.MaxConns = 30
	config.MinConns = 5
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = 2 * time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := RunMigrations(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	if log == nil {
		log = logger.Discard()
	}
	return &PostgreSQL{
		pool:   pool,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Snapshots returns the snapshot store sharing this pool.
func (db *PostgreSQL) Snapshots() *SnapshotStore {
	return &SnapshotStore{db: db}
}

// InTransaction executes fn within a database transaction.
func (db *PostgreSQL) InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		rollbackCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			db.logger.Warn().Err(rbErr).Msg("failed to rollback transaction")
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const jobColumns = `id, organization_id, location_id, job_type, status, total_steps,
	current_step, steps, result, revision, created_at, updated_at`

// Create inserts a new running job with every step queued.
func (db *PostgreSQL) Create(ctx context.Context, nj jobs.NewJob) (*jobs.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	job, err := jobs.Seed(nj, db.now())
	if err != nil {
		return nil, err
	}
	stepsJSON, err := json.Marshal(job.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO refresh_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10, $11)`,
		string(job.ID), job.OrganizationID, job.LocationID, job.Type, string(job.Status),
		job.TotalSteps, job.CurrentStep, stepsJSON, job.Revision, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("job %s already exists", job.ID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// UpdateStep replaces one step under a row lock and revision check.
func (db *PostgreSQL) UpdateStep(ctx context.Context, id jobs.JobID, index int, step jobs.Step) error {
	return db.mutate(ctx, id, func(job *jobs.Job) error {
		return jobs.ApplyStep(job, index, step, db.now())
	})
}

// Complete finalizes the job as completed.
func (db *PostgreSQL) Complete(ctx context.Context, id jobs.JobID, result jobs.Result) error {
	return db.mutate(ctx, id, func(job *jobs.Job) error {
		return jobs.ApplyFinal(job, jobs.JobStatusCompleted, result, db.now())
	})
}

// Fail finalizes the job as failed.
func (db *PostgreSQL) Fail(ctx context.Context, id jobs.JobID, result jobs.Result) error {
	return db.mutate(ctx, id, func(job *jobs.Job) error {
		return jobs.ApplyFinal(job, jobs.JobStatusFailed, result, db.now())
	})
}

func (db *PostgreSQL) mutate(ctx context.Context, id jobs.JobID, apply func(*jobs.Job) error) error {
	if id.IsEphemeral() {
		return jobs.ErrEphemeralJob
	}
	return db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		job, err := db.getJob(ctx, tx, id, true)
		if err != nil {
			return err
		}
		prev := job.Revision
		if err := apply(job); err != nil {
			return err
		}
		return db.writeJob(ctx, tx, job, prev)
	})
}

func (db *PostgreSQL) writeJob(ctx context.Context, tx pgx.Tx, job *jobs.Job, prevRevision int64) error {
	stepsJSON, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	var resultJSON []byte
	if job.Result != nil {
		if resultJSON, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	tag, err := db.getExecutor(tx).Exec(ctx, `
		UPDATE refresh_jobs
		SET status = $2, current_step = $3, steps = $4, result = $5, revision = $6, updated_at = $7
		WHERE id = $1 AND revision = $8`,
		string(job.ID), string(job.Status), job.CurrentStep, stepsJSON, resultJSON,
		job.Revision, job.UpdatedAt, prevRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrRevisionConflict
	}
	return nil
}

// Get returns the job with id.
func (db *PostgreSQL) Get(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return db.getJob(ctx, nil, id, false)
}

func (db *PostgreSQL) getJob(ctx context.Context, tx pgx.Tx, id jobs.JobID, forUpdate bool) (*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM refresh_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	job, err := scanJob(db.getExecutor(tx).QueryRow(ctx, query, string(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListActive returns running jobs for the tenant, newest first.
func (db *PostgreSQL) ListActive(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	return db.list(ctx, filter, `status = 'running'`, nil)
}

// ListRecent returns jobs updated within the trailing window, newest first.
func (db *PostgreSQL) ListRecent(ctx context.Context, filter jobs.ListFilter, within time.Duration) ([]*jobs.Job, error) {
	since := db.now().Add(-within)
	return db.list(ctx, filter, `updated_at >= $4`, []any{since})
}

func (db *PostgreSQL) list(ctx context.Context, filter jobs.ListFilter, where string, extra []any) ([]*jobs.Job, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	query := `SELECT ` + jobColumns + ` FROM refresh_jobs
		WHERE organization_id = $1
		  AND ($2 = '' OR location_id = $2)
		  AND ($3 = '' OR job_type = $3)
		  AND ` + where + `
		ORDER BY created_at DESC, id`
	args := append([]any{filter.OrganizationID, filter.LocationID, filter.Type}, extra...)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job        jobs.Job
		id, status string
		stepsJSON  []byte
		resultJSON []byte
	)
	if err := row.Scan(&id, &job.OrganizationID, &job.LocationID, &job.Type, &status,
		&job.TotalSteps, &job.CurrentStep, &stepsJSON, &resultJSON, &job.Revision,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.ID = jobs.JobID(id)
	job.Status = jobs.JobStatus(status)
	if err := json.Unmarshal(stepsJSON, &job.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if len(resultJSON) > 0 {
		var r jobs.Result
		if err := json.Unmarshal(resultJSON, &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		job.Result = &r
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// Close closes the database connection pool.
func (db *PostgreSQL) Close() error {
	db.pool.Close()
	return nil
}

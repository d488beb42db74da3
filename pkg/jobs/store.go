// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package jobs is the durable pipeline engine. Job records live in
// Postgres; every state transition happens under a row-level lock so
// concurrent workers and crashed-and-restarted workers observe a
// consistent record. Tasks travel through NATS; the table is the source
// of truth, the queue only carries wake-ups.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step is a pipeline stage. Each step commits its milestone progress
// before the next one starts.
type Step string

const (
	StepIngest    Step = "INGEST"
	StepParse     Step = "PARSE"
	StepLoadGraph Step = "LOAD_GRAPH"
	StepEmbed     Step = "EMBED"
)

// Job types accepted by the pipeline.
const (
	TypeIngestZip   = "PIPELINE_INGEST_ZIP"
	TypeKGIngestZip = "PIPELINE_KG_INGEST_ZIP"
)

// Job is one pipeline run for a repository.
type Job struct {
	ID          uuid.UUID `json:"job_id"`
	RepoID      uuid.UUID `json:"repo_id"`
	Type        string    `json:"job_type"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	CurrentStep Step      `json:"current_step"`
	Attempts    int       `json:"attempts"`
	Error       *string   `json:"error"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ClaimOutcome says what the claim transaction found.
type ClaimOutcome int

const (
	ClaimMissing ClaimOutcome = iota
	ClaimAcquired
	ClaimAlreadyRunning
	ClaimAlreadyCompleted
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id       UUID PRIMARY KEY,
	repo_id      UUID NOT NULL,
	job_type     TEXT NOT NULL,
	status       TEXT NOT NULL,
	progress     INT  NOT NULL DEFAULT 0,
	current_step TEXT NOT NULL DEFAULT 'INGEST',
	attempts     INT  NOT NULL DEFAULT 0,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS jobs_repo_created_idx ON jobs (repo_id, created_at DESC);
`

// Store persists jobs in Postgres.
type Store struct {
	pool        *pgxpool.Pool
	maxAttempts int
	logger      *slog.Logger
}

// NewStore connects to Postgres and applies the jobs schema.
func NewStore(ctx context.Context, databaseURL string, maxAttempts int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fault.Wrap(fault.Config, err, "parse database url")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.Internal, err, "apply jobs schema")
	}
	logger.Info("jobs.store.ready")
	return &Store{pool: pool, maxAttempts: maxAttempts, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create inserts a queued job and returns it.
func (s *Store) Create(ctx context.Context, repoID uuid.UUID, jobType string) (*Job, error) {
	job := &Job{
		ID:          uuid.New(),
		RepoID:      repoID,
		Type:        jobType,
		Status:      StatusQueued,
		CurrentStep: StepIngest,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (job_id, repo_id, job_type, status, progress, current_step, attempts)
		VALUES ($1, $2, $3, $4, 0, $5, 0)
		RETURNING created_at, updated_at`,
		job.ID, job.RepoID, job.Type, job.Status, job.CurrentStep,
	)
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "insert job")
	}
	return job, nil
}

const jobColumns = `job_id, repo_id, job_type, status, progress, current_step, attempts, error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var job Job
	err := row.Scan(
		&job.ID, &job.RepoID, &job.Type, &job.Status, &job.Progress,
		&job.CurrentStep, &job.Attempts, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Get returns one job by id.
func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.NotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "query job %s", jobID)
	}
	return job, nil
}

// ListByRepo returns a repository's jobs, newest first.
func (s *Store) ListByRepo(ctx context.Context, repoID uuid.UUID) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE repo_id = $1 ORDER BY created_at DESC`, repoID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "list jobs for repo %s", repoID)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, err, "scan job row")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "iterate job rows")
	}
	return out, nil
}

// lockJob selects the job row FOR UPDATE inside tx.
func lockJob(ctx context.Context, tx pgx.Tx, jobID uuid.UUID) (*Job, error) {
	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "lock job %s", jobID)
	}
	return job, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fault.Wrap(fault.Internal, err, "commit transaction")
	}
	return nil
}

// Claim transitions a queued (or failed-and-requeued) job to running.
// Completed and running jobs are returned untouched so re-delivered
// queue messages are harmless.
func (s *Store) Claim(ctx context.Context, jobID uuid.UUID) (*Job, ClaimOutcome, error) {
	var claimed *Job
	outcome := ClaimMissing
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		switch job.Status {
		case StatusCompleted:
			claimed, outcome = job, ClaimAlreadyCompleted
			return nil
		case StatusRunning:
			claimed, outcome = job, ClaimAlreadyRunning
			return nil
		}

		job.Status = StatusRunning
		job.Error = nil
		job.CurrentStep = StepIngest
		if job.Progress < 1 {
			job.Progress = 1
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, error = NULL, current_step = $3,
				progress = $4, updated_at = now()
			WHERE job_id = $1`,
			job.ID, job.Status, job.CurrentStep, job.Progress,
		)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "claim job %s", jobID)
		}
		claimed, outcome = job, ClaimAcquired
		return nil
	})
	if err != nil {
		return nil, ClaimMissing, err
	}
	return claimed, outcome, nil
}

// StepFunc does the work of one pipeline step.
type StepFunc func(ctx context.Context, job *Job) error

// RunStep locks the job, runs fn, and commits the step milestone. A
// failing fn rolls the transaction back so the milestone only advances
// on success.
func (s *Store) RunStep(ctx context.Context, jobID uuid.UUID, step Step, progress int, fn StepFunc) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fault.New(fault.NotFound, "job %s vanished mid-run", jobID)
		}
		if err := fn(ctx, job); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET current_step = $2, progress = $3, updated_at = now()
			WHERE job_id = $1`,
			jobID, step, progress,
		)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "record step %s for job %s", step, jobID)
		}
		return nil
	})
}

// Complete marks the job finished.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fault.New(fault.NotFound, "job %s vanished mid-run", jobID)
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, progress = 100, current_step = $3,
				error = NULL, updated_at = now()
			WHERE job_id = $1`,
			jobID, StatusCompleted, StepEmbed,
		)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "complete job %s", jobID)
		}
		return nil
	})
}

// RecordFailure bumps the attempt counter and records the error. When
// failNow is set, or the attempt budget is spent, the job fails for
// good; otherwise it goes back to queued and the caller should requeue.
func (s *Store) RecordFailure(ctx context.Context, jobID uuid.UUID, message string, failNow bool) (bool, error) {
	requeue := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fault.New(fault.NotFound, "job %s vanished mid-run", jobID)
		}

		job.Attempts++
		status := StatusFailed
		if !failNow && job.Attempts < s.maxAttempts {
			status = StatusQueued
			requeue = true
		}
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, error = $4, updated_at = now()
			WHERE job_id = $1`,
			jobID, status, job.Attempts, message,
		)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "record failure for job %s", jobID)
		}
		s.logger.Warn("jobs.failure.recorded",
			"job_id", jobID,
			"attempts", job.Attempts,
			"status", status,
		)
		return nil
	})
	if err != nil {
		return false, err
	}
	return requeue, nil
}

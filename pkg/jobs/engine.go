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

package jobs

import (
	"context"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/codegraph/pkg/embed"
	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/metrics"
)

// Paths is the per-repo filesystem layout under the data directory.
type Paths struct {
	DataDir string
}

// UploadZip is where the HTTP edge stores the uploaded archive.
func (p Paths) UploadZip(repoID string) string {
	return filepath.Join(p.DataDir, "uploads", repoID+".zip")
}

// RepoDir is the extracted source tree.
func (p Paths) RepoDir(repoID string) string {
	return filepath.Join(p.DataDir, "repos", repoID)
}

// ArtifactsRoot holds per-repo pipeline artifacts.
func (p Paths) ArtifactsRoot() string {
	return filepath.Join(p.DataDir, "artifacts")
}

// JobStore is the slice of the store the engine drives.
type JobStore interface {
	Claim(ctx context.Context, jobID uuid.UUID) (*Job, ClaimOutcome, error)
	RunStep(ctx context.Context, jobID uuid.UUID, step Step, progress int, fn StepFunc) error
	Complete(ctx context.Context, jobID uuid.UUID) error
	RecordFailure(ctx context.Context, jobID uuid.UUID, message string, failNow bool) (bool, error)
}

// Requeuer schedules another run after a transient failure.
type Requeuer interface {
	Requeue(jobID uuid.UUID, delay time.Duration) error
}

// Unzipper materializes an uploaded archive into a repo directory.
type Unzipper interface {
	Extract(zipPath, dest string) error
}

// FactsBuilder parses a repo tree into graph facts.
type FactsBuilder interface {
	BuildFacts(ctx context.Context, repoID, repoDir string) (*extract.Facts, error)
}

// GraphLoader is the slice of the graph service the pipeline calls.
type GraphLoader interface {
	Load(ctx context.Context, facts *extract.Facts) (*graphdb.LoadResult, error)
	Embed(ctx context.Context, repoID string) error
}

// Engine runs claimed jobs through the pipeline steps.
type Engine struct {
	store     JobStore
	queue     Requeuer
	sandbox   Unzipper
	extractor FactsBuilder
	graph     GraphLoader
	paths     Paths

	embedEnabled bool
	embedPolicy  embed.RetryPolicy
	requeueDelay time.Duration
	logger       *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// EngineOptions wires an Engine.
type EngineOptions struct {
	Store        JobStore
	Queue        Requeuer
	Sandbox      Unzipper
	Extractor    FactsBuilder
	Graph        GraphLoader
	Paths        Paths
	EmbedEnabled bool
	EmbedPolicy  embed.RetryPolicy
	RequeueDelay time.Duration
}

// NewEngine creates a pipeline engine.
func NewEngine(opts EngineOptions, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.EmbedPolicy.MaxRetries < 1 {
		opts.EmbedPolicy.MaxRetries = 1
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 2 * time.Second
	}
	return &Engine{
		store:        opts.Store,
		queue:        opts.Queue,
		sandbox:      opts.Sandbox,
		extractor:    opts.Extractor,
		graph:        opts.Graph,
		paths:        opts.Paths,
		embedEnabled: opts.EmbedEnabled,
		embedPolicy:  opts.EmbedPolicy,
		requeueDelay: opts.RequeueDelay,
		logger:       logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run claims and executes one job to a terminal or requeued state. The
// returned status is the job's status when Run handed it off.
func (e *Engine) Run(ctx context.Context, jobID uuid.UUID) (Status, error) {
	job, outcome, err := e.store.Claim(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch outcome {
	case ClaimMissing:
		e.logger.Warn("jobs.run.missing", "job_id", jobID)
		return "", fault.New(fault.NotFound, "job %s not found", jobID)
	case ClaimAlreadyCompleted:
		e.logger.Info("jobs.run.already_completed", "job_id", jobID)
		return StatusCompleted, nil
	case ClaimAlreadyRunning:
		e.logger.Info("jobs.run.already_running", "job_id", jobID)
		return StatusRunning, nil
	}

	if err := e.runSteps(ctx, jobID); err != nil {
		return e.handleFailure(ctx, jobID, err)
	}

	if err := e.store.Complete(ctx, jobID); err != nil {
		return e.handleFailure(ctx, jobID, err)
	}
	metrics.JobsCompleted.WithLabelValues("completed").Inc()
	e.logger.Info("jobs.run.completed", "job_id", jobID, "repo_id", job.RepoID)
	return StatusCompleted, nil
}

func (e *Engine) runSteps(ctx context.Context, jobID uuid.UUID) error {
	plan := []struct {
		step     Step
		progress int
		fn       StepFunc
	}{
		{StepIngest, 25, e.stepIngest},
		{StepParse, 50, e.stepParse},
		{StepLoadGraph, 75, e.stepLoadGraph},
		{StepEmbed, 90, e.stepEmbed},
	}
	for _, stage := range plan {
		started := time.Now()
		if err := e.store.RunStep(ctx, jobID, stage.step, stage.progress, stage.fn); err != nil {
			return err
		}
		metrics.StepDuration.WithLabelValues(string(stage.step)).Observe(time.Since(started).Seconds())
		e.logger.Info("jobs.step.complete",
			"job_id", jobID,
			"step", stage.step,
			"duration", time.Since(started),
		)
	}
	return nil
}

func (e *Engine) handleFailure(ctx context.Context, jobID uuid.UUID, runErr error) (Status, error) {
	// The embed step already spent its own retry budget; engine-level
	// retries would multiply it.
	failNow := fault.IsKind(runErr, fault.EmbedExhausted)

	requeue, err := e.store.RecordFailure(ctx, jobID, runErr.Error(), failNow)
	if err != nil {
		e.logger.Error("jobs.failure.record_failed", "job_id", jobID, "error", err)
		return StatusFailed, runErr
	}
	if requeue {
		metrics.JobsCompleted.WithLabelValues("requeued").Inc()
		e.logger.Warn("jobs.run.requeued", "job_id", jobID, "error", runErr)
		if qerr := e.queue.Requeue(jobID, e.requeueDelay); qerr != nil {
			e.logger.Error("jobs.run.requeue_failed", "job_id", jobID, "error", qerr)
		}
		return StatusQueued, nil
	}
	metrics.JobsCompleted.WithLabelValues("failed").Inc()
	e.logger.Error("jobs.run.failed", "job_id", jobID, "error", runErr)
	return StatusFailed, nil
}

func (e *Engine) stepIngest(ctx context.Context, job *Job) error {
	switch job.Type {
	case TypeIngestZip, TypeKGIngestZip:
		repoID := job.RepoID.String()
		return e.sandbox.Extract(e.paths.UploadZip(repoID), e.paths.RepoDir(repoID))
	default:
		return fault.New(fault.BadRequest, "unsupported job_type %q", job.Type)
	}
}

func (e *Engine) stepParse(ctx context.Context, job *Job) error {
	repoID := job.RepoID.String()
	facts, err := e.extractor.BuildFacts(ctx, repoID, e.paths.RepoDir(repoID))
	if err != nil {
		return err
	}
	path, err := extract.WriteFacts(facts, e.paths.ArtifactsRoot())
	if err != nil {
		return err
	}
	e.logger.Info("jobs.parse.artifact_written",
		"job_id", job.ID,
		"artifact_path", path,
		"nodes", len(facts.Nodes),
		"edges", len(facts.Edges),
	)
	return nil
}

func (e *Engine) stepLoadGraph(ctx context.Context, job *Job) error {
	facts, err := extract.ReadFacts(e.paths.ArtifactsRoot(), job.RepoID.String())
	if err != nil {
		return err
	}
	_, err = e.graph.Load(ctx, facts)
	return err
}

// stepEmbed drives the graph service's embedding pass under the embed
// retry policy. Both a non-retryable upstream response and an exhausted
// budget surface as EmbedExhausted so the engine fails the job without
// stacking its own retries on top.
func (e *Engine) stepEmbed(ctx context.Context, job *Job) error {
	if !e.embedEnabled {
		e.logger.Info("jobs.embed.skipped", "job_id", job.ID, "reason", "embeddings disabled")
		return nil
	}
	repoID := job.RepoID.String()

	var lastErr error
	for attempt := 1; attempt <= e.embedPolicy.MaxRetries; attempt++ {
		err := e.graph.Embed(ctx, repoID)
		if err == nil {
			return nil
		}
		lastErr = err

		if !fault.IsKind(err, fault.UpstreamUnavailable) {
			return fault.Wrap(fault.EmbedExhausted, err,
				"embed step failed with non-retryable upstream response (attempt %d)", attempt)
		}
		if ctx.Err() != nil || attempt == e.embedPolicy.MaxRetries {
			break
		}

		sleep := e.backoff(attempt)
		e.logger.Warn("jobs.embed.retry",
			"job_id", job.ID,
			"attempt", attempt,
			"max_attempts", e.embedPolicy.MaxRetries,
			"sleep", sleep,
			"error", err,
		)
		metrics.EmbedRetries.Inc()
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.EmbedExhausted, ctx.Err(), "embed step canceled")
		case <-time.After(sleep):
		}
	}
	return fault.Wrap(fault.EmbedExhausted, lastErr,
		"embed step failed after %d attempt(s)", e.embedPolicy.MaxRetries)
}

func (e *Engine) backoff(attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.embedPolicy.Backoff(attempt, e.rng)
}

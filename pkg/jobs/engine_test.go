// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/embed"
	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/graphdb"
)

type fakeStore struct {
	job     *Job
	outcome ClaimOutcome

	steps       []Step
	completed   bool
	failMessage string
	failNow     bool
	allowReque  bool
	recordCalls int
}

func (f *fakeStore) Claim(ctx context.Context, jobID uuid.UUID) (*Job, ClaimOutcome, error) {
	return f.job, f.outcome, nil
}

func (f *fakeStore) RunStep(ctx context.Context, jobID uuid.UUID, step Step, progress int, fn StepFunc) error {
	if err := fn(ctx, f.job); err != nil {
		return err
	}
	f.steps = append(f.steps, step)
	return nil
}

func (f *fakeStore) Complete(ctx context.Context, jobID uuid.UUID) error {
	f.completed = true
	return nil
}

func (f *fakeStore) RecordFailure(ctx context.Context, jobID uuid.UUID, message string, failNow bool) (bool, error) {
	f.recordCalls++
	f.failMessage = message
	f.failNow = failNow
	return f.allowReque && !failNow, nil
}

type fakeQueue struct {
	requeued []uuid.UUID
	delay    time.Duration
}

func (f *fakeQueue) Requeue(jobID uuid.UUID, delay time.Duration) error {
	f.requeued = append(f.requeued, jobID)
	f.delay = delay
	return nil
}

type fakeSandbox struct {
	calls int
	err   error
}

func (f *fakeSandbox) Extract(zipPath, dest string) error {
	f.calls++
	return f.err
}

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) BuildFacts(ctx context.Context, repoID, repoDir string) (*extract.Facts, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Facts{
		RepoID: repoID,
		Nodes:  []extract.Node{{ID: "n1", Type: "file", Name: "main.py", Path: "main.py"}},
		Edges:  []extract.Edge{},
	}, nil
}

type fakeGraph struct {
	loadErr    error
	loadCalls  int
	loadedRepo string

	embedErrs  []error
	embedCalls int
}

func (f *fakeGraph) Load(ctx context.Context, facts *extract.Facts) (*graphdb.LoadResult, error) {
	f.loadCalls++
	f.loadedRepo = facts.RepoID
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &graphdb.LoadResult{NodesLoaded: len(facts.Nodes), EdgesLoaded: len(facts.Edges)}, nil
}

func (f *fakeGraph) Embed(ctx context.Context, repoID string) error {
	f.embedCalls++
	if len(f.embedErrs) == 0 {
		return nil
	}
	err := f.embedErrs[0]
	f.embedErrs = f.embedErrs[1:]
	return err
}

type engineFixture struct {
	engine  *Engine
	store   *fakeStore
	queue   *fakeQueue
	sandbox *fakeSandbox
	graph   *fakeGraph
	jobID   uuid.UUID
}

func newFixture(t *testing.T, mutate func(*EngineOptions)) *engineFixture {
	t.Helper()
	job := &Job{
		ID:          uuid.New(),
		RepoID:      uuid.New(),
		Type:        TypeIngestZip,
		Status:      StatusQueued,
		CurrentStep: StepIngest,
	}
	store := &fakeStore{job: job, outcome: ClaimAcquired, allowReque: true}
	queue := &fakeQueue{}
	sandbox := &fakeSandbox{}
	graph := &fakeGraph{}
	opts := EngineOptions{
		Store:        store,
		Queue:        queue,
		Sandbox:      sandbox,
		Extractor:    &fakeExtractor{},
		Graph:        graph,
		Paths:        Paths{DataDir: t.TempDir()},
		EmbedEnabled: true,
		EmbedPolicy: embed.RetryPolicy{
			MaxRetries:  3,
			BackoffBase: time.Millisecond,
			BackoffMax:  2 * time.Millisecond,
		},
		RequeueDelay: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &engineFixture{
		engine:  NewEngine(opts, nil),
		store:   store,
		queue:   queue,
		sandbox: sandbox,
		graph:   graph,
		jobID:   job.ID,
	}
}

func TestRun_HappyPath(t *testing.T) {
	fx := newFixture(t, nil)

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, []Step{StepIngest, StepParse, StepLoadGraph, StepEmbed}, fx.store.steps)
	assert.True(t, fx.store.completed)
	assert.Equal(t, 1, fx.sandbox.calls)
	assert.Equal(t, 1, fx.graph.loadCalls)
	assert.Equal(t, fx.store.job.RepoID.String(), fx.graph.loadedRepo)
	assert.Equal(t, 1, fx.graph.embedCalls)
}

func TestRun_AlreadyCompletedIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.outcome = ClaimAlreadyCompleted
	fx.store.job.Status = StatusCompleted

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Empty(t, fx.store.steps, "no steps re-run for a completed job")
}

func TestRun_MissingJob(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.job = nil
	fx.store.outcome = ClaimMissing

	_, err := fx.engine.Run(context.Background(), fx.jobID)
	require.Error(t, err)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestRun_TransientStepFailureRequeues(t *testing.T) {
	fx := newFixture(t, nil)
	fx.graph.loadErr = fault.New(fault.UpstreamUnavailable, "graph service down")

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	assert.False(t, fx.store.failNow)
	assert.Equal(t, []uuid.UUID{fx.jobID}, fx.queue.requeued)
	assert.Equal(t, 10*time.Millisecond, fx.queue.delay)
	assert.False(t, fx.store.completed)
}

func TestRun_AttemptBudgetSpentFails(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.allowReque = false
	fx.graph.loadErr = fault.New(fault.UpstreamUnavailable, "graph service down")

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Empty(t, fx.queue.requeued)
}

func TestRun_EmbedExhaustionFailsWithoutRequeue(t *testing.T) {
	fx := newFixture(t, nil)
	fx.graph.embedErrs = []error{
		fault.New(fault.UpstreamUnavailable, "embed down"),
		fault.New(fault.UpstreamUnavailable, "embed down"),
		fault.New(fault.UpstreamUnavailable, "embed down"),
	}

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.True(t, fx.store.failNow, "embed exhaustion must not trigger engine retries")
	assert.Empty(t, fx.queue.requeued)
	assert.Equal(t, 3, fx.graph.embedCalls)
}

func TestRun_EmbedNonRetryableFailsImmediately(t *testing.T) {
	fx := newFixture(t, nil)
	fx.graph.embedErrs = []error{fault.New(fault.UpstreamRejected, "bad repo state")}

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.True(t, fx.store.failNow)
	assert.Equal(t, 1, fx.graph.embedCalls)
}

func TestRun_EmbedTransientThenSuccess(t *testing.T) {
	fx := newFixture(t, nil)
	fx.graph.embedErrs = []error{
		fault.New(fault.UpstreamUnavailable, "embed busy"),
		fault.New(fault.UpstreamUnavailable, "embed busy"),
	}

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 3, fx.graph.embedCalls)
}

func TestRun_EmbedSkippedWhenDisabled(t *testing.T) {
	fx := newFixture(t, func(opts *EngineOptions) { opts.EmbedEnabled = false })

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 0, fx.graph.embedCalls)
	assert.Contains(t, fx.store.steps, StepEmbed, "milestone still committed")
}

func TestRun_KGJobRunsSamePipeline(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.job.Type = TypeKGIngestZip

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.Equal(t, 1, fx.sandbox.calls)
}

func TestRun_UnsupportedJobTypeFails(t *testing.T) {
	fx := newFixture(t, nil)
	fx.store.allowReque = false
	fx.store.job.Type = "SOMETHING_ELSE"

	status, err := fx.engine.Run(context.Background(), fx.jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Contains(t, fx.store.failMessage, "unsupported job_type")
}

func TestPaths_Layout(t *testing.T) {
	p := Paths{DataDir: "/data"}
	assert.Equal(t, "/data/uploads/r1.zip", p.UploadZip("r1"))
	assert.Equal(t, "/data/repos/r1", p.RepoDir("r1"))
	assert.Equal(t, "/data/artifacts", p.ArtifactsRoot())
}

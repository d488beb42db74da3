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
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kraklabs/codegraph/pkg/fault"
)

const (
	pipelineSubject = "codegraph.jobs.pipeline"
	workerGroup     = "codegraph-workers"
)

// taskMessage is the wire form of a queued wake-up. The job record in
// Postgres carries all real state.
type taskMessage struct {
	JobID uuid.UUID `json:"job_id"`
}

// Queue publishes and consumes pipeline tasks over NATS.
type Queue struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// ConnectQueue dials NATS.
func ConnectQueue(natsURL string, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(natsURL,
		nats.Name("codegraph"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "connect to nats at %s", natsURL)
	}
	logger.Info("jobs.queue.connected", "url", natsURL)
	return &Queue{conn: conn, logger: logger}, nil
}

// Close drains and closes the connection.
func (q *Queue) Close() {
	if err := q.conn.Drain(); err != nil {
		q.logger.Warn("jobs.queue.drain_failed", "error", err)
	}
}

// Enqueue publishes a wake-up for the job.
func (q *Queue) Enqueue(jobID uuid.UUID) error {
	data, err := json.Marshal(taskMessage{JobID: jobID})
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encode task message")
	}
	if err := q.conn.Publish(pipelineSubject, data); err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, err, "publish task for job %s", jobID)
	}
	return nil
}

// Requeue publishes the wake-up after a delay, giving a transient
// failure room to clear before the next attempt.
func (q *Queue) Requeue(jobID uuid.UUID, delay time.Duration) error {
	time.AfterFunc(delay, func() {
		if err := q.Enqueue(jobID); err != nil {
			q.logger.Error("jobs.queue.requeue_failed", "job_id", jobID, "error", err)
		}
	})
	return nil
}

// Subscribe consumes tasks in a queue group so each message reaches one
// worker. The handler is invoked on NATS delivery goroutines.
func (q *Queue) Subscribe(handler func(jobID uuid.UUID)) (*nats.Subscription, error) {
	sub, err := q.conn.QueueSubscribe(pipelineSubject, workerGroup, func(msg *nats.Msg) {
		var task taskMessage
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.logger.Error("jobs.queue.bad_message", "error", err)
			return
		}
		handler(task.JobID)
	})
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamUnavailable, err, "subscribe to %s", pipelineSubject)
	}
	q.logger.Info("jobs.queue.subscribed", "subject", pipelineSubject, "group", workerGroup)
	return sub, nil
}

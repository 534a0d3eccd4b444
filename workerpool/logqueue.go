// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package workerpool implements the fixed-size goroutine pool that
// processes incoming packet bundles, and the log-queue aggregator every
// worker logs through instead of writing directly, grounded on
// dhcpkit's nonblocking_pool.py, worker.py, and queue_logger.py.
package workerpool

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Record is one queued log entry, the Go shape of the pickled
// LogRecord worker.py's QueueHandler pushes across the multiprocessing
// boundary.
type Record struct {
	Level   logrus.Level
	Worker  string
	Message string
	Fields  logrus.Fields
}

// LogQueue is the multi-producer/single-consumer channel every worker
// goroutine logs through, mirroring the multiprocessing.Queue that sits
// between worker.py's QueueHandler and queue_logger.py's
// QueueLevelListener.
type LogQueue struct {
	records chan Record
}

// NewLogQueue builds a LogQueue with room for capacity buffered records
// before Enqueue starts blocking producers.
func NewLogQueue(capacity int) *LogQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &LogQueue{records: make(chan Record, capacity)}
}

// Enqueue deposits one record, blocking if the queue is full. Only job
// submission to the worker pool is non-blocking by design (spec.md
// §4.4); log records are not an admission-control concern and are
// never dropped under backpressure.
func (q *LogQueue) Enqueue(rec Record) {
	q.records <- rec
}

// Close signals that no further records will be enqueued. The
// aggregator's Run loop exits once it has drained whatever remains.
func (q *LogQueue) Close() {
	close(q.records)
}

// OutputHandler is one log sink registered with a QueueAggregator.
// Level is the least severe level this handler accepts, using logrus's
// ordering where a lower numeric value is more severe: a record is
// delivered when rec.Level <= Level, the inverse comparison of
// queue_logger.py's QueueLevelListener.handle (`record.levelno >=
// handler.level`) because logrus's severity scale runs the other way.
type OutputHandler struct {
	Level logrus.Level
	Write func(Record)
}

// QueueAggregator is the single reader of a LogQueue, fanning each
// record out to every registered OutputHandler whose level admits it.
// It is the Go counterpart of queue_logger.py's QueueLevelListener
// thread.
type QueueAggregator struct {
	queue    *LogQueue
	handlers []OutputHandler
}

// NewQueueAggregator builds an aggregator reading from queue and
// dispatching to handlers.
func NewQueueAggregator(queue *LogQueue, handlers ...OutputHandler) *QueueAggregator {
	return &QueueAggregator{queue: queue, handlers: handlers}
}

// Run drains the queue until it is closed. It is meant to run in its
// own goroutine for the supervisor's lifetime; the supervisor's "stop
// the logging thread" shutdown step is simply letting this call return
// after LogQueue.Close().
func (a *QueueAggregator) Run() {
	for rec := range a.queue.records {
		for _, h := range a.handlers {
			if rec.Level <= h.Level {
				h.Write(rec)
			}
		}
	}
}

// QueueHook is a logrus.Hook that forwards entries to a LogQueue
// instead of writing them directly, the in-process equivalent of
// worker.py's logging.handlers.QueueHandler attached to a worker's
// root logger.
type QueueHook struct {
	queue  *LogQueue
	worker string
	mu     sync.Mutex
}

// NewQueueHook returns a hook tagging every forwarded record with
// worker as its correlation name.
func NewQueueHook(queue *LogQueue, worker string) *QueueHook {
	return &QueueHook{queue: queue, worker: worker}
}

// Levels reports that this hook fires for every level; filtering
// happens at the aggregator, not here, mirroring setup_worker's
// `logger.setLevel(logging.NOTSET)`.
func (h *QueueHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire enqueues entry onto the hook's LogQueue.
func (h *QueueHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	worker := h.worker
	h.mu.Unlock()

	h.queue.Enqueue(Record{
		Level:   entry.Level,
		Worker:  worker,
		Message: entry.Message,
		Fields:  entry.Data,
	})
	return nil
}

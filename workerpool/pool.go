// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package workerpool

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ipv6dhcp/ipv6dhcpd/handler"
	"github.com/ipv6dhcp/ipv6dhcpd/logger"
	"github.com/ipv6dhcp/ipv6dhcpd/netlisten"
	"github.com/ipv6dhcp/ipv6dhcpd/relay"
	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

var log = logger.GetLogger("workerpool")

// job is one unit of work submitted to the pool.
type job struct {
	bundle                netlisten.IncomingPacketBundle
	replier               netlisten.Replier
	receivedOverMulticast bool
	wrapped               wire.RelayMessage
}

// Pool is a fixed-size goroutine pool processing incoming packet
// bundles through a shared handler.Handler. It is the Go-native
// equivalent of dhcpkit's NonBlockingPool/worker.py pair: Go programs
// don't fork, so "worker processes initialized once, ignoring
// termination signals, logging through a shared queue" becomes
// "worker goroutines initialized once, logging through a shared
// LogQueue" instead. Every externally observable property (fixed
// size, one-time handler init, "Worker-N" correlation tag,
// non-blocking submit-and-drop, exceptions caught inside the worker)
// is preserved; see DESIGN.md for the full redesign note.
type Pool struct {
	size      int
	jobs      chan job
	handler   handler.Handler
	logQueue  *LogQueue
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	closed    int32
	processed uint64
}

// New builds a pool of size worker goroutines (minimum 1) backed by h.
// queueCapacity bounds how many submitted jobs may be buffered before
// Submit starts dropping work; it defaults to size when non-positive.
// If queue is non-nil, each worker's logger forwards through it.
func New(size int, h handler.Handler, queue *LogQueue, queueCapacity int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueCapacity < 1 {
		queueCapacity = size
	}
	return &Pool{
		size:     size,
		jobs:     make(chan job, queueCapacity),
		handler:  h,
		logQueue: queue,
		done:     make(chan struct{}),
	}
}

// Start spawns the pool's worker goroutines. Each runs WorkerInit once
// before entering its job loop, mirroring worker.py's setup_worker:
// process (here, goroutine) renamed for log correlation, handler
// initialized once and reused across jobs.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(index int) {
	defer p.wg.Done()

	name := fmt.Sprintf("Worker-%d", index)
	wlog := logger.GetLogger(name)
	if p.logQueue != nil {
		// A logger of this worker's own, so the hook tags only this
		// worker's records and they reach the output only via the queue.
		wl := logrus.New()
		wl.SetOutput(io.Discard)
		wl.SetLevel(wlog.Logger.GetLevel())
		wl.AddHook(NewQueueHook(p.logQueue, name))
		wlog = wl.WithField("prefix", name)
	}

	if err := p.handler.WorkerInit(); err != nil {
		wlog.Errorf("worker init failed: %v", err)
		return
	}

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(wlog, j)
		case <-p.done:
			return
		}
	}
}

// process runs one job's handler call, recovering a panic the way
// worker.py's handle_message wraps the call in a bare `except
// Exception` so one bad request never kills the worker.
func (p *Pool) process(wlog *logrus.Entry, j job) {
	defer func() {
		if r := recover(); r != nil {
			wlog.Errorf("caught unexpected panic %v", r)
		}
	}()

	out, err := p.handler.Handle(j.wrapped, j.receivedOverMulticast)
	if err != nil {
		wlog.Errorf("caught unexpected exception %v", err)
		return
	}
	if out == nil {
		return
	}

	rm, ok := out.(wire.RelayMessage)
	if !ok {
		wlog.Error("handler did not return a relay-reply wrapper")
		return
	}

	var interfaceID []byte
	for _, opt := range j.bundle.RelayOptions {
		if opt.Code() == wire.OptionInterfaceID {
			interfaceID = opt.Data()
			break
		}
	}

	if err := relay.ValidateOutgoing(rm, j.bundle.LinkAddress, interfaceID); err != nil {
		wlog.Errorf("dropping reply: %v", err)
		return
	}

	atomic.AddUint64(&p.processed, 1)

	if _, err := j.replier.SendReply(netlisten.OutgoingPacketBundle{RelayReply: rm}); err != nil {
		wlog.Errorf("could not send reply: %v", err)
	}
}

// Submit attempts a non-blocking dispatch of one job. It returns false
// if the pool is closed or its job queue is full, in which case the
// caller (the supervisor's dispatch loop) must treat the request as
// dropped rather than waiting, ported from nonblocking_pool.py's
// apply_async: `self._taskqueue.put(..., block=False)` /
// `except Full: return None`.
func (p *Pool) Submit(bundle netlisten.IncomingPacketBundle, replier netlisten.Replier, receivedOverMulticast bool, wrapped wire.RelayMessage) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}

	select {
	case p.jobs <- job{bundle: bundle, replier: replier, receivedOverMulticast: receivedOverMulticast, wrapped: wrapped}:
		return true
	default:
		log.Warnf("dropping message %s: worker pool queue is full", bundle.MessageID)
		return false
	}
}

// Processed returns the number of replies that passed validation and
// were handed to their replier so far, used by the
// SIGINFO message-processed counter and the "status" remote-control
// command.
func (p *Pool) Processed() uint64 { return atomic.LoadUint64(&p.processed) }

// Close stops accepting new jobs and waits for all workers to finish
// their current job, mirroring multiprocessing.Pool's close()+join().
// The underlying job channel is never closed: a worker may still be
// selecting on it when shutdown begins, and leaving it open avoids a
// send-on-closed-channel race with a concurrent, now-futile Submit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		atomic.StoreInt32(&p.closed, 1)
		close(p.done)
	})
	p.wg.Wait()
}

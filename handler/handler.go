// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package handler defines the external collaborator boundary between the
// core engine and the message handler that decides how to respond to a
// request, grounded on dhcpkit's MessageHandler ABC
// (message_handlers/__init__.py): the core hands a Handler an
// already-wrapped, already-relay-normalized message and expects a single
// reply back, rather than driving a func-chain itself the way coredhcp's
// main handler does (that chain now lives inside handler/chain, the one
// concrete Handler this repository ships).
package handler

import "github.com/ipv6dhcp/ipv6dhcpd/wire"

// Handler turns a wrapped incoming message into a wrapped outgoing
// reply. Implementations MUST be safe for concurrent use: the worker
// pool calls Handle from many goroutines at once, and Reload may run
// concurrently with in-flight Handle calls (guard shared state with a
// lock, e.g. rwlock.RWLock, the way MessageHandler.reload does).
type Handler interface {
	// Handle processes one already-wrapped request and returns the
	// message to reply with. A nil message with a nil error means the
	// request should be silently dropped.
	Handle(received wire.RelayMessage, receivedOverMulticast bool) (wire.Message, error)

	// Reload is called on SIGHUP (and on the "reload" remote-control
	// command) so configuration can be re-read, caches cleared, etc.
	Reload(config map[string]interface{}) error

	// WorkerInit is called once per worker goroutine before it starts
	// pulling jobs, mirroring dhcpkit's per-process handler
	// initialization in the worker pool (worker.py's initializer).
	// Implementations that are already safe to share across goroutines
	// (most are, since Go doesn't fork) can make this a no-op.
	WorkerInit() error
}

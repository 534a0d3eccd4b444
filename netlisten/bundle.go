// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package netlisten implements the UDP and TCP listener/replier pairs
// that feed wrapped packet bundles into the handler chain, grounded on
// dhcpkit's listeners package (udp.py, tcp.py, __init__.py) and adapted
// to the Go idiom coredhcp's server package uses for socket setup
// (golang.org/x/net/ipv6 PacketConn, interface-scoped multicast joins).
package netlisten

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// Sentinel errors a Listener's Recv may return. They mirror dhcpkit's
// ListenerError hierarchy (ListeningSocketError -> IgnoreMessage ->
// IncompleteMessage, and ClosedListener as a sibling).
var (
	// ErrIgnoreMessage signals that the current message should be
	// dropped but the listener stays usable.
	ErrIgnoreMessage = errors.New("netlisten: ignore this message")
	// ErrIncompleteMessage signals a TCP connection hasn't buffered a
	// full message yet; try again once more data arrives.
	ErrIncompleteMessage = fmt.Errorf("netlisten: incomplete message: %w", ErrIgnoreMessage)
	// ErrClosedListener signals the underlying socket was closed.
	ErrClosedListener = errors.New("netlisten: listener closed")
)

// ListenSetupError is returned by listener constructors when the
// provided sockets/addresses don't satisfy the invariants listed in
// spec.md §4.2 (IPv6 UDP family, correct port, same interface, global
// address derivable, multicast requires link-local reply, unicast
// requires single socket).
type ListenSetupError struct {
	Reason string
}

func (e *ListenSetupError) Error() string { return "netlisten: " + e.Reason }

// messageCounter is a rolling 24-bit correlation counter, wrapping at
// 0xFFFFFF, shared across all listeners the way dhcpkit's global
// message_counter is shared across all listener objects in one process.
var messageCounter uint32

// nextMessageID returns the next message-ID as a 6-hex-digit tag.
func nextMessageID() string {
	for {
		old := atomic.LoadUint32(&messageCounter)
		next := old + 1
		if next > 0xFFFFFF {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&messageCounter, old, next) {
			return fmt.Sprintf("#%06X", next)
		}
	}
}

// IncomingPacketBundle is the normalized representation of a received
// DHCPv6 packet, produced by every Listener implementation.
type IncomingPacketBundle struct {
	MessageID             string
	Data                  []byte
	SourceAddress         net.IP
	LinkAddress           net.IP
	InterfaceIndex        int
	ReceivedOverMulticast bool
	ReceivedOverTCP       bool
	Marks                 []string
	RelayOptions          []wire.Option
}

// OutgoingPacketBundle is what a Handler hands back to be sent. It is
// always a relay-reply wrapping exactly one inner message, per §4.3.
type OutgoingPacketBundle struct {
	RelayReply wire.RelayMessage
}

// Replier sends a reply to the client that originated an
// IncomingPacketBundle.
type Replier interface {
	// CanSendMultiple reports whether SendReply may be called more
	// than once on this Replier (true for TCP, false for UDP).
	CanSendMultiple() bool
	SendReply(out OutgoingPacketBundle) (bool, error)
}

// Listener receives incoming requests and hands back a bundle plus the
// Replier to use for the response.
type Listener interface {
	io.Closer
	// RecvRequest blocks until a packet bundle is available. It
	// returns ErrIgnoreMessage/ErrIncompleteMessage/ErrClosedListener
	// as sentinel conditions the caller should handle without treating
	// them as fatal socket errors.
	RecvRequest() (IncomingPacketBundle, Replier, error)
}

// ListenerFactory creates Listener values, recycling an existing
// socket across a reload when possible (dhcpkit's
// ListenerFactory.match_socket).
type ListenerFactory interface {
	// CreateListener builds a new listener, or recycles existing if it
	// matches this factory's configuration closely enough to reuse
	// (same family/proto/address/port/interface).
	CreateListener(existing Listener) (Listener, error)
}

// bufPool mirrors coredhcp's server.bufpool: a sync.Pool of reusable
// receive buffers, sized to the largest datagram we accept.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, MaxDatagram)
		return &b
	},
}

// MaxDatagram is the largest UDP datagram this server will read.
const MaxDatagram = 1 << 16

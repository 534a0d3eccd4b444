// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package netlisten

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

const tcpReplyTimeout = 300 * time.Second

// TCPConnection is a single accepted TCP connection, framing DHCPv6
// messages with a 2-byte big-endian length prefix, grounded on
// dhcpkit's TCPConnection (tcp.py).
type TCPConnection struct {
	interfaceName  string
	interfaceID    []byte
	codec          wire.Codec
	conn           net.Conn
	globalAddress  net.IP
	marks          []string
	interfaceIndex int

	mu        sync.Mutex  // guards buf; RecvRequest is expected to be called from one goroutine
	buf       []byte
	writeLock *sync.Mutex // shared with the Replier; multiple replies serialize on one write lock
}

func newTCPConnection(ifaceName string, conn net.Conn, global net.IP, marks []string, ifIndex int, codec wire.Codec) *TCPConnection {
	return &TCPConnection{
		interfaceName:  ifaceName,
		interfaceID:    []byte(ifaceName),
		codec:          codec,
		conn:           conn,
		globalAddress:  global,
		marks:          marks,
		interfaceIndex: ifIndex,
		writeLock:      &sync.Mutex{},
	}
}

// recvInto reads up to amount additional bytes into buf, returning
// ErrClosedListener on EOF the way dhcpkit's recv_data_into_buffer
// raises ClosedListener on a zero-byte read.
func (c *TCPConnection) recvInto(amount int) (int, error) {
	chunk := make([]byte, amount)
	n, err := c.conn.Read(chunk)
	if n == 0 && err != nil {
		return 0, ErrClosedListener
	}
	c.buf = append(c.buf, chunk[:n]...)
	return n, nil
}

// RecvRequest reads one framed message, or ErrIncompleteMessage if the
// connection hasn't buffered a full frame yet.
func (c *TCPConnection) RecvRequest() (IncomingPacketBundle, Replier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bufLen := len(c.buf)
	if bufLen < 2 {
		n, err := c.recvInto(2 - bufLen)
		if err != nil {
			return IncomingPacketBundle{}, nil, err
		}
		bufLen += n
	}

	if bufLen < 2 {
		return IncomingPacketBundle{}, nil, ErrIncompleteMessage
	}

	msgLen := int(binary.BigEndian.Uint16(c.buf[:2]))
	have := bufLen - 2
	if remaining := msgLen - have; remaining > 0 {
		n, err := c.recvInto(remaining)
		if err != nil {
			return IncomingPacketBundle{}, nil, err
		}
		have += n
	}

	if have < msgLen {
		return IncomingPacketBundle{}, nil, ErrIncompleteMessage
	}

	data := append([]byte(nil), c.buf[2:2+msgLen]...)
	c.buf = c.buf[2+msgLen:]

	bundle := IncomingPacketBundle{
		MessageID:             nextMessageID(),
		Data:                  data,
		SourceAddress:         tcpPeerIP(c.conn),
		LinkAddress:           c.globalAddress,
		InterfaceIndex:        c.interfaceIndex,
		ReceivedOverMulticast: false,
		ReceivedOverTCP:       true,
		Marks:                 c.marks,
		RelayOptions:          []wire.Option{c.codec.NewOption(wire.OptionInterfaceID, c.interfaceID)},
	}

	log.Debugf("%s: received message from %s on %s (tcp)", bundle.MessageID, bundle.SourceAddress, c.interfaceName)

	return bundle, &TCPReplier{conn: c.conn, writeLock: c.writeLock}, nil
}

// Close closes the underlying connection.
func (c *TCPConnection) Close() error {
	return c.conn.Close()
}

func tcpPeerIP(conn net.Conn) net.IP {
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

// TCPReplier sends replies over a TCP connection. Unlike UDPReplier it
// may be used more than once, and serializes writes behind a shared
// lock the way dhcpkit uses a multiprocessing.Manager().Lock() per
// connection (here, an in-process sync.Mutex suffices since there is no
// separate worker process address space to cross).
type TCPReplier struct {
	conn      net.Conn
	writeLock *sync.Mutex
}

// CanSendMultiple is true: a TCP connection may carry several
// request/reply exchanges.
func (r *TCPReplier) CanSendMultiple() bool { return true }

// SendReply frames and writes the inner message, holding the write lock
// and bounding the write with tcpReplyTimeout so a stalled peer can't
// wedge the connection forever.
func (r *TCPReplier) SendReply(out OutgoingPacketBundle) (bool, error) {
	data := out.RelayReply.Inner().ToBytes()
	if len(data) > 0xFFFF {
		return false, fmt.Errorf("netlisten: tcp reply too large (%d bytes)", len(data))
	}
	framed := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(framed, uint16(len(data)))
	copy(framed[2:], data)

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if err := r.conn.SetWriteDeadline(time.Now().Add(tcpReplyTimeout)); err != nil {
		return false, fmt.Errorf("netlisten: tcp set write deadline: %w", err)
	}
	defer r.conn.SetWriteDeadline(time.Time{})

	n, err := r.conn.Write(framed)
	if err != nil {
		return false, fmt.Errorf("netlisten: tcp send: %w", err)
	}
	return n == len(framed), nil
}

// TCPConnectionListener wraps a listening TCP socket, accepting new
// connections and turning each into a TCPConnection. It enforces
// max-connections and an allow-from prefix list, grounded on
// TCPConnectionListener (tcp.py).
type TCPConnectionListener struct {
	interfaceName  string
	codec          wire.Codec
	listener       net.Listener
	globalAddress  net.IP
	marks          []string
	interfaceIndex int
	maxConnections int
	allowFrom      []*net.IPNet

	mu    sync.Mutex
	open  map[net.Conn]struct{}
}

// NewTCPConnectionListener binds and validates a TCP listen socket.
func NewTCPConnectionListener(codec wire.Codec, ifaceName string, addr *net.TCPAddr, globalAddress net.IP, marks []string, maxConnections int, allowFrom []*net.IPNet) (*TCPConnectionListener, error) {
	if addr.Port != ServerPort {
		return nil, &ListenSetupError{Reason: fmt.Sprintf("TCP listen sockets must use port %d", ServerPort)}
	}
	if addr.IP.To4() != nil {
		return nil, &ListenSetupError{Reason: "TCP listen sockets must be IPv6"}
	}
	if addr.IP.IsUnspecified() {
		return nil, &ListenSetupError{Reason: "wildcard TCP listen addresses are not supported"}
	}

	ln, err := net.ListenTCP("tcp6", addr)
	if err != nil {
		return nil, fmt.Errorf("netlisten: could not open TCP listen socket: %w", err)
	}

	global := globalAddress
	if global == nil {
		if isGlobalUnicast(addr.IP) {
			global = addr.IP
		} else {
			ln.Close()
			return nil, &ListenSetupError{Reason: fmt.Sprintf("cannot determine global address on interface %s, pass one explicitly", ifaceName)}
		}
	}

	if maxConnections <= 0 {
		maxConnections = 10
	}

	ifIndex := 0
	if ifi, err := net.InterfaceByName(ifaceName); err == nil {
		ifIndex = ifi.Index
	}

	return &TCPConnectionListener{
		interfaceName:  ifaceName,
		codec:          codec,
		listener:       ln,
		globalAddress:  global,
		marks:          marks,
		interfaceIndex: ifIndex,
		maxConnections: maxConnections,
		allowFrom:      allowFrom,
		open:           make(map[net.Conn]struct{}),
	}, nil
}

func isGlobalUnicast(ip net.IP) bool {
	return ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast()
}

// Accept blocks for the next incoming connection, enforcing
// max-connections and allow-from, and returns a ready TCPConnection (or
// nil if the connection was rejected but the listener itself is fine).
func (l *TCPConnectionListener) Accept() (*TCPConnection, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosedListener
		}
		return nil, fmt.Errorf("netlisten: tcp accept: %w", err)
	}

	peer, _ := conn.RemoteAddr().(*net.TCPAddr)

	l.mu.Lock()
	tooMany := len(l.open) >= l.maxConnections
	l.mu.Unlock()
	if tooMany {
		log.Warningf("more than %d open TCP connections, rejecting connection from %s", l.maxConnections, peer)
		conn.Close()
		return nil, nil
	}

	if len(l.allowFrom) > 0 && peer != nil {
		allowed := false
		for _, prefix := range l.allowFrom {
			if prefix.Contains(peer.IP) {
				allowed = true
				break
			}
		}
		if !allowed {
			log.Errorf("rejecting TCP connection from %s: not in allow-from list", peer)
			conn.Close()
			return nil, nil
		}
	}

	log.Infof("incoming TCP connection from %s", peer)

	l.mu.Lock()
	l.open[conn] = struct{}{}
	l.mu.Unlock()

	return newTCPConnection(l.interfaceName, conn, l.globalAddress, l.marks, l.interfaceIndex, l.codec), nil
}

// Forget removes a connection from the open-connections accounting used
// for the max-connections check. Call it when a TCPConnection closes.
func (l *TCPConnectionListener) Forget(c *TCPConnection) {
	l.mu.Lock()
	delete(l.open, c.conn)
	l.mu.Unlock()
}

// Close closes the listening socket and every connection it has
// accepted, so per-connection goroutines blocked in Read unblock
// instead of lingering past shutdown.
func (l *TCPConnectionListener) Close() error {
	err := l.listener.Close()

	l.mu.Lock()
	open := make([]net.Conn, 0, len(l.open))
	for c := range l.open {
		open = append(open, c)
	}
	l.mu.Unlock()

	for _, c := range open {
		c.Close()
	}

	return err
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package netlisten

import (
	"errors"
	"net"
	"sync"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// ListenAddress describes one configured listen entry: an interface plus
// the addresses/ports a factory should bind, grounded on dhcpkit's
// config elements for interface listeners (interface.py).
type ListenAddress struct {
	InterfaceName  string
	ListenAddress  *net.UDPAddr
	ReplyAddress   *net.UDPAddr // only set for multicast listen addresses
	GlobalAddress  net.IP
	Marks          []string
	MaxConnections int          // TCP only
	AllowFrom      []*net.IPNet // TCP only
}

// matchesUDP reports whether an existing UDPListener was built from the
// same listen address/interface as this entry, the way dhcpkit's
// ListenerFactory.match_socket compares family/type/proto/address/port/
// interface before recycling a live socket instead of closing and
// rebinding it across a reload.
func (l ListenAddress) matchesUDP(existing *UDPListener) bool {
	return existing != nil &&
		existing.interfaceName == l.InterfaceName &&
		existing.listenAddress.Equal(l.ListenAddress.IP)
}

func (l ListenAddress) matchesTCP(existing *TCPConnectionListener) bool {
	if existing == nil || existing.listener == nil || existing.interfaceName != l.InterfaceName {
		return false
	}
	addr, ok := existing.listener.Addr().(*net.TCPAddr)
	return ok && addr.IP.Equal(l.ListenAddress.IP) && addr.Port == l.ListenAddress.Port
}

// UDPListenerFactory builds netlisten.UDPListener values from a
// ListenAddress, recycling a previously-created listener's sockets
// across a reload when its configuration hasn't changed.
type UDPListenerFactory struct {
	Codec  wire.Codec
	Listen ListenAddress
}

// CreateListener implements netlisten.ListenerFactory. If existing is a
// *UDPListener whose bound address matches this factory's configuration,
// it is returned unchanged instead of opening new sockets.
func (f *UDPListenerFactory) CreateListener(existing Listener) (Listener, error) {
	if ul, ok := existing.(*UDPListener); ok && f.Listen.matchesUDP(ul) {
		log.Debugf("recycling existing UDP listener on %s", f.Listen.InterfaceName)
		return ul, nil
	}
	if existing != nil {
		existing.Close()
	}
	return NewUDPListener(f.Codec, f.Listen.InterfaceName, f.Listen.ListenAddress, f.Listen.ReplyAddress, f.Listen.GlobalAddress, f.Listen.Marks)
}

// TCPListenerFactory builds netlisten.TCPConnectionListener values.
type TCPListenerFactory struct {
	Codec  wire.Codec
	Listen ListenAddress
}

// tcpListenerAdapter makes *TCPConnectionListener satisfy the Listener
// interface's single RecvRequest stream, even though one TCP listen
// socket can have many connections open at once, each able to carry
// several requests. It runs one goroutine accepting connections and one
// goroutine per open connection reading framed requests, fanning every
// result into a single channel RecvRequest drains -- the Go-native
// rendering of dhcpkit's selector registering every open TCPConnection
// as its own readable fd alongside the listening socket.
type tcpListenerAdapter struct {
	*TCPConnectionListener

	results   chan tcpRecvResult
	stopCh    chan struct{}
	closeOnce sync.Once
}

type tcpRecvResult struct {
	bundle  IncomingPacketBundle
	replier Replier
	err     error
}

func newTCPListenerAdapter(l *TCPConnectionListener) *tcpListenerAdapter {
	a := &tcpListenerAdapter{
		TCPConnectionListener: l,
		results:               make(chan tcpRecvResult),
		stopCh:                make(chan struct{}),
	}
	go a.acceptLoop()
	return a
}

func (a *tcpListenerAdapter) acceptLoop() {
	for {
		conn, err := a.Accept()
		if err != nil {
			select {
			case a.results <- tcpRecvResult{err: err}:
			case <-a.stopCh:
			}
			return
		}
		if conn == nil {
			// Rejected over max-connections or allow-from; the
			// listener itself is still healthy.
			continue
		}
		go a.connLoop(conn)
	}
}

func (a *tcpListenerAdapter) connLoop(conn *TCPConnection) {
	defer a.Forget(conn)
	for {
		bundle, replier, err := conn.RecvRequest()
		if err != nil {
			if errors.Is(err, ErrIncompleteMessage) {
				continue
			}
			// ErrClosedListener, or a real I/O error: this connection
			// is done, but the listener keeps accepting others.
			return
		}
		select {
		case a.results <- tcpRecvResult{bundle: bundle, replier: replier}:
		case <-a.stopCh:
			return
		}
	}
}

// RecvRequest returns the next request read from any connection this
// listener has accepted, blocking until one is available.
func (a *tcpListenerAdapter) RecvRequest() (IncomingPacketBundle, Replier, error) {
	select {
	case res := <-a.results:
		return res.bundle, res.replier, res.err
	case <-a.stopCh:
		return IncomingPacketBundle{}, nil, ErrClosedListener
	}
}

// Close stops the accept/conn-loop goroutines and closes the
// underlying listener and its open connections.
func (a *tcpListenerAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopCh)
		err = a.TCPConnectionListener.Close()
	})
	return err
}

// CreateListener implements netlisten.ListenerFactory.
func (f *TCPListenerFactory) CreateListener(existing Listener) (Listener, error) {
	if adapter, ok := existing.(*tcpListenerAdapter); ok && f.Listen.matchesTCP(adapter.TCPConnectionListener) {
		log.Debugf("recycling existing TCP listener on %s", f.Listen.InterfaceName)
		return adapter, nil
	}
	if existing != nil {
		existing.Close()
	}
	tcpAddr := &net.TCPAddr{IP: f.Listen.ListenAddress.IP, Port: f.Listen.ListenAddress.Port, Zone: f.Listen.ListenAddress.Zone}
	ln, err := NewTCPConnectionListener(f.Codec, f.Listen.InterfaceName, tcpAddr, f.Listen.GlobalAddress, f.Listen.Marks, f.Listen.MaxConnections, f.Listen.AllowFrom)
	if err != nil {
		return nil, err
	}
	return newTCPListenerAdapter(ln), nil
}

var (
	_ ListenerFactory = (*UDPListenerFactory)(nil)
	_ ListenerFactory = (*TCPListenerFactory)(nil)
	_ Listener        = (*tcpListenerAdapter)(nil)
)

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package netlisten

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv6"

	"github.com/insomniacslk/dhcp/dhcpv6/server6"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

var log = logger.GetLogger("netlisten")

// DHCPv6 well-known ports (RFC 8415 §7.2).
const (
	ClientPort = 546
	ServerPort = 547
)

// UDPListener bundles a socket to receive requests on with a (possibly
// different) socket to send replies from, grounded on dhcpkit's
// UDPListener (udp.py).
type UDPListener struct {
	interfaceName  string
	interfaceID    []byte
	codec          wire.Codec
	listenConn     *ipv6.PacketConn
	replyConn      *ipv6.PacketConn
	sameSocket     bool
	marks          []string
	interfaceIndex int
	listenAddress  net.IP
	replyAddress   net.IP
	globalAddress  net.IP
	multicast      bool
}

// NewUDPListener validates the listen/reply sockets and interface
// binding the way dhcpkit's UDPListener constructor does, then returns
// a ready-to-use listener.
//
// a is the address to listen on (possibly multicast); replyAddr, if
// non-nil, is a distinct link-local address replies are sent from (used
// for multicast listeners, whose replies must go out from a link-local
// unicast address on the receiving interface). globalAddress, if
// non-nil, overrides the global address used as the wrapper's
// link-address; otherwise it's derived from a as the spec requires.
func NewUDPListener(codec wire.Codec, ifaceName string, a *net.UDPAddr, replyAddr *net.UDPAddr, globalAddress net.IP, marks []string) (*UDPListener, error) {
	if a.Port != ServerPort {
		return nil, &ListenSetupError{Reason: fmt.Sprintf("listen address must use port %d, got %d", ServerPort, a.Port)}
	}
	if a.IP.To4() != nil {
		return nil, &ListenSetupError{Reason: "listen address must be IPv6"}
	}
	if a.IP.IsUnspecified() {
		return nil, &ListenSetupError{Reason: "wildcard listen addresses are not supported, bind an explicit address"}
	}

	listenUDPConn, err := server6.NewIPv6UDPConn(a.Zone, a)
	if err != nil {
		return nil, fmt.Errorf("netlisten: could not open UDP listen socket: %w", err)
	}
	listenConn := ipv6.NewPacketConn(listenUDPConn)

	var ifi *net.Interface
	if a.Zone != "" {
		ifi, err = net.InterfaceByName(a.Zone)
		if err != nil {
			return nil, fmt.Errorf("netlisten: could not find interface %s: %w", a.Zone, err)
		}
	} else if err := listenConn.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		return nil, fmt.Errorf("netlisten: could not enable interface control messages: %w", err)
	}

	multicast := a.IP.IsMulticast()
	if multicast {
		if err := listenConn.JoinGroup(ifi, a); err != nil {
			return nil, fmt.Errorf("netlisten: could not join multicast group %s: %w", a.IP, err)
		}
		if replyAddr == nil {
			return nil, &ListenSetupError{Reason: "multicast listening addresses need a link-local reply socket"}
		}
	}

	replyConn := listenConn
	sameSocket := true
	replyIP := a.IP
	if replyAddr != nil {
		if replyAddr.Port != ServerPort {
			return nil, &ListenSetupError{Reason: fmt.Sprintf("reply address must use port %d, got %d", ServerPort, replyAddr.Port)}
		}
		if !replyAddr.IP.IsLinkLocalUnicast() {
			return nil, &ListenSetupError{Reason: "reply address must be link-local unicast"}
		}
		if !multicast {
			return nil, &ListenSetupError{Reason: "unicast listening addresses can't use a separate reply socket"}
		}
		if replyAddr.Zone != a.Zone {
			return nil, &ListenSetupError{Reason: "listen and reply sockets must be on the same interface"}
		}
		replyUDPConn, err := server6.NewIPv6UDPConn(replyAddr.Zone, replyAddr)
		if err != nil {
			return nil, fmt.Errorf("netlisten: could not open UDP reply socket: %w", err)
		}
		replyConn = ipv6.NewPacketConn(replyUDPConn)
		sameSocket = false
		replyIP = replyAddr.IP
	}

	global := globalAddress
	if global == nil {
		if a.IP.IsLinkLocalUnicast() || a.IP.IsMulticast() {
			return nil, &ListenSetupError{Reason: fmt.Sprintf("cannot determine global address on interface %s, pass one explicitly", ifaceName)}
		}
		global = a.IP
	}

	ifIndex := 0
	if ifi != nil {
		ifIndex = ifi.Index
	}

	return &UDPListener{
		interfaceName:  ifaceName,
		interfaceID:    []byte(ifaceName),
		codec:          codec,
		listenConn:     listenConn,
		replyConn:      replyConn,
		sameSocket:     sameSocket,
		marks:          marks,
		interfaceIndex: ifIndex,
		listenAddress:  a.IP,
		replyAddress:   replyIP,
		globalAddress:  global,
		multicast:      multicast,
	}, nil
}

// RecvRequest blocks for the next datagram and wraps it into a bundle,
// grounded on UDPListener.recv_request.
func (l *UDPListener) RecvRequest() (IncomingPacketBundle, Replier, error) {
	b := *bufPool.Get().(*[]byte)
	b = b[:MaxDatagram]

	n, oob, peer, err := l.listenConn.ReadFrom(b)
	if errors.Is(err, net.ErrClosed) {
		bufPool.Put(&b)
		return IncomingPacketBundle{}, nil, ErrClosedListener
	} else if err != nil {
		bufPool.Put(&b)
		return IncomingPacketBundle{}, nil, fmt.Errorf("netlisten: udp read: %w", err)
	}

	peerUDP, _ := peer.(*net.UDPAddr)
	ifIndex := l.interfaceIndex
	if ifIndex == 0 && oob != nil && oob.IfIndex != 0 {
		ifIndex = oob.IfIndex
	}

	bundle := IncomingPacketBundle{
		MessageID:             nextMessageID(),
		Data:                  append([]byte(nil), b[:n]...),
		SourceAddress:         stripZone(peerUDP),
		LinkAddress:           l.globalAddress,
		InterfaceIndex:        ifIndex,
		ReceivedOverMulticast: l.multicast,
		ReceivedOverTCP:       false,
		Marks:                 l.marks,
		RelayOptions:          []wire.Option{l.codec.NewOption(wire.OptionInterfaceID, l.interfaceID)},
	}
	bufPool.Put(&b)

	log.Debugf("%s: received message from %s on %s", bundle.MessageID, bundle.SourceAddress, l.interfaceName)

	return bundle, &UDPReplier{conn: l.replyConn, interfaceID: l.interfaceID}, nil
}

// InterfaceID returns the interface-id payload this listener stamps on
// every bundle it produces.
func (l *UDPListener) InterfaceID() []byte { return l.interfaceID }

// GlobalAddress returns the address handlers and repliers use as the
// link-address of the synthetic relay wrapper.
func (l *UDPListener) GlobalAddress() net.IP { return l.globalAddress }

// Close closes the listening socket (and the reply socket, if distinct).
func (l *UDPListener) Close() error {
	err := l.listenConn.Close()
	if !l.sameSocket {
		if err2 := l.replyConn.Close(); err == nil {
			err = err2
		}
	}
	return err
}

func stripZone(a *net.UDPAddr) net.IP {
	if a == nil {
		return nil
	}
	return a.IP
}

// UDPReplier sends a single reply to the client over a UDP socket,
// grounded on dhcpkit's UDPReplier.send_reply.
type UDPReplier struct {
	conn        *ipv6.PacketConn
	interfaceID []byte
}

// CanSendMultiple is false: a UDP request/reply pair is one-shot.
func (r *UDPReplier) CanSendMultiple() bool { return false }

// SendReply serializes and sends the inner message of out.RelayReply.
// Port is ServerPort if the inner message is itself a relay-reply
// (meaning we're replying to another relay), else ClientPort.
func (r *UDPReplier) SendReply(out OutgoingPacketBundle) (bool, error) {
	inner := out.RelayReply.Inner()
	port := ClientPort
	if inner.IsRelay() {
		port = ServerPort
	}
	data := inner.ToBytes()

	destIP := out.RelayReply.PeerAddress()
	ifIndex := 0
	for _, opt := range out.RelayReply.Options() {
		if opt.Code() == wire.OptionInterfaceID {
			if idx, err := net.InterfaceByName(string(opt.Data())); err == nil {
				ifIndex = idx.Index
			}
		}
	}

	var cm *ipv6.ControlMessage
	if ifIndex != 0 {
		cm = &ipv6.ControlMessage{IfIndex: ifIndex}
	}

	dest := &net.UDPAddr{IP: destIP, Port: port}
	n, err := r.conn.WriteTo(data, cm, dest)
	if err != nil {
		return false, fmt.Errorf("netlisten: udp send to %s: %w", dest, err)
	}
	return n == len(data), nil
}

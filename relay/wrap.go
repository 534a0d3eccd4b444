// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package relay implements the internal-relay wrapping/unwrapping
// discipline: every incoming packet is normalized as if it had arrived
// through an internal relay, so handlers never need to special-case
// directly-received messages; every outgoing reply is validated against
// that same wrapper before a byte reaches the wire.
//
// This mirrors the way dhcpkit's listeners build a synthetic
// RelayServerMessage around every IncomingPacketBundle, and the way its
// UDP/TCP repliers refuse to send anything that isn't wrapped in a
// matching RelayReplyMessage.
package relay

import (
	"errors"
	"fmt"
	"net"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// ErrValidation is returned when an outgoing message violates the
// wrapping contract: the wrapper link-address doesn't match the
// listener's global address, or its interface-id option doesn't match
// the one the listener injected on the way in.
var ErrValidation = errors.New("relay: reply validation failed")

// BuildIncomingWrap builds the synthetic relay-forward that wraps an
// already-decoded inner message. hopCount follows RFC 8415 §7.4: 0 if
// inner is not itself a relay message, else inner's hop count plus one.
func BuildIncomingWrap(codec wire.Codec, inner wire.Message, linkAddr, peerAddr net.IP, interfaceID []byte) (wire.RelayMessage, error) {
	opts := []wire.Option{codec.NewOption(wire.OptionInterfaceID, interfaceID)}
	wrapped, err := codec.WrapRelayForward(inner, linkAddr, peerAddr, opts)
	if err != nil {
		return nil, fmt.Errorf("relay: could not build incoming wrap: %w", err)
	}
	return wrapped, nil
}

// HopCount computes the hop count the synthetic outer wrapper should
// carry, given the message it is about to wrap.
func HopCount(inner wire.Message) uint8 {
	if rm, ok := inner.(wire.RelayMessage); ok {
		return rm.HopCount() + 1
	}
	return 0
}

// ValidateOutgoing checks that outer is a relay-reply whose link-address
// matches globalAddr and whose interface-id option (if any) matches
// wantInterfaceID. It returns ErrValidation, wrapped with detail, if
// any check fails.
func ValidateOutgoing(outer wire.RelayMessage, globalAddr net.IP, wantInterfaceID []byte) error {
	if outer.Type() != wire.MessageTypeRelayReply {
		return fmt.Errorf("%w: outer message type %v is not a relay-reply", ErrValidation, outer.Type())
	}
	if !outer.LinkAddress().Equal(globalAddr) {
		return fmt.Errorf("%w: link-address %s does not match listener global address %s",
			ErrValidation, outer.LinkAddress(), globalAddr)
	}

	for _, opt := range outer.Options() {
		if opt.Code() != wire.OptionInterfaceID {
			continue
		}
		if !bytesEqual(opt.Data(), wantInterfaceID) {
			return fmt.Errorf("%w: interface-id option does not match the one received", ErrValidation)
		}
		return nil
	}

	// No interface-id option present on the reply is acceptable: not
	// every codec round-trips it, and the contract only requires an
	// echo check when the option is present.
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

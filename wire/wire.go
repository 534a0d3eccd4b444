// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package wire defines the boundary between the server core and the
// DHCPv6 message codec. The core never decodes an option payload or
// builds a reply message itself; it only asks a Codec to do so. This
// keeps the codec a pluggable dependency the way the coredhcp plugin
// chain treats its handler functions, and lets relay and netlisten be
// tested against a fake implementation instead of the real wire format.
package wire

import "net"

// OptionCode identifies a DHCPv6 option.
type OptionCode uint16

// OptionInterfaceID is the well-known option code for the interface-id
// option (RFC 8415 §21.18), the one option this repository constructs
// itself rather than leaving to the codec.
const OptionInterfaceID OptionCode = 18

// MessageType identifies a DHCPv6 message type (RFC 8415 §7.3).
type MessageType uint8

// Message types the core needs to recognize directly. The full type
// catalogue belongs to the codec.
const (
	MessageTypeSolicit            MessageType = 1
	MessageTypeAdvertise          MessageType = 2
	MessageTypeRequest            MessageType = 3
	MessageTypeConfirm            MessageType = 4
	MessageTypeRenew              MessageType = 5
	MessageTypeRebind             MessageType = 6
	MessageTypeReply              MessageType = 7
	MessageTypeRelease            MessageType = 8
	MessageTypeDecline            MessageType = 9
	MessageTypeReconfigure        MessageType = 10
	MessageTypeInformationRequest MessageType = 11
	MessageTypeRelayForward       MessageType = 12
	MessageTypeRelayReply         MessageType = 13
)

// Option is a single DHCPv6 option as carried on a RelayMessage.
type Option interface {
	Code() OptionCode
	// Data returns the option's raw payload, excluding the option
	// code/length header.
	Data() []byte
	// ToBytes returns the full wire encoding, header included.
	ToBytes() []byte
}

// Message is any decoded DHCPv6 message, relayed or not.
type Message interface {
	// Type returns the message's wire type.
	Type() MessageType
	// IsRelay reports whether this message is a relay-forward or
	// relay-reply wrapper rather than a client/server message.
	IsRelay() bool
	// ToBytes serializes the message back to wire format.
	ToBytes() []byte
}

// RelayMessage is a Message known to be a relay-forward or relay-reply
// wrapper. HopCount and LinkAddress/PeerAddress follow RFC 8415 §7.4.
type RelayMessage interface {
	Message

	HopCount() uint8
	LinkAddress() net.IP
	PeerAddress() net.IP
	Options() []Option
	// Inner returns the message this relay message wraps, which may
	// itself be a RelayMessage if nested.
	Inner() Message
}

// Codec decodes raw bytes into a Message, builds basic reply skeletons
// for a given request, and wraps/unwraps relay envelopes. It is the
// entire pluggable surface between the core and a specific DHCPv6
// implementation.
type Codec interface {
	// FromBytes decodes a raw packet.
	FromBytes(data []byte) (Message, error)

	// InnerMessage unwraps any relay-forward wrappers and returns the
	// leaf client message.
	InnerMessage(msg Message) (Message, error)

	// NewReplyFromMessage builds a Reply skeleton appropriate for a
	// Request/Confirm/Renew/Rebind/Release/Decline/Information-Request.
	NewReplyFromMessage(req Message) (Message, error)

	// NewAdvertiseFromSolicit builds an Advertise skeleton for a
	// Solicit, or a Reply skeleton if the Solicit carries a Rapid
	// Commit option.
	NewAdvertiseFromSolicit(req Message) (Message, error)

	// WrapRelayForward builds a synthetic relay-forward envelope around
	// an inner message as received directly by this server (i.e. this
	// server is acting as the first-hop relay). linkAddr identifies the
	// link the client is on; peerAddr is the client's source address.
	WrapRelayForward(inner Message, linkAddr, peerAddr net.IP, options []Option) (RelayMessage, error)

	// WrapRelayReply builds the relay-reply that corresponds to a given
	// relay-forward envelope, carrying resp as the encapsulated message.
	WrapRelayReply(forward RelayMessage, resp Message) (RelayMessage, error)

	// NewOption constructs an Option of the given code from raw bytes.
	NewOption(code OptionCode, data []byte) Option
}

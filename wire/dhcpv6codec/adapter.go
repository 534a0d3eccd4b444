// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dhcpv6codec is the one concrete wire.Codec implementation,
// built on top of github.com/insomniacslk/dhcp/dhcpv6 the same way
// coredhcp's server package uses it directly. Keeping this adapter thin
// and isolated is deliberate: everything else in this repository talks
// to wire.Message/wire.Codec, never to *dhcpv6.Message or
// *dhcpv6.RelayMessage, so a change in the underlying codec's API
// surface is contained to this one file.
package dhcpv6codec

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// Codec adapts github.com/insomniacslk/dhcp/dhcpv6 to wire.Codec.
type Codec struct{}

// New returns a ready-to-use Codec.
func New() *Codec { return &Codec{} }

// message wraps a dhcpv6.DHCPv6 value that is known not to be a relay
// message (a Solicit/Request/Reply/etc).
type message struct {
	inner dhcpv6.DHCPv6
}

func (m *message) Type() wire.MessageType { return wire.MessageType(m.inner.Type()) }
func (m *message) IsRelay() bool          { return m.inner.IsRelay() }
func (m *message) ToBytes() []byte        { return m.inner.ToBytes() }

// relayMessage wraps a *dhcpv6.RelayMessage.
type relayMessage struct {
	inner *dhcpv6.RelayMessage
}

func (m *relayMessage) Type() wire.MessageType { return wire.MessageType(m.inner.Type()) }
func (m *relayMessage) IsRelay() bool          { return true }
func (m *relayMessage) ToBytes() []byte        { return m.inner.ToBytes() }
func (m *relayMessage) HopCount() uint8        { return m.inner.HopCount }
func (m *relayMessage) LinkAddress() net.IP    { return m.inner.LinkAddr }
func (m *relayMessage) PeerAddress() net.IP    { return m.inner.PeerAddr }

func (m *relayMessage) Options() []wire.Option {
	opts := make([]wire.Option, 0, len(m.inner.Options.Options))
	for _, o := range m.inner.Options.Options {
		opts = append(opts, &option{inner: o})
	}
	return opts
}

func (m *relayMessage) Inner() wire.Message {
	innerMsg := m.inner.Options.RelayMessage()
	if innerMsg == nil {
		// A relay message without a relay-message option has nothing to
		// unwrap; return the relay wrapper itself rather than panicking.
		// Callers that need an error should go through
		// Codec.InnerMessage instead.
		return m
	}
	return wrapMessage(innerMsg)
}

// option adapts a dhcpv6.Option.
type option struct {
	inner dhcpv6.Option
}

func (o *option) Code() wire.OptionCode { return wire.OptionCode(o.inner.Code()) }
func (o *option) Data() []byte          { return o.inner.ToBytes() }
func (o *option) ToBytes() []byte {
	code := o.inner.Code()
	data := o.inner.ToBytes()
	out := make([]byte, 4+len(data))
	out[0] = byte(code >> 8)
	out[1] = byte(code)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))
	copy(out[4:], data)
	return out
}

func wrapMessage(m dhcpv6.DHCPv6) wire.Message {
	if rm, ok := m.(*dhcpv6.RelayMessage); ok {
		return &relayMessage{inner: rm}
	}
	return &message{inner: m}
}

// FromBytes decodes a raw packet.
func (c *Codec) FromBytes(data []byte) (wire.Message, error) {
	m, err := dhcpv6.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: decode: %w", err)
	}
	return wrapMessage(m), nil
}

// InnerMessage unwraps relay-forward wrappers down to the leaf message.
func (c *Codec) InnerMessage(msg wire.Message) (wire.Message, error) {
	raw := unwrap(msg)
	inner, err := raw.GetInnerMessage()
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: cannot get inner message: %w", err)
	}
	return wrapMessage(inner), nil
}

// NewReplyFromMessage builds a Reply skeleton.
func (c *Codec) NewReplyFromMessage(req wire.Message) (wire.Message, error) {
	dm, ok := unwrap(req).(*dhcpv6.Message)
	if !ok {
		return nil, fmt.Errorf("dhcpv6codec: NewReplyFromMessage needs a leaf message, not a relay wrapper")
	}
	resp, err := dhcpv6.NewReplyFromMessage(dm)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: NewReplyFromMessage: %w", err)
	}
	return wrapMessage(resp), nil
}

// NewAdvertiseFromSolicit builds an Advertise (or Reply, for Rapid
// Commit) skeleton for a Solicit.
func (c *Codec) NewAdvertiseFromSolicit(req wire.Message) (wire.Message, error) {
	dm, ok := unwrap(req).(*dhcpv6.Message)
	if !ok {
		return nil, fmt.Errorf("dhcpv6codec: NewAdvertiseFromSolicit needs a leaf message, not a relay wrapper")
	}
	if dm.GetOneOption(dhcpv6.OptionRapidCommit) != nil {
		resp, err := dhcpv6.NewReplyFromMessage(dm)
		if err != nil {
			return nil, fmt.Errorf("dhcpv6codec: NewReplyFromMessage (rapid commit): %w", err)
		}
		return wrapMessage(resp), nil
	}
	resp, err := dhcpv6.NewAdvertiseFromSolicit(dm)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: NewAdvertiseFromSolicit: %w", err)
	}
	return wrapMessage(resp), nil
}

// WrapRelayForward builds a synthetic relay-forward envelope.
func (c *Codec) WrapRelayForward(inner wire.Message, linkAddr, peerAddr net.IP, options []wire.Option) (wire.RelayMessage, error) {
	raw := unwrap(inner)
	wrapped, err := dhcpv6.EncapsulateRelay(raw, dhcpv6.MessageTypeRelayForward, linkAddr, peerAddr)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: EncapsulateRelay (forward): %w", err)
	}
	for _, opt := range options {
		wrapped.Options.Add(&dhcpv6.OptionGeneric{
			OptionCode: dhcpv6.OptionCode(opt.Code()),
			OptionData: opt.Data(),
		})
	}
	return &relayMessage{inner: wrapped}, nil
}

// WrapRelayReply builds the relay-reply mirroring a relay-forward.
func (c *Codec) WrapRelayReply(forward wire.RelayMessage, resp wire.Message) (wire.RelayMessage, error) {
	fwd, ok := forward.(*relayMessage)
	if !ok {
		return nil, fmt.Errorf("dhcpv6codec: WrapRelayReply needs a forward built by this codec")
	}
	dm, ok := unwrap(resp).(*dhcpv6.Message)
	if !ok {
		return nil, fmt.Errorf("dhcpv6codec: WrapRelayReply needs a leaf response message")
	}
	wrapped, err := dhcpv6.NewRelayReplFromRelayForw(fwd.inner, dm)
	if err != nil {
		return nil, fmt.Errorf("dhcpv6codec: NewRelayReplFromRelayForw: %w", err)
	}
	return &relayMessage{inner: wrapped}, nil
}

// NewOption constructs a generic option of the given code.
func (c *Codec) NewOption(code wire.OptionCode, data []byte) wire.Option {
	return &option{inner: &dhcpv6.OptionGeneric{
		OptionCode: dhcpv6.OptionCode(code),
		OptionData: data,
	}}
}

// unwrap extracts the underlying dhcpv6.DHCPv6 value from a wire.Message
// built by this codec.
func unwrap(msg wire.Message) dhcpv6.DHCPv6 {
	switch m := msg.(type) {
	case *message:
		return m.inner
	case *relayMessage:
		return m.inner
	default:
		panic(fmt.Sprintf("dhcpv6codec: %T was not produced by this codec", msg))
	}
}

// Underlying exposes the raw dhcpv6.DHCPv6 value behind a wire.Message
// produced by this codec. It exists for handler/chain, which is the one
// concrete handler.Handler this repository ships and is allowed to
// depend on the concrete codec directly (see DESIGN.md) rather than
// reimplementing every DHCPv6 option accessor behind wire.Option.
func Underlying(msg wire.Message) (dhcpv6.DHCPv6, bool) {
	switch m := msg.(type) {
	case *message:
		return m.inner, true
	case *relayMessage:
		return m.inner, true
	default:
		return nil, false
	}
}

// Wrap adapts a raw dhcpv6.DHCPv6 value back into a wire.Message. It is
// the exported counterpart of Underlying, used by handler/chain after it
// has built a response with the raw dhcpv6 API.
func Wrap(m dhcpv6.DHCPv6) wire.Message {
	return wrapMessage(m)
}

var _ wire.Codec = (*Codec)(nil)

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package relay

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// fakeOption is a minimal wire.Option for tests.
type fakeOption struct {
	code wire.OptionCode
	data []byte
}

func (o fakeOption) Code() wire.OptionCode { return o.code }
func (o fakeOption) Data() []byte          { return o.data }
func (o fakeOption) ToBytes() []byte {
	out := make([]byte, 4+len(o.data))
	out[0] = byte(o.code >> 8)
	out[1] = byte(o.code)
	out[2] = byte(len(o.data) >> 8)
	out[3] = byte(len(o.data))
	copy(out[4:], o.data)
	return out
}

// fakeMessage is a minimal non-relay wire.Message.
type fakeMessage struct {
	typ wire.MessageType
}

func (m *fakeMessage) Type() wire.MessageType { return m.typ }
func (m *fakeMessage) IsRelay() bool          { return false }
func (m *fakeMessage) ToBytes() []byte        { return []byte{byte(m.typ)} }

// fakeRelay is a minimal wire.RelayMessage, used both as test fixture
// input and as the thing BuildIncomingWrap/ValidateOutgoing produce.
type fakeRelay struct {
	hopCount uint8
	link     net.IP
	peer     net.IP
	opts     []wire.Option
	inner    wire.Message
	typ      wire.MessageType // zero means relay-forward
}

func (r *fakeRelay) Type() wire.MessageType {
	if r.typ != 0 {
		return r.typ
	}
	return wire.MessageTypeRelayForward
}
func (r *fakeRelay) IsRelay() bool           { return true }
func (r *fakeRelay) ToBytes() []byte         { return []byte{byte(r.Type())} }
func (r *fakeRelay) HopCount() uint8         { return r.hopCount }
func (r *fakeRelay) LinkAddress() net.IP     { return r.link }
func (r *fakeRelay) PeerAddress() net.IP     { return r.peer }
func (r *fakeRelay) Options() []wire.Option  { return r.opts }
func (r *fakeRelay) Inner() wire.Message     { return r.inner }

// fakeCodec implements wire.Codec purely in terms of the fake types
// above, so hop-count and interface-id logic can be tested without the
// real DHCPv6 wire format.
type fakeCodec struct{}

func (fakeCodec) FromBytes(data []byte) (wire.Message, error) { panic("unused in this test") }
func (fakeCodec) InnerMessage(msg wire.Message) (wire.Message, error) {
	if rm, ok := msg.(wire.RelayMessage); ok {
		return rm.Inner(), nil
	}
	return msg, nil
}
func (fakeCodec) NewReplyFromMessage(req wire.Message) (wire.Message, error) {
	return &fakeMessage{typ: wire.MessageTypeReply}, nil
}
func (fakeCodec) NewAdvertiseFromSolicit(req wire.Message) (wire.Message, error) {
	return &fakeMessage{typ: wire.MessageTypeAdvertise}, nil
}
func (fakeCodec) WrapRelayForward(inner wire.Message, linkAddr, peerAddr net.IP, options []wire.Option) (wire.RelayMessage, error) {
	return &fakeRelay{
		hopCount: HopCount(inner),
		link:     linkAddr,
		peer:     peerAddr,
		opts:     options,
		inner:    inner,
	}, nil
}
func (fakeCodec) WrapRelayReply(forward wire.RelayMessage, resp wire.Message) (wire.RelayMessage, error) {
	return &fakeRelay{
		hopCount: forward.HopCount(),
		link:     forward.LinkAddress(),
		peer:     forward.PeerAddress(),
		opts:     forward.Options(),
		inner:    resp,
		typ:      wire.MessageTypeRelayReply,
	}, nil
}
func (fakeCodec) NewOption(code wire.OptionCode, data []byte) wire.Option {
	return fakeOption{code: code, data: data}
}

func TestHopCountZeroForDirectMessage(t *testing.T) {
	direct := &fakeMessage{typ: wire.MessageTypeSolicit}
	assert.EqualValues(t, 0, HopCount(direct))
}

func TestHopCountIncrementsForNestedRelay(t *testing.T) {
	inner := &fakeRelay{hopCount: 1}
	assert.EqualValues(t, 2, HopCount(inner))
}

func TestBuildIncomingWrapSetsLinkPeerAndInterfaceID(t *testing.T) {
	codec := fakeCodec{}
	inner := &fakeMessage{typ: wire.MessageTypeSolicit}
	link := net.ParseIP("2001:db8::1")
	peer := net.ParseIP("2001:db8::babe")

	wrapped, err := BuildIncomingWrap(codec, inner, link, peer, []byte("eth0"))
	require.NoError(t, err)

	assert.EqualValues(t, 0, wrapped.HopCount())
	assert.True(t, wrapped.LinkAddress().Equal(link))
	assert.True(t, wrapped.PeerAddress().Equal(peer))
	require.Len(t, wrapped.Options(), 1)
	assert.Equal(t, wire.OptionInterfaceID, wrapped.Options()[0].Code())
	assert.Equal(t, []byte("eth0"), wrapped.Options()[0].Data())
}

func TestBuildIncomingWrapIncrementsHopCountForRelayedInner(t *testing.T) {
	codec := fakeCodec{}
	inner := &fakeRelay{hopCount: 1}

	wrapped, err := BuildIncomingWrap(codec, inner, net.ParseIP("2001:db8::1"), net.ParseIP("2001:db8::babe"), []byte("eth0"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, wrapped.HopCount())
}

func TestValidateOutgoingAcceptsMatchingWrap(t *testing.T) {
	global := net.ParseIP("2001:db8::1")
	outer := &fakeRelay{
		typ:  wire.MessageTypeRelayReply,
		link: global,
		opts: []wire.Option{fakeOption{code: wire.OptionInterfaceID, data: []byte("eth0")}},
	}
	err := ValidateOutgoing(outer, global, []byte("eth0"))
	assert.NoError(t, err)
}

func TestValidateOutgoingRejectsLinkAddressMismatch(t *testing.T) {
	outer := &fakeRelay{typ: wire.MessageTypeRelayReply, link: net.ParseIP("2001:db8::2")}
	err := ValidateOutgoing(outer, net.ParseIP("2001:db8::1"), []byte("eth0"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateOutgoingRejectsInterfaceIDMismatch(t *testing.T) {
	global := net.ParseIP("2001:db8::1")
	outer := &fakeRelay{
		typ:  wire.MessageTypeRelayReply,
		link: global,
		opts: []wire.Option{fakeOption{code: wire.OptionInterfaceID, data: []byte("eth1")}},
	}
	err := ValidateOutgoing(outer, global, []byte("eth0"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateOutgoingAcceptsMissingInterfaceIDOption(t *testing.T) {
	global := net.ParseIP("2001:db8::1")
	outer := &fakeRelay{typ: wire.MessageTypeRelayReply, link: global}
	err := ValidateOutgoing(outer, global, []byte("eth0"))
	assert.NoError(t, err)
}

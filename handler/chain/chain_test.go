// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package chain

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	dhcpIana "github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipv6dhcp/ipv6dhcpd/wire"
	"github.com/ipv6dhcp/ipv6dhcpd/wire/dhcpv6codec"
)

func clientDUID(mac string) *dhcpv6.DUIDLL {
	hwaddr, _ := net.ParseMAC(mac)
	return &dhcpv6.DUIDLL{HWType: dhcpIana.HWTypeEthernet, LinkLayerAddr: hwaddr}
}

func buildWrapped(t *testing.T, inner *dhcpv6.Message) (*Handler, wire.RelayMessage) {
	t.Helper()
	codec := dhcpv6codec.New()
	wrapped, err := codec.WrapRelayForward(dhcpv6codec.Wrap(inner), net.ParseIP("2001:db8::1"), net.ParseIP("fe80::1"), nil)
	require.NoError(t, err)
	return New(), wrapped
}

func TestHandleSolicitProducesAdvertise(t *testing.T) {
	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeSolicit
	req.AddOption(dhcpv6.OptClientID(clientDUID("aa:bb:cc:dd:ee:ff")))

	h, wrapped := buildWrapped(t, req)
	h.plugins = nil

	out, err := h.Handle(wrapped, false)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.IsRelay(), "response to a relayed solicit must be re-encapsulated")
	assert.Equal(t, wire.MessageType(dhcpv6.MessageTypeRelayReply), out.Type())
	rm, ok := out.(wire.RelayMessage)
	require.True(t, ok)
	assert.Equal(t, wire.MessageType(dhcpv6.MessageTypeAdvertise), rm.Inner().Type())
}

func TestHandleDropsWhenAllPluginsNilOut(t *testing.T) {
	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeRequest
	req.AddOption(dhcpv6.OptClientID(clientDUID("aa:bb:cc:dd:ee:ff")))

	h, wrapped := buildWrapped(t, req)
	h.plugins = []PluginHandler{
		func(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) { return nil, true },
	}

	out, err := h.Handle(wrapped, false)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHandleRunsPluginChainInOrder(t *testing.T) {
	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeRequest
	req.AddOption(dhcpv6.OptClientID(clientDUID("aa:bb:cc:dd:ee:ff")))

	h, wrapped := buildWrapped(t, req)

	var order []int
	h.plugins = []PluginHandler{
		func(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) { order = append(order, 1); return resp, false },
		func(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) { order = append(order, 2); return resp, true },
		func(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) { order = append(order, 3); return resp, false },
	}

	out, err := h.Handle(wrapped, false)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, []int{1, 2}, order)
}

func TestReloadDoesNotDeadlock(t *testing.T) {
	h := New()
	done := make(chan struct{})
	go func() {
		h.Reload(nil)
		close(done)
	}()
	<-done
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package dns

import (
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleInjectsDNSWhenRequested(t *testing.T) {
	p, err := New("2001:db8::1", "2001:db8::3")
	require.NoError(t, err)

	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeRequest
	req.AddOption(dhcpv6.OptRequestedOption(dhcpv6.OptionDNSRecursiveNameServer))

	resp, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	resp.MessageType = dhcpv6.MessageTypeReply

	result, stop := p.Handle(req, resp)
	assert.False(t, stop)
	assert.Same(t, resp, result)

	opts := result.GetOption(dhcpv6.OptionDNSRecursiveNameServer)
	require.Len(t, opts, 1)

	servers := result.(*dhcpv6.Message).Options.DNS()
	require.Len(t, servers, 2)
	assert.True(t, servers[0].Equal(net.ParseIP("2001:db8::1")))
	assert.True(t, servers[1].Equal(net.ParseIP("2001:db8::3")))
}

func TestHandleSkipsDNSWhenNotRequested(t *testing.T) {
	p, err := New("2001:db8::1")
	require.NoError(t, err)

	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeRequest
	req.AddOption(dhcpv6.OptRequestedOption())

	resp, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	resp.MessageType = dhcpv6.MessageTypeReply

	result, stop := p.Handle(req, resp)
	assert.False(t, stop)
	assert.Empty(t, result.GetOption(dhcpv6.OptionDNSRecursiveNameServer))
}

func TestNewRejectsNoServers(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestNewRejectsInvalidAddress(t *testing.T) {
	_, err := New("not-an-ip")
	assert.Error(t, err)
}

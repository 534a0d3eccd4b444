// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package dumprequests

import (
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleNeverStopsTheChain(t *testing.T) {
	req, err := dhcpv6.NewMessage()
	require.NoError(t, err)
	req.MessageType = dhcpv6.MessageTypeSolicit

	resp, err := dhcpv6.NewAdvertiseFromSolicit(req)
	require.NoError(t, err)

	p := New()
	out, stop := p.Handle(req, resp)
	assert.False(t, stop)
	assert.Same(t, resp, out)
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dumprequests logs every request at debug-handling level and
// never produces a reply, ported from dhcpkit's
// DumpRequestsMessageHandler (dump_requests.py). It can be configured
// as a no-op plugin in minimal configurations.
package dumprequests

import (
	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("handler/chain/plugins/dumprequests")

// Plugin logs every request it sees and always lets the chain continue.
type Plugin struct{}

// New returns a ready-to-use Plugin.
func New() *Plugin { return &Plugin{} }

// Handle implements the per-plugin chain contract (see handler/chain).
func (p *Plugin) Handle(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) {
	log.Logf(logger.DebugHandling, "received message type %s", req.Type())
	return resp, false
}

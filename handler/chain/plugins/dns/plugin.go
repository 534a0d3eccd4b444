// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package dns injects recursive DNS server addresses into replies when
// a client requested them, ported from coredhcp's plugins/dns.
package dns

import (
	"errors"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("handler/chain/plugins/dns")

// Plugin holds the configured set of DNS server addresses to offer.
type Plugin struct {
	servers []net.IP
}

// New validates and stores the configured DNS server addresses.
func New(addrs ...string) (*Plugin, error) {
	if len(addrs) < 1 {
		return nil, errors.New("dns: need at least one DNS server")
	}
	p := &Plugin{}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip.To16() == nil {
			return nil, errors.New("dns: expected a DNS server address, got: " + a)
		}
		p.servers = append(p.servers, ip)
	}
	log.Infof("loaded %d DNS servers", len(p.servers))
	return p, nil
}

// Handle implements the per-plugin chain contract (see handler/chain).
func (p *Plugin) Handle(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) {
	decap, err := req.GetInnerMessage()
	if err != nil {
		log.Errorf("could not decapsulate relayed message, aborting: %v", err)
		return nil, true
	}
	if decap.IsOptionRequested(dhcpv6.OptionDNSRecursiveNameServer) {
		resp.UpdateOption(dhcpv6.OptDNS(p.servers...))
	}
	return resp, false
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package serverid enforces the RFC 8415 server-id rules: it discards
// messages aimed at another server and stamps our DUID on every reply,
// ported from coredhcp's plugins/serverid.
package serverid

import (
	"errors"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("handler/chain/plugins/serverid")

// Plugin holds the configured server DUID and implements the chain's
// plugin contract.
type Plugin struct {
	duid dhcpv6.DUID
}

// New parses a DUID type ("ll" or "llt") and a MAC address the way
// coredhcp's setup6 does.
func New(duidType, macAddr string) (*Plugin, error) {
	if duidType == "" {
		return nil, errors.New("serverid: need a DUID type")
	}
	if macAddr == "" {
		return nil, errors.New("serverid: need a DUID value")
	}
	hwaddr, err := net.ParseMAC(macAddr)
	if err != nil {
		return nil, err
	}

	var duid dhcpv6.DUID
	switch strings.ToLower(duidType) {
	case "ll", "duid-ll", "duid_ll":
		duid = &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: hwaddr}
	case "llt", "duid-llt", "duid_llt":
		duid = &dhcpv6.DUIDLLT{Time: 0, HWType: iana.HWTypeEthernet, LinkLayerAddr: hwaddr}
	case "en", "uuid":
		return nil, errors.New("serverid: EN/UUID DUID type not supported")
	default:
		return nil, errors.New("serverid: opaque DUID type not supported")
	}

	log.Printf("using %s %s", duidType, macAddr)
	return &Plugin{duid: duid}, nil
}

// Handle implements the per-plugin chain contract (see handler/chain).
func (p *Plugin) Handle(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) {
	msg, err := req.GetInnerMessage()
	if err != nil {
		log.Error(err)
		return nil, true
	}

	if sid := msg.Options.ServerID(); sid != nil {
		// RFC 8415 §16.{2,5,7}: these types MUST be discarded if they
		// contain any server-id option.
		if msg.MessageType == dhcpv6.MessageTypeSolicit ||
			msg.MessageType == dhcpv6.MessageTypeConfirm ||
			msg.MessageType == dhcpv6.MessageTypeRebind {
			return nil, true
		}
		if !sid.Equal(p.duid) {
			log.Infof("requested server ID does not match this server's ID. Got %v, want %v", sid, p.duid)
			return nil, true
		}
	} else if msg.MessageType == dhcpv6.MessageTypeRequest ||
		msg.MessageType == dhcpv6.MessageTypeRenew ||
		msg.MessageType == dhcpv6.MessageTypeDecline ||
		msg.MessageType == dhcpv6.MessageTypeRelease {
		// RFC 8415 §16.{6,8,10,11}: these MUST be discarded if they don't.
		return nil, true
	}
	dhcpv6.WithServerID(p.duid)(resp)
	return resp, false
}

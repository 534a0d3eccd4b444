// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package prefix hands out IA_PD prefixes to clients requesting them,
// ported from coredhcp's plugins/prefix, using the teacher's bitmap
// allocator and bits-and-blooms/bitset dependency for the free-list.
package prefix

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/insomniacslk/dhcp/dhcpv6"
	dhcpIana "github.com/insomniacslk/dhcp/iana"

	"github.com/ipv6dhcp/ipv6dhcpd/allocators"
	"github.com/ipv6dhcp/ipv6dhcpd/allocators/bitmap"
	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("handler/chain/plugins/prefix")

const leaseDuration = 3600 * time.Second

type lease struct {
	Prefix net.IPNet
	Expire time.Time
}

// Plugin hands out prefixes carved from a configured pool and tracks
// outstanding leases per client DUID.
type Plugin struct {
	mu        sync.Mutex
	records   map[string][]lease
	allocator allocators.Allocator
}

// New builds a prefix-delegation plugin handing out /allocSize prefixes
// out of pool.
func New(pool string, allocSize int) (*Plugin, error) {
	_, prefix, err := net.ParseCIDR(pool)
	if err != nil {
		return nil, fmt.Errorf("prefix: invalid pool subnet: %w", err)
	}
	if allocSize > 128 || allocSize < 0 {
		return nil, fmt.Errorf("prefix: invalid prefix length: %d", allocSize)
	}

	alloc, err := bitmap.NewBitmapAllocator(*prefix, allocSize)
	if err != nil {
		return nil, fmt.Errorf("prefix: could not initialize allocator: %w", err)
	}

	return &Plugin{
		records:   make(map[string][]lease),
		allocator: alloc,
	}, nil
}

func samePrefix(a, b *net.IPNet) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && bytes.Equal(a.Mask, b.Mask)
}

func recordKey(d dhcpv6.DUID) string { return string(d.ToBytes()) }

// Handle implements the per-plugin chain contract (see handler/chain).
func (p *Plugin) Handle(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool) {
	msg, err := req.GetInnerMessage()
	if err != nil {
		log.Error(err)
		return nil, true
	}

	client := msg.Options.ClientID()
	if client == nil {
		log.Error("invalid packet received, no clientID")
		return nil, true
	}

	for _, iapd := range msg.Options.IAPD() {
		iapdResp := &dhcpv6.OptIAPD{IaId: iapd.IaId}

		hints := iapd.Options.Prefixes()
		if len(hints) == 0 {
			hints = []*dhcpv6.OptIAPrefix{{Prefix: &net.IPNet{}}}
		}

		satisfied := bitset.New(uint(len(hints)))

		p.mu.Lock()
		knownLeases := p.records[recordKey(client)]
		givenOut := bitset.New(uint(len(knownLeases)))

		for hintIdx, h := range hints {
			for leaseIdx := range knownLeases {
				if samePrefix(h.Prefix, &knownLeases[leaseIdx].Prefix) {
					expire := time.Now().Add(leaseDuration)
					if knownLeases[leaseIdx].Expire.Before(expire) {
						knownLeases[leaseIdx].Expire = expire
					}
					satisfied.Set(uint(hintIdx))
					givenOut.Set(uint(leaseIdx))
					addPrefix(iapdResp, knownLeases[leaseIdx])
				}
			}
		}

		for hintIdx, h := range hints {
			if satisfied.Test(uint(hintIdx)) ||
				(h.Prefix != nil && !h.Prefix.IP.Equal(net.IPv6zero)) {
				continue
			}
			for leaseIdx, l := range knownLeases {
				if givenOut.Test(uint(leaseIdx)) {
					continue
				}
				if hintPrefixLen, _ := h.Prefix.Mask.Size(); hintPrefixLen != 0 {
					leasePrefixLen, _ := l.Prefix.Mask.Size()
					if hintPrefixLen != leasePrefixLen {
						continue
					}
				}
				expire := time.Now().Add(leaseDuration)
				if knownLeases[leaseIdx].Expire.Before(expire) {
					knownLeases[leaseIdx].Expire = expire
				}
				satisfied.Set(uint(hintIdx))
				givenOut.Set(uint(leaseIdx))
				addPrefix(iapdResp, knownLeases[leaseIdx])
			}
		}

		var newLeases []lease
		for i, hint := range hints {
			if satisfied.Test(uint(i)) {
				continue
			}
			if hint.Prefix == nil {
				hint.Prefix = &net.IPNet{}
			}
			allocated, err := p.allocator.Allocate(*hint.Prefix)
			if err != nil {
				log.Debugf("nothing allocated for hinted prefix %s", hint)
				continue
			}
			l := lease{Expire: time.Now().Add(leaseDuration), Prefix: allocated}
			addPrefix(iapdResp, l)
			knownLeases = append(knownLeases, l)
			newLeases = knownLeases
			log.Debugf("allocated %s to %s (IAID: %x)", &allocated, client, iapd.IaId)
		}

		if newLeases != nil {
			p.records[recordKey(client)] = newLeases
		}
		p.mu.Unlock()

		if len(iapdResp.Options.Options) == 0 {
			log.Debugf("no valid prefix to return for IAID %x", iapd.IaId)
			iapdResp.Options.Add(&dhcpv6.OptStatusCode{StatusCode: dhcpIana.StatusNoPrefixAvail})
		}

		resp.AddOption(iapdResp)
	}

	return resp, false
}

func addPrefix(resp *dhcpv6.OptIAPD, l lease) {
	lifetime := time.Until(l.Expire)
	resp.Options.Add(&dhcpv6.OptIAPrefix{
		PreferredLifetime: lifetime,
		ValidLifetime:     lifetime,
		Prefix:            dup(&l.Prefix),
	})
}

func dup(src *net.IPNet) *net.IPNet {
	dst := &net.IPNet{IP: make(net.IP, net.IPv6len), Mask: make(net.IPMask, net.IPv6len)}
	copy(dst.IP, src.IP)
	copy(dst.Mask, src.Mask)
	return dst
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package chain is the one concrete handler.Handler this repository
// ships. It adapts coredhcp's plugin-chain pattern
// (plugins/plugin.go's registry, coredhcp.go's MainHandler6-style
// dispatch in server/handle.go) to run over messages the core has
// already unwrapped and normalized through the relay package, instead
// of running directly against raw sockets the way coredhcp's handler
// does.
//
// chain is deliberately coupled to wire/dhcpv6codec (via its exported
// Underlying/Wrap helpers) rather than staying behind the abstract wire
// interfaces: it is the concrete reference implementation of the
// external "message handler" collaborator spec.md carves out, and
// building real option logic (server-id matching, IA_PD allocation)
// against the abstract wire.Option would mean re-deriving the entire
// DHCPv6 option model a second time for no benefit, see DESIGN.md.
package chain

import (
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/ipv6dhcp/ipv6dhcpd/handler"
	"github.com/ipv6dhcp/ipv6dhcpd/logger"
	"github.com/ipv6dhcp/ipv6dhcpd/rwlock"
	"github.com/ipv6dhcp/ipv6dhcpd/wire"
	"github.com/ipv6dhcp/ipv6dhcpd/wire/dhcpv6codec"
)

var log = logger.GetLogger("handler/chain")

// PluginHandler is the per-plugin function signature, identical in
// shape to coredhcp's Handler6 so every ported plugin keeps its
// original code unchanged.
type PluginHandler func(req, resp dhcpv6.DHCPv6) (dhcpv6.DHCPv6, bool)

// Handler runs a fixed, ordered chain of plugin handlers over every
// request, the way coredhcp's MainHandler6 loop does in
// server/handle.go.
type Handler struct {
	lock    *rwlock.RWLock
	plugins []PluginHandler
}

// New builds a chain handler from an ordered list of plugin handlers.
// The chain is immutable after construction; Reload exists for
// interface conformance and to let a future configuration-driven
// implementation rebuild the chain under the write lock.
func New(plugins ...PluginHandler) *Handler {
	return &Handler{
		lock:    rwlock.New(),
		plugins: plugins,
	}
}

// WorkerInit implements handler.Handler. The chain holds no
// per-goroutine state, so there is nothing to initialize.
func (h *Handler) WorkerInit() error { return nil }

// Reload implements handler.Handler. This reference chain doesn't
// derive its plugin list from config yet, so Reload only demonstrates
// the locking discipline every handler.Handler must follow: callers
// that do rebuild the chain from config should do so inside
// h.lock.WriteLocked(...).
func (h *Handler) Reload(config map[string]interface{}) error {
	h.lock.WriteLocked(func() {
		log.Print("chain: reload requested, nothing to reconfigure in the reference chain")
	})
	return nil
}

// Handle implements handler.Handler. received is the synthetic
// "internal relay" wrap built by the relay package; it is never the
// client's own relay-forward (if any), since the core always adds one
// more layer of wrapping on top so the decision logic never has to
// special-case directly-received messages.
func (h *Handler) Handle(received wire.RelayMessage, receivedOverMulticast bool) (wire.Message, error) {
	var resp dhcpv6.DHCPv6
	var err error

	h.lock.ReaderAcquire()
	plugins := h.plugins
	h.lock.ReaderRelease()

	raw, ok := dhcpv6codec.Underlying(received)
	if !ok {
		return nil, fmt.Errorf("chain: received message was not produced by wire/dhcpv6codec")
	}

	inner, ierr := raw.GetInnerMessage()
	if ierr != nil {
		return nil, fmt.Errorf("chain: cannot get inner message: %w", ierr)
	}

	switch inner.Type() {
	case dhcpv6.MessageTypeSolicit:
		if inner.GetOneOption(dhcpv6.OptionRapidCommit) != nil {
			resp, err = dhcpv6.NewReplyFromMessage(inner)
		} else {
			resp, err = dhcpv6.NewAdvertiseFromSolicit(inner)
		}
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeConfirm, dhcpv6.MessageTypeRenew,
		dhcpv6.MessageTypeRebind, dhcpv6.MessageTypeRelease, dhcpv6.MessageTypeInformationRequest:
		resp, err = dhcpv6.NewReplyFromMessage(inner)
	default:
		err = fmt.Errorf("chain: message type %d not supported", inner.Type())
	}
	if err != nil {
		return nil, fmt.Errorf("chain: could not build response skeleton: %w", err)
	}

	var stop bool
	for _, plugin := range plugins {
		resp, stop = plugin(raw, resp)
		if stop {
			break
		}
	}
	if resp == nil {
		log.Debug("chain: dropping request, no plugin produced a response")
		return nil, nil
	}

	if raw.IsRelay() {
		rmsg, ok := resp.(*dhcpv6.Message)
		if !ok {
			log.Warning("chain: response is already a relay message, not re-encapsulating")
		} else {
			relayed, rerr := dhcpv6.NewRelayReplFromRelayForw(raw.(*dhcpv6.RelayMessage), rmsg)
			if rerr != nil {
				return nil, fmt.Errorf("chain: cannot create relay-reply from relay-forward: %w", rerr)
			}
			resp = relayed
		}
	}

	return dhcpv6codec.Wrap(resp), nil
}

var _ handler.Handler = (*Handler)(nil)

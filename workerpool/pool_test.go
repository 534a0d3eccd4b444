// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package workerpool

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipv6dhcp/ipv6dhcpd/netlisten"
	"github.com/ipv6dhcp/ipv6dhcpd/wire"
)

// fakeRelayMessage is a minimal wire.RelayMessage for tests that never
// need to round-trip through a real codec.
type fakeRelayMessage struct {
	typ wire.MessageType
}

func (m *fakeRelayMessage) Type() wire.MessageType { return m.typ }
func (m *fakeRelayMessage) IsRelay() bool          { return true }
func (m *fakeRelayMessage) ToBytes() []byte        { return []byte{byte(m.typ)} }
func (m *fakeRelayMessage) HopCount() uint8        { return 0 }
func (m *fakeRelayMessage) LinkAddress() net.IP    { return net.ParseIP("2001:db8::1") }
func (m *fakeRelayMessage) PeerAddress() net.IP    { return net.ParseIP("2001:db8::babe") }
func (m *fakeRelayMessage) Options() []wire.Option { return nil }
func (m *fakeRelayMessage) Inner() wire.Message    { return m }

// fakeHandler implements handler.Handler with a caller-supplied
// Handle function and a counted WorkerInit.
type fakeHandler struct {
	mu        sync.Mutex
	initCalls int
	handleFn  func(wire.RelayMessage, bool) (wire.Message, error)
}

func (h *fakeHandler) WorkerInit() error {
	h.mu.Lock()
	h.initCalls++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Reload(map[string]interface{}) error { return nil }

func (h *fakeHandler) Handle(received wire.RelayMessage, receivedOverMulticast bool) (wire.Message, error) {
	return h.handleFn(received, receivedOverMulticast)
}

func (h *fakeHandler) initCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initCalls
}

// fakeReplier records every SendReply call.
type fakeReplier struct {
	mu   sync.Mutex
	sent []netlisten.OutgoingPacketBundle
	err  error
}

func (r *fakeReplier) CanSendMultiple() bool { return false }

func (r *fakeReplier) SendReply(out netlisten.OutgoingPacketBundle) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	r.mu.Lock()
	r.sent = append(r.sent, out)
	r.mu.Unlock()
	return true, nil
}

func (r *fakeReplier) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitDispatchesJobAndSendsReply(t *testing.T) {
	reply := &fakeRelayMessage{typ: wire.MessageTypeRelayReply}
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) {
		return reply, nil
	}}
	replier := &fakeReplier{}

	p := New(2, h, nil, 4)
	p.Start()
	defer p.Close()

	bundle := netlisten.IncomingPacketBundle{MessageID: "#000001", LinkAddress: net.ParseIP("2001:db8::1")}
	ok := p.Submit(bundle, replier, false, &fakeRelayMessage{})
	require.True(t, ok)

	waitFor(t, func() bool { return replier.sentCount() == 1 })
	waitFor(t, func() bool { return p.Processed() == 1 })
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) {
		<-release
		return nil, nil
	}}

	p := New(1, h, nil, 1)
	p.Start()
	defer func() {
		close(release)
		p.Close()
	}()

	replier := &fakeReplier{}
	require.True(t, p.Submit(netlisten.IncomingPacketBundle{MessageID: "#1"}, replier, false, &fakeRelayMessage{}))

	waitFor(t, func() bool {
		// give the single worker a chance to pick up the first job and
		// block inside handleFn before we fill the queue behind it.
		return true
	})
	time.Sleep(20 * time.Millisecond)

	require.True(t, p.Submit(netlisten.IncomingPacketBundle{MessageID: "#2"}, replier, false, &fakeRelayMessage{}))
	assert.False(t, p.Submit(netlisten.IncomingPacketBundle{MessageID: "#3"}, replier, false, &fakeRelayMessage{}))
}

func TestWorkerInitCalledOncePerWorker(t *testing.T) {
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) { return nil, nil }}

	p := New(3, h, nil, 3)
	p.Start()
	defer p.Close()

	waitFor(t, func() bool { return h.initCount() == 3 })
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) {
		panic("handler exploded")
	}}

	p := New(1, h, nil, 2)
	p.Start()
	defer p.Close()

	replier := &fakeReplier{}
	require.True(t, p.Submit(netlisten.IncomingPacketBundle{MessageID: "#1"}, replier, false, &fakeRelayMessage{}))

	// A second job proves the worker survived the panic and kept
	// pulling from the queue.
	reply := &fakeRelayMessage{typ: wire.MessageTypeRelayReply}
	h.handleFn = func(wire.RelayMessage, bool) (wire.Message, error) { return reply, nil }
	bundle := netlisten.IncomingPacketBundle{MessageID: "#2", LinkAddress: net.ParseIP("2001:db8::1")}
	require.True(t, p.Submit(bundle, replier, false, &fakeRelayMessage{}))

	waitFor(t, func() bool { return replier.sentCount() == 1 })
}

func TestProcessLogsReplierError(t *testing.T) {
	reply := &fakeRelayMessage{typ: wire.MessageTypeRelayReply}
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) { return reply, nil }}
	replier := &fakeReplier{err: errors.New("connection reset")}

	p := New(1, h, nil, 2)
	p.Start()
	defer p.Close()

	bundle := netlisten.IncomingPacketBundle{MessageID: "#1", LinkAddress: net.ParseIP("2001:db8::1")}
	require.True(t, p.Submit(bundle, replier, false, &fakeRelayMessage{}))
	waitFor(t, func() bool { return p.Processed() == 1 })
}

func TestProcessDropsReplyFailingWrapperValidation(t *testing.T) {
	reply := &fakeRelayMessage{typ: wire.MessageTypeRelayReply}
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) { return reply, nil }}
	replier := &fakeReplier{}

	p := New(1, h, nil, 2)
	p.Start()
	defer p.Close()

	// reply's LinkAddress is 2001:db8::1; a bundle claiming a different
	// listener global address must make the reply get dropped.
	bundle := netlisten.IncomingPacketBundle{MessageID: "#1", LinkAddress: net.ParseIP("2001:db8::2")}
	require.True(t, p.Submit(bundle, replier, false, &fakeRelayMessage{}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, replier.sentCount())
	assert.Equal(t, uint64(0), p.Processed())
}

func TestSubmitAfterCloseReturnsFalse(t *testing.T) {
	h := &fakeHandler{handleFn: func(wire.RelayMessage, bool) (wire.Message, error) { return nil, nil }}
	p := New(1, h, nil, 1)
	p.Start()
	p.Close()

	ok := p.Submit(netlisten.IncomingPacketBundle{MessageID: "#1"}, &fakeReplier{}, false, &fakeRelayMessage{})
	assert.False(t, ok)
}

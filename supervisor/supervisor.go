// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package supervisor runs the main process loop: it opens the
// configured listen sockets, drops privileges, starts the worker pool
// and log aggregator, and dispatches incoming requests until a signal
// or an exhausted exception budget tells it to stop. Grounded on
// dhcpkit's ipv6/server/main.py.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ipv6dhcp/ipv6dhcpd/config"
	"github.com/ipv6dhcp/ipv6dhcpd/control"
	"github.com/ipv6dhcp/ipv6dhcpd/handler"
	"github.com/ipv6dhcp/ipv6dhcpd/logger"
	"github.com/ipv6dhcp/ipv6dhcpd/netlisten"
	"github.com/ipv6dhcp/ipv6dhcpd/relay"
	"github.com/ipv6dhcp/ipv6dhcpd/wire"
	"github.com/ipv6dhcp/ipv6dhcpd/wire/dhcpv6codec"
	"github.com/ipv6dhcp/ipv6dhcpd/workerpool"
)

var log = logger.GetLogger("supervisor")

// dispatchRequest is one bundle read off a listener, on its way to the
// worker pool.
type dispatchRequest struct {
	bundle                netlisten.IncomingPacketBundle
	replier               netlisten.Replier
	receivedOverMulticast bool
}

// Supervisor owns every listener, the worker pool, and the log
// aggregator for one running server instance.
type Supervisor struct {
	cfg     *config.Config
	handler handler.Handler
	codec   wire.Codec

	listeners     []netlisten.Listener
	pool          *workerpool.Pool
	logQueue      *workerpool.LogQueue
	aggregator    *workerpool.QueueAggregator
	control       *control.Server
	budget        *exceptionBudget
	dispatch      chan dispatchRequest
	stopWorkers   chan struct{}
	stopRequested chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New builds a Supervisor from a validated configuration and the
// handler chain it will dispatch requests to. It does not open any
// sockets or start any goroutines; call Run for that.
func New(cfg *config.Config, h handler.Handler) *Supervisor {
	return &Supervisor{
		cfg:           cfg,
		handler:       h,
		codec:         dhcpv6codec.New(),
		dispatch:      make(chan dispatchRequest, cfg.Workers*4),
		stopWorkers:   make(chan struct{}),
		stopRequested: make(chan struct{}),
	}
}

// Reload implements control.Controllable.
func (s *Supervisor) Reload() error {
	return s.handler.Reload(nil)
}

// Status implements control.Controllable.
func (s *Supervisor) Status() string {
	return fmt.Sprintf("%d requests processed", s.pool.Processed())
}

// RequestStop asks Run's dispatch loop to exit; the exception-budget
// check in readLoop calls it once the budget trips (the SIGHUP handler
// in Run returns an error directly instead). Safe to call more than
// once, and from any goroutine.
func (s *Supervisor) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopRequested) })
}

// Run opens listeners, drops privileges, and serves requests until a
// termination signal arrives or the exception budget trips. It returns
// nil on a clean shutdown.
func (s *Supervisor) Run() error {
	if err := s.setup(); err != nil {
		return err
	}
	defer s.shutdown()

	sigCh := watchSignals()
	defer stopWatchingSignals(sigCh)

	s.budget = newExceptionBudget(s.cfg.MaxExceptions, s.cfg.ExceptionWindow)

	for _, l := range s.listeners {
		s.wg.Add(1)
		go s.readLoop(l)
	}

	for {
		select {
		case <-s.stopRequested:
			log.Info("stop requested")
			return nil
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info("SIGHUP received, reloading handler chain")
				if err := s.handler.Reload(nil); err != nil {
					log.Errorf("reload failed: %v", err)
					if s.budget.record() {
						log.Error("exception budget exceeded during reload, stopping")
						return fmt.Errorf("supervisor: exception budget exceeded: %w", err)
					}
				}
			case syscall.SIGUSR1:
				log.Infof("status: %d requests processed", s.pool.Processed())
			case syscall.SIGINT, syscall.SIGTERM:
				log.Infof("%s received, stopping", sig)
				return nil
			}
		case req, ok := <-s.dispatch:
			if !ok {
				return nil
			}
			s.handleDispatch(req)
		}
	}
}

func (s *Supervisor) setup() error {
	if s.cfg.User != "" {
		if err := dropPrivilegesTemporary(s.cfg.User, s.cfg.Group); err != nil {
			return err
		}
	}

	s.logQueue = workerpool.NewLogQueue(256)
	handlers, err := buildOutputHandlers(s.cfg.Logging)
	if err != nil {
		return err
	}
	s.aggregator = workerpool.NewQueueAggregator(s.logQueue, handlers...)
	go s.aggregator.Run()

	if s.cfg.User != "" {
		if err := restorePrivileges(); err != nil {
			return err
		}
	}

	resolved, err := s.cfg.ResolveListeners()
	if err != nil {
		return err
	}
	for _, r := range resolved {
		l, err := s.openListener(r)
		if err != nil {
			for _, opened := range s.listeners {
				opened.Close()
			}
			return err
		}
		s.listeners = append(s.listeners, l)
	}

	if s.cfg.User != "" {
		if err := dropPrivilegesPermanent(s.cfg.User, s.cfg.Group); err != nil {
			return err
		}
	}

	s.pool = workerpool.New(s.cfg.Workers, s.handler, s.logQueue, 0)
	s.pool.Start()

	ctl, err := control.New(s.cfg.ControlSocket, s)
	if err != nil {
		return err
	}
	s.control = ctl
	go func() {
		if err := s.control.Serve(); err != nil {
			log.Warningf("control socket: %v", err)
		}
	}()

	return nil
}

func (s *Supervisor) openListener(r config.ResolvedListen) (netlisten.Listener, error) {
	switch r.Proto {
	case "udp":
		f := &netlisten.UDPListenerFactory{
			Codec: s.codec,
			Listen: netlisten.ListenAddress{
				InterfaceName: r.Address.Zone,
				ListenAddress: r.Address,
				ReplyAddress:  r.ReplyAddress,
				Marks:         r.Marks,
			},
		}
		return f.CreateListener(nil)
	case "tcp":
		f := &netlisten.TCPListenerFactory{
			Codec: s.codec,
			Listen: netlisten.ListenAddress{
				InterfaceName:  r.Address.Zone,
				ListenAddress:  r.Address,
				Marks:          r.Marks,
				MaxConnections: r.MaxConnections,
				AllowFrom:      r.AllowFrom,
			},
		}
		return f.CreateListener(nil)
	default:
		return nil, fmt.Errorf("supervisor: unknown listen proto %q", r.Proto)
	}
}

// readLoop pulls bundles off one listener and forwards them to the
// dispatch channel until the listener closes.
func (s *Supervisor) readLoop(l netlisten.Listener) {
	defer s.wg.Done()
	for {
		bundle, replier, err := l.RecvRequest()
		if err != nil {
			if errors.Is(err, netlisten.ErrIgnoreMessage) {
				continue
			}
			if errors.Is(err, netlisten.ErrClosedListener) {
				return
			}
			log.Warningf("listener error: %v", err)
			if s.budget.record() {
				log.Error("exception budget exceeded, stopping")
				s.RequestStop()
			}
			continue
		}
		select {
		case s.dispatch <- dispatchRequest{bundle: bundle, replier: replier, receivedOverMulticast: bundle.ReceivedOverMulticast}:
		case <-s.stopWorkers:
			return
		}
	}
}

// handleDispatch decodes the raw bytes, builds the synthetic relay
// wrap, and submits the job to the worker pool.
func (s *Supervisor) handleDispatch(req dispatchRequest) {
	// A malformed packet is an InvalidPacket, explicitly non-fatal per
	// spec §7: it is dropped and logged, never counted against the
	// exception budget.
	inner, err := s.codec.FromBytes(req.bundle.Data)
	if err != nil {
		log.Warningf("%s: could not decode message: %v", req.bundle.MessageID, err)
		return
	}

	interfaceID := []byte(nil)
	for _, opt := range req.bundle.RelayOptions {
		if opt.Code() == wire.OptionInterfaceID {
			interfaceID = opt.Data()
		}
	}

	wrapped, err := relay.BuildIncomingWrap(s.codec, inner, req.bundle.LinkAddress, req.bundle.SourceAddress, interfaceID)
	if err != nil {
		log.Warningf("%s: could not build relay wrap: %v", req.bundle.MessageID, err)
		return
	}

	if !s.pool.Submit(req.bundle, req.replier, req.receivedOverMulticast, wrapped) {
		log.Warningf("%s: worker pool queue full, dropping request", req.bundle.MessageID)
	}
}

func (s *Supervisor) shutdown() {
	if s.control != nil {
		s.control.Close()
	}
	close(s.stopWorkers)
	for _, l := range s.listeners {
		l.Close()
	}
	s.wg.Wait()
	if s.pool != nil {
		s.pool.Close()
	}
	if s.logQueue != nil {
		s.logQueue.Close()
	}
}

// buildOutputHandlers turns configured logging directives into
// workerpool.OutputHandler values, one per sink.
func buildOutputHandlers(entries []config.LoggingHandler) ([]workerpool.OutputHandler, error) {
	out := make([]workerpool.OutputHandler, 0, len(entries))
	for _, e := range entries {
		level, err := logrus.ParseLevel(e.Level)
		if err != nil {
			return nil, fmt.Errorf("supervisor: invalid logging level %q: %w", e.Level, err)
		}

		var w io.Writer
		switch e.Type {
		case "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		case "file":
			f, err := os.OpenFile(e.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("supervisor: opening log file %q: %w", e.Path, err)
			}
			w = f
		default:
			return nil, fmt.Errorf("supervisor: unknown logging handler type %q", e.Type)
		}

		sink := logrus.New()
		sink.SetOutput(w)
		sink.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		sink.SetLevel(logrus.TraceLevel)

		out = append(out, workerpool.OutputHandler{
			Level: level,
			Write: func(rec workerpool.Record) {
				sink.WithFields(logrus.Fields(rec.Fields)).WithField("worker", rec.Worker).Log(rec.Level, rec.Message)
			},
		})
	}
	return out, nil
}

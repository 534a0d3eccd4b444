// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package control implements the remote-control UNIX socket, grounded
// on dhcpkit's DHCPKitControlClient/server protocol (dhcpctl.py): a
// line-oriented protocol over a UNIX stream socket, opening with a
// "DHCPKit " banner line, each command answered with zero or more
// plain lines followed by either "OK", "OK:<data>", or "UNKNOWN".
package control

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("control")

// banner is sent as the first line of every new connection so a client
// can confirm it dialed the right kind of socket.
const banner = "DHCPKit ipv6dhcpd"

// Controllable is the subset of supervisor.Supervisor the control
// socket drives. Kept as a narrow interface here (rather than
// importing package supervisor) so control has no dependency on the
// dispatch loop it is remote-controlling. There is no command that
// stops the daemon itself — "quit" only ends the control connection —
// so supervisor.Supervisor's RequestStop is not part of this contract.
type Controllable interface {
	// Reload re-reads configuration and applies it to the handler
	// chain, the way SIGHUP does.
	Reload() error
	// Status returns a one-line human-readable summary of server
	// state (requests processed, worker count, and so on).
	Status() string
}

// Server listens on a UNIX-domain socket and answers control commands
// against a Controllable.
type Server struct {
	path     string
	target   Controllable
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New binds a UNIX-domain socket at path, removing a stale socket file
// left behind by a previous, uncleanly-terminated run.
func New(path string, target Controllable) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control: removing stale socket %q: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %q: %w", path, err)
	}

	return &Server{
		path:     path,
		target:   target,
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

// Serve accepts connections until the listener is closed, handling
// each one in its own goroutine. It returns nil once Close has been
// called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops accepting new connections and closes every open one.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	os.Remove(s.path)
	return err
}

func (s *Server) forget(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.forget(conn)

	if _, err := fmt.Fprintf(conn, "%s\n", banner); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "" {
			continue
		}
		if !s.dispatch(conn, cmd) {
			return
		}
	}
}

// dispatch runs one command and writes its response. It returns false
// when the connection should be closed after this command (the "quit"
// command, or a write failure).
func (s *Server) dispatch(conn net.Conn, cmd string) bool {
	switch cmd {
	case "help":
		lines := []string{
			"help    show this text",
			"status  show server status",
			"reload  reload the handler chain configuration",
			"quit    close this connection",
		}
		for _, l := range lines {
			if _, err := fmt.Fprintln(conn, l); err != nil {
				return false
			}
		}
		return writeOK(conn)

	case "status":
		if _, err := fmt.Fprintf(conn, "OK:%s\n", s.target.Status()); err != nil {
			return false
		}
		return true

	case "reload":
		if err := s.target.Reload(); err != nil {
			log.Errorf("control: reload failed: %v", err)
			fmt.Fprintf(conn, "OK:reload failed: %v\n", err)
			return true
		}
		return writeOK(conn)

	case "quit":
		writeOK(conn)
		return false

	default:
		_, err := fmt.Fprintln(conn, "UNKNOWN")
		return err == nil
	}
}

func writeOK(conn net.Conn) bool {
	_, err := fmt.Fprintln(conn, "OK")
	return err == nil
}

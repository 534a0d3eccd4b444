// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var (
	flagControlSocket = flag.String("c", "/var/run/ipv6-dhcpd.sock", "location of the UNIX socket for server control")
	flagVerbosity     countFlag
)

func init() {
	flag.Var(&flagVerbosity, "v", "increase output verbosity (may be repeated)")
}

// countFlag implements flag.Value as a repeatable counter, the Go
// equivalent of argparse's action="count" in dhcpctl.py's handle_args.
type countFlag int

func (c *countFlag) String() string { return fmt.Sprintf("%d", int(*c)) }
func (c *countFlag) Set(string) error {
	*c++
	return nil
}
func (c *countFlag) IsBoolFlag() bool { return true }

// client is a minimal line-oriented client for the control socket
// protocol, ported from dhcpctl.py's DHCPKitControlClient.
type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dial(path string) (*client, error) {
	conn, err := net.DialTimeout("unix", path, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", path, err)
	}

	c := &client{conn: conn, reader: bufio.NewReader(conn)}
	line, err := c.receiveLine()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.HasPrefix(line, "DHCPKit ") {
		conn.Close()
		return nil, fmt.Errorf("socket at %q doesn't look like a server control socket", path)
	}
	return c, nil
}

func (c *client) receiveLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading from server: %w", err)
	}
	return strings.TrimRight(line, "\n"), nil
}

// execute sends one command and returns every line of output up to,
// but not including, the terminating OK/OK:<data>/UNKNOWN line; for an
// OK:<data> line, <data> is appended as the last element.
func (c *client) execute(command string) ([]string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", command); err != nil {
		return nil, fmt.Errorf("sending command: %w", err)
	}

	var out []string
	for {
		line, err := c.receiveLine()
		if err != nil {
			return out, err
		}
		switch {
		case line == "UNKNOWN":
			return out, fmt.Errorf("server doesn't understand %q", command)
		case line == "OK":
			return out, nil
		case strings.HasPrefix(line, "OK:"):
			out = append(out, line[len("OK:"):])
			return out, nil
		default:
			out = append(out, line)
		}
	}
}

func (c *client) close() {
	c.conn.Close()
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-c socket] <command>\n\nUse the command 'help' to see which commands the server supports.\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	log := logger.GetLogger("main")
	logger.SetVerbosity(log, int(flagVerbosity))

	c, err := dial(*flagControlSocket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.close()

	lines, err := c.execute(command)
	for _, l := range lines {
		fmt.Println(l)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

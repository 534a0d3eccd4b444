// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/ipv6dhcp/ipv6dhcpd/logger"
)

var log = logger.GetLogger("config")

// Config holds the supervisor, listener, and handler-chain
// configuration for one server instance. Unlike the teacher's
// dual-protocol Config, this server only ever runs one protocol
// (DHCPv6, spec.md's Non-goal excludes IPv4 entirely), so there is a
// single flat configuration tree instead of a Server6/Server4 pair.
type Config struct {
	v *viper.Viper

	// Workers is the fixed size of the worker pool (spec.md §4.4).
	Workers int
	// ExceptionWindow and MaxExceptions bound the supervisor's
	// exception budget (spec.md §4.5).
	ExceptionWindow time.Duration
	MaxExceptions   int
	// ControlSocket is the UNIX-domain socket path the remote-control
	// listener binds to.
	ControlSocket string
	// User and Group are dropped to after listeners are opened.
	User  string
	Group string

	// Listen is the set of UDP/TCP listen entries to build via
	// netlisten's listener factories.
	Listen []ListenEntry

	// Logging is the list of output sinks the log-queue aggregator
	// dispatches to.
	Logging []LoggingHandler

	// Plugins configures the reference handler chain
	// (handler/chain/plugins/...), in the order they should run.
	Plugins []PluginConfig
}

// ListenEntry describes one listen directive: a UDP or TCP socket,
// bound to one interface, optionally joining a multicast group.
type ListenEntry struct {
	Proto          string // "udp" or "tcp"
	InterfaceName  string
	Address        string
	Port           int
	Marks          []string
	MaxConnections int      // TCP only
	AllowFrom      []string // TCP only, CIDR strings
}

// LoggingHandler is one log sink: stdout/stderr or a file, with its
// own minimum severity level.
type LoggingHandler struct {
	Type  string // "stdout", "stderr", "file"
	Level string
	Path  string // only used when Type == "file"
}

// PluginConfig holds the configuration of one handler-chain plugin.
type PluginConfig struct {
	Name string
	Args []string
}

// New returns an empty, unparsed Config.
func New() *Config {
	return &Config{v: viper.New()}
}

// Load reads a configuration file and returns a parsed Config, or an
// error if the file is malformed or any directive fails validation.
func Load(pathOverride string) (*Config, error) {
	log.Print("Loading configuration")
	c := New()
	c.v.SetConfigType("yml")
	if pathOverride != "" {
		c.v.SetConfigFile(pathOverride)
	} else {
		c.v.SetConfigName("config")
		c.v.AddConfigPath(".")
		c.v.AddConfigPath("$XDG_CONFIG_HOME/ipv6dhcpd/")
		c.v.AddConfigPath("$HOME/.ipv6dhcpd/")
		c.v.AddConfigPath("/etc/ipv6dhcpd/")
	}

	c.v.SetDefault("workers", 4)
	c.v.SetDefault("exception_window", 10)
	c.v.SetDefault("max_exceptions", 10)
	c.v.SetDefault("control_socket", "/var/run/ipv6-dhcpd.sock")

	if err := c.v.ReadInConfig(); err != nil {
		return nil, err
	}

	if err := c.parseSupervisor(); err != nil {
		return nil, err
	}
	if err := c.parseListen(); err != nil {
		return nil, err
	}
	if err := c.parseLogging(); err != nil {
		return nil, err
	}
	if err := c.parsePlugins(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) parseSupervisor() error {
	c.Workers = c.v.GetInt("workers")
	if c.Workers < 1 {
		return ConfigErrorFromString("workers must be at least 1, got %d", c.Workers)
	}

	c.ExceptionWindow = time.Duration(c.v.GetInt("exception_window")) * time.Second
	if c.ExceptionWindow <= 0 {
		return ConfigErrorFromString("exception_window must be a positive number of seconds")
	}

	c.MaxExceptions = c.v.GetInt("max_exceptions")
	if c.MaxExceptions < 0 {
		return ConfigErrorFromString("max_exceptions cannot be negative")
	}

	c.ControlSocket = c.v.GetString("control_socket")

	c.User = c.v.GetString("user")
	c.Group = c.v.GetString("group")
	if (c.User == "") != (c.Group == "") {
		return ConfigErrorFromString("user and group must both be set, or both left empty")
	}

	return nil
}

func (c *Config) parseListen() error {
	raw := c.v.Get("listen")
	if raw == nil {
		return ConfigErrorFromString("no `listen` directives configured")
	}

	entries, err := cast.ToSliceE(raw)
	if err != nil {
		return ConfigErrorFromString("listen: expected a list of entries: %v", err)
	}

	for idx, item := range entries {
		m := cast.ToStringMap(item)
		if m == nil {
			return ConfigErrorFromString("listen[%d]: expected a map", idx)
		}

		proto := strings.ToLower(cast.ToString(m["proto"]))
		if proto != "udp" && proto != "tcp" {
			return ConfigErrorFromString("listen[%d]: proto must be \"udp\" or \"tcp\", got %q", idx, proto)
		}

		entry := ListenEntry{
			Proto:         proto,
			InterfaceName: cast.ToString(m["interface"]),
			Address:       cast.ToString(m["address"]),
		}

		if entry.Address == "" {
			return ConfigErrorFromString("listen[%d]: address is required", idx)
		}

		port := dhcpv6.DefaultServerPort
		if p, ok := m["port"]; ok {
			port = cast.ToInt(p)
		}
		entry.Port = port

		if marks, ok := m["marks"]; ok {
			ms, err := cast.ToStringSliceE(marks)
			if err != nil {
				return ConfigErrorFromString("listen[%d]: marks: %v", idx, err)
			}
			entry.Marks = ms
		}

		if proto == "tcp" {
			entry.MaxConnections = cast.ToInt(m["max_connections"])
			if allow, ok := m["allow_from"]; ok {
				af, err := cast.ToStringSliceE(allow)
				if err != nil {
					return ConfigErrorFromString("listen[%d]: allow_from: %v", idx, err)
				}
				entry.AllowFrom = af
			}
		}

		if net.ParseIP(entry.Address) == nil {
			return ConfigErrorFromString("listen[%d]: invalid IPv6 address %q", idx, entry.Address)
		}

		c.Listen = append(c.Listen, entry)
	}

	return nil
}

func (c *Config) parseLogging() error {
	raw := c.v.Get("logging")
	if raw == nil {
		c.Logging = []LoggingHandler{{Type: "stdout", Level: "info"}}
		return nil
	}

	entries, err := cast.ToSliceE(raw)
	if err != nil {
		return ConfigErrorFromString("logging: expected a list of entries: %v", err)
	}

	for idx, item := range entries {
		m := cast.ToStringMap(item)
		if m == nil {
			return ConfigErrorFromString("logging[%d]: expected a map", idx)
		}

		h := LoggingHandler{
			Type:  strings.ToLower(cast.ToString(m["type"])),
			Level: strings.ToLower(cast.ToString(m["level"])),
			Path:  cast.ToString(m["path"]),
		}
		if h.Type == "" {
			h.Type = "stdout"
		}
		if h.Level == "" {
			h.Level = "info"
		}
		if h.Type == "file" && h.Path == "" {
			return ConfigErrorFromString("logging[%d]: type \"file\" requires a path", idx)
		}

		c.Logging = append(c.Logging, h)
	}

	return nil
}

func (c *Config) parsePlugins() error {
	raw := c.v.Get("plugins")
	if raw == nil {
		return nil
	}

	pluginList := cast.ToSlice(raw)
	if pluginList == nil {
		return ConfigErrorFromString("plugins: not a list")
	}

	plugins, err := parsePluginList(pluginList)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		log.Printf("found plugin `%s` with %d args: %v", p.Name, len(p.Args), p.Args)
	}
	c.Plugins = plugins
	return nil
}

func parsePluginList(pluginList []interface{}) ([]PluginConfig, error) {
	plugins := make([]PluginConfig, 0, len(pluginList))
	for idx, val := range pluginList {
		conf := cast.ToStringMap(val)
		if conf == nil {
			return nil, ConfigErrorFromString("plugins[%d]: not a string map", idx)
		}
		if len(conf) != 1 {
			return nil, ConfigErrorFromString("plugins[%d]: exactly one plugin per item can be specified", idx)
		}
		var (
			name string
			args []string
		)
		for k, v := range conf {
			name = k
			args = strings.Fields(cast.ToString(v))
			break
		}
		plugins = append(plugins, PluginConfig{Name: name, Args: args})
	}
	return plugins, nil
}

// ResolvedListen is one concrete socket a listener factory should bind,
// after multicast expansion has turned a single link-local multicast
// `listen` directive into one entry per multicast-capable interface.
type ResolvedListen struct {
	Proto          string
	Address        *net.UDPAddr
	ReplyAddress   *net.UDPAddr // set only for a multicast UDP entry
	Marks          []string
	MaxConnections int
	AllowFrom      []*net.IPNet
}

// ResolveListeners turns the parsed `listen` directives into concrete
// sockets to bind, expanding link-local multicast addresses against the
// live interface list.
func (c *Config) ResolveListeners() ([]ResolvedListen, error) {
	var out []ResolvedListen

	for _, entry := range c.Listen {
		hostport := entry.Address
		if entry.InterfaceName != "" {
			hostport = entry.Address + "%" + entry.InterfaceName
		}
		hostport = net.JoinHostPort(hostport, strconv.Itoa(entry.Port))

		addr, err := getListenAddress(hostport)
		if err != nil {
			return nil, err
		}

		var allowFrom []*net.IPNet
		for _, cidr := range entry.AllowFrom {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, ConfigErrorFromString("listen: invalid allow_from CIDR %q: %v", cidr, err)
			}
			allowFrom = append(allowFrom, ipnet)
		}

		if entry.Proto == "udp" && (addr.IP.IsLinkLocalMulticast() || addr.IP.IsInterfaceLocalMulticast()) && addr.Zone == "" {
			expanded, err := expandLLMulticast(addr)
			if err != nil {
				return nil, err
			}
			for i := range expanded {
				udpAddr := expanded[i]
				replyIP, err := linkLocalAddressOn(udpAddr.Zone)
				if err != nil {
					return nil, err
				}
				replyAddr := &net.UDPAddr{IP: replyIP, Port: dhcpv6ServerPort, Zone: udpAddr.Zone}
				out = append(out, ResolvedListen{
					Proto:        "udp",
					Address:      &udpAddr,
					ReplyAddress: replyAddr,
					Marks:        entry.Marks,
				})
			}
			continue
		}

		out = append(out, ResolvedListen{
			Proto:          entry.Proto,
			Address:        addr,
			Marks:          entry.Marks,
			MaxConnections: entry.MaxConnections,
			AllowFrom:      allowFrom,
		})
	}

	return out, nil
}

// BUG(Natolumin): listen specifications of the form `[ip6]%iface:port` or
// `[ip6]%iface` are not supported, even though they are the default format of
// the `ss` utility in linux. Use `[ip6%iface]:port` instead

// splitHostPort splits an address of the form ip%zone:port into ip,zone and port.
// It still returns if any of these are unset (unlike net.SplitHostPort which
// returns an error if there is no port)
func splitHostPort(hostport string) (ip string, zone string, port string, err error) {
	ip, port, err = net.SplitHostPort(hostport)
	if err != nil {
		// Either there is no port, or a more serious error.
		// Supply a synthetic port to differentiate cases
		var altErr error
		if ip, _, altErr = net.SplitHostPort(hostport + ":0"); altErr != nil {
			// Invalid even with a fake port. Return the original error
			return
		}
		err = nil
	}
	if i := strings.LastIndexByte(ip, '%'); i >= 0 {
		ip, zone = ip[:i], ip[i+1:]
	}
	return
}

// getListenAddress parses a bare "ip%zone:port" string into a
// *net.UDPAddr, defaulting the port to the DHCPv6 server port.
func getListenAddress(addr string) (*net.UDPAddr, error) {
	ipStr, ifname, portStr, err := splitHostPort(addr)
	if err != nil {
		return nil, ConfigErrorFromString("%v", err)
	}

	ip := net.ParseIP(ipStr)
	if ipStr == "" {
		ip = net.IPv6unspecified
	}
	if ip == nil {
		return nil, ConfigErrorFromString("invalid IP address in `listen` directive: %s", ipStr)
	}
	if ip.To4() != nil {
		return nil, ConfigErrorFromString("not a valid IPv6 address in `listen` directive: '%s'", ipStr)
	}

	port := dhcpv6.DefaultServerPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return nil, ConfigErrorFromString("invalid `listen` port '%s'", portStr)
		}
	}

	return &net.UDPAddr{IP: ip, Port: port, Zone: ifname}, nil
}

// expandLLMulticast turns a link-local (or interface-local) multicast
// address with no explicit zone into one entry per multicast-capable
// interface, since a link-local multicast join is meaningless without
// choosing an interface.
//
// BUG(Natolumin): interfaces that come up after the server starts are
// not picked up; this only expands against the interface list at
// parse time.
func expandLLMulticast(addr *net.UDPAddr) ([]net.UDPAddr, error) {
	if !addr.IP.IsLinkLocalMulticast() && !addr.IP.IsInterfaceLocalMulticast() {
		return nil, ConfigErrorFromString("address is not multicast")
	}
	if addr.Zone != "" {
		return nil, ConfigErrorFromString("address is already zoned")
	}

	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("could not list network interfaces: %w", err)
	}

	ret := make([]net.UDPAddr, 0, len(ifs))
	for _, iface := range ifs {
		if iface.Flags&net.FlagMulticast != net.FlagMulticast {
			continue
		}
		caddr := *addr
		caddr.Zone = iface.Name
		ret = append(ret, caddr)
	}
	if len(ret) == 0 {
		return nil, ConfigErrorFromString("no suitable interface found for multicast listener")
	}
	return ret, nil
}

// dhcpv6ServerPort is RFC 8415 §7.2's well-known server port; both the
// listen and reply sockets must be bound to it (spec.md §4.2.1).
const dhcpv6ServerPort = 547

// linkLocalAddressOn returns the first link-local unicast IPv6 address
// configured on ifaceName, the address a multicast listener's reply
// socket must send from.
func linkLocalAddressOn(ifaceName string) (net.IP, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("could not look up interface %s: %w", ifaceName, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("could not list addresses on interface %s: %w", ifaceName, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() == nil && ipnet.IP.IsLinkLocalUnicast() {
			return ipnet.IP, nil
		}
	}
	return nil, ConfigErrorFromString("interface %s has no link-local unicast address to reply from", ifaceName)
}

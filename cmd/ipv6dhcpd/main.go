// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ipv6dhcp/ipv6dhcpd/config"
	"github.com/ipv6dhcp/ipv6dhcpd/handler/chain"
	"github.com/ipv6dhcp/ipv6dhcpd/handler/chain/plugins/dns"
	"github.com/ipv6dhcp/ipv6dhcpd/handler/chain/plugins/dumprequests"
	"github.com/ipv6dhcp/ipv6dhcpd/handler/chain/plugins/prefix"
	"github.com/ipv6dhcp/ipv6dhcpd/handler/chain/plugins/serverid"
	"github.com/ipv6dhcp/ipv6dhcpd/logger"
	"github.com/ipv6dhcp/ipv6dhcpd/supervisor"
)

var (
	flagLogFile     = flag.String("logfile", "", "Name of the log file to append to. Default: stdout/stderr only")
	flagLogNoStdout = flag.Bool("nostdout", false, "Disable logging to stdout/stderr")
	flagLogLevel    = flag.String("loglevel", "info", fmt.Sprintf("Log level. One of %v", getLogLevels()))
	flagConfig      = flag.String("conf", "", "Use this configuration file instead of the default location")
)

var logLevels = map[string]func(*logrus.Logger){
	"none":    func(l *logrus.Logger) { l.SetOutput(ioutil.Discard) },
	"debug":   func(l *logrus.Logger) { l.SetLevel(logrus.DebugLevel) },
	"info":    func(l *logrus.Logger) { l.SetLevel(logrus.InfoLevel) },
	"warning": func(l *logrus.Logger) { l.SetLevel(logrus.WarnLevel) },
	"error":   func(l *logrus.Logger) { l.SetLevel(logrus.ErrorLevel) },
	"fatal":   func(l *logrus.Logger) { l.SetLevel(logrus.FatalLevel) },
}

func getLogLevels() []string {
	var levels []string
	for k := range logLevels {
		levels = append(levels, k)
	}
	return levels
}

// pluginFactories maps a configured plugin name to the constructor for
// the matching reference plugin in handler/chain/plugins. Unlike
// coredhcp's dynamically-loaded plugin registry, the chain this binary
// ships is the fixed, built-in reference chain spec.md names, so the
// mapping is a plain table instead of a runtime registration call.
var pluginFactories = map[string]func(args []string) (chain.PluginHandler, error){
	"server_id": func(args []string) (chain.PluginHandler, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("server_id: expected 2 arguments (duid-type mac), got %d", len(args))
		}
		p, err := serverid.New(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return p.Handle, nil
	},
	"dns": func(args []string) (chain.PluginHandler, error) {
		p, err := dns.New(args...)
		if err != nil {
			return nil, err
		}
		return p.Handle, nil
	},
	"prefix": func(args []string) (chain.PluginHandler, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("prefix: expected 2 arguments (pool alloc-size), got %d", len(args))
		}
		size, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("prefix: invalid alloc-size %q: %w", args[1], err)
		}
		p, err := prefix.New(args[0], size)
		if err != nil {
			return nil, err
		}
		return p.Handle, nil
	},
	"dumprequests": func(args []string) (chain.PluginHandler, error) {
		return dumprequests.New().Handle, nil
	},
}

func buildHandlerChain(plugins []config.PluginConfig) (*chain.Handler, error) {
	handlers := make([]chain.PluginHandler, 0, len(plugins))
	for _, p := range plugins {
		factory, ok := pluginFactories[p.Name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", p.Name)
		}
		h, err := factory(p.Args)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", p.Name, err)
		}
		handlers = append(handlers, h)
	}
	return chain.New(handlers...), nil
}

func main() {
	flag.Parse()

	log := logger.GetLogger("main")
	fn, ok := logLevels[*flagLogLevel]
	if !ok {
		log.Fatalf("Invalid log level '%s'. Valid log levels are %v", *flagLogLevel, getLogLevels())
	}
	fn(log.Logger)
	log.Infof("Setting log level to '%s'", *flagLogLevel)
	if *flagLogFile != "" {
		log.Infof("Logging to file %s", *flagLogFile)
		logger.WithFile(log, *flagLogFile)
	}
	if *flagLogNoStdout {
		log.Infof("Disabling logging to stdout/stderr")
		logger.WithNoStdOutErr(log)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	h, err := buildHandlerChain(cfg.Plugins)
	if err != nil {
		log.Fatalf("Failed to build handler chain: %v", err)
	}

	sup := supervisor.New(cfg, h)
	if err := sup.Run(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

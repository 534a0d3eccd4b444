// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesSupervisorDefaults(t *testing.T) {
	path := writeConfig(t, `
listen:
  - proto: udp
    address: "::"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 10*time.Second, c.ExceptionWindow)
	assert.Equal(t, 10, c.MaxExceptions)
	assert.Equal(t, "/var/run/ipv6-dhcpd.sock", c.ControlSocket)
	assert.Equal(t, []LoggingHandler{{Type: "stdout", Level: "info"}}, c.Logging)
}

func TestLoadParsesListenEntries(t *testing.T) {
	path := writeConfig(t, `
listen:
  - proto: udp
    interface: eth0
    address: "ff02::1:2"
    marks: [relay]
  - proto: tcp
    interface: eth0
    address: "2001:db8::1"
    max_connections: 5
    allow_from: ["2001:db8::/32"]
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Listen, 2)

	assert.Equal(t, "udp", c.Listen[0].Proto)
	assert.Equal(t, []string{"relay"}, c.Listen[0].Marks)

	assert.Equal(t, "tcp", c.Listen[1].Proto)
	assert.Equal(t, 5, c.Listen[1].MaxConnections)
	assert.Equal(t, []string{"2001:db8::/32"}, c.Listen[1].AllowFrom)
}

func TestResolveListenersBuildsConcreteSockets(t *testing.T) {
	path := writeConfig(t, `
listen:
  - proto: udp
    address: "2001:db8::1"
  - proto: tcp
    address: "2001:db8::2"
    max_connections: 3
    allow_from: ["2001:db8::/32"]
`)
	c, err := Load(path)
	require.NoError(t, err)

	resolved, err := c.ResolveListeners()
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	assert.Equal(t, "udp", resolved[0].Proto)
	assert.Equal(t, "2001:db8::1", resolved[0].Address.IP.String())
	assert.Equal(t, 547, resolved[0].Address.Port)

	assert.Equal(t, "tcp", resolved[1].Proto)
	assert.Equal(t, "2001:db8::2", resolved[1].Address.IP.String())
	assert.Equal(t, 3, resolved[1].MaxConnections)
	require.Len(t, resolved[1].AllowFrom, 1)
	assert.Equal(t, "2001:db8::/32", resolved[1].AllowFrom[0].String())
}

func TestLoadRejectsMissingListen(t *testing.T) {
	path := writeConfig(t, `workers: 2`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidListenAddress(t *testing.T) {
	path := writeConfig(t, `
listen:
  - proto: udp
    address: "not-an-address"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	path := writeConfig(t, `
workers: 0
listen:
  - proto: udp
    address: "::"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsPartialUserGroup(t *testing.T) {
	path := writeConfig(t, `
user: dhcp
listen:
  - proto: udp
    address: "::"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadParsesPlugins(t *testing.T) {
	path := writeConfig(t, `
listen:
  - proto: udp
    address: "::"
plugins:
  - server_id: "ll 00:11:22:33:44:55"
  - dns: "2001:db8::1"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.Plugins, 2)
	assert.Equal(t, "server_id", c.Plugins[0].Name)
	assert.Equal(t, []string{"ll", "00:11:22:33:44:55"}, c.Plugins[0].Args)
	assert.Equal(t, "dns", c.Plugins[1].Name)
	assert.Equal(t, []string{"2001:db8::1"}, c.Plugins[1].Args)
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package supervisor

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// resolveUserGroup looks up the numeric uid/gid for the configured
// user/group names.
func resolveUserGroup(username, groupname string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: unknown user %q: %w", username, err)
	}
	g, err := user.LookupGroup(groupname)
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: unknown group %q: %w", groupname, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: invalid uid for %q: %w", username, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("supervisor: invalid gid for %q: %w", groupname, err)
	}
	return uid, gid, nil
}

// dropPrivilegesTemporary changes only the effective uid/gid, keeping
// the real uid at 0 so restorePrivileges can undo it later. Used
// before opening log files, so they're created with the right owner;
// root is restored before the listener ports are bound. Ported from
// dhcpkit's main.py drop_privileges(permanent=False) (os.seteuid/
// os.setegid there; syscall.Setreuid/Setregid with ruid/rgid left at
// -1 here achieve the same effective-only change).
func dropPrivilegesTemporary(username, groupname string) error {
	if username == "" && groupname == "" {
		return nil
	}
	uid, gid, err := resolveUserGroup(username, groupname)
	if err != nil {
		return err
	}

	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("supervisor: clearing supplementary groups: %w", err)
	}
	if err := syscall.Setregid(-1, gid); err != nil {
		return fmt.Errorf("supervisor: setregid(-1, %d): %w", gid, err)
	}
	if err := syscall.Setreuid(-1, uid); err != nil {
		return fmt.Errorf("supervisor: setreuid(-1, %d): %w", uid, err)
	}
	syscall.Umask(0o077)

	log.Debugf("dropped privileges to %s/%s", username, groupname)
	return nil
}

// dropPrivilegesPermanent changes the real, effective, and saved
// uid/gid, an irreversible drop ported from dhcpkit's
// drop_privileges(permanent=True).
func dropPrivilegesPermanent(username, groupname string) error {
	if username == "" && groupname == "" {
		return nil
	}
	uid, gid, err := resolveUserGroup(username, groupname)
	if err != nil {
		return err
	}

	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("supervisor: clearing supplementary groups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("supervisor: setgid(%d): %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("supervisor: setuid(%d): %w", uid, err)
	}
	syscall.Umask(0o077)

	log.Debugf("permanently dropped privileges to %s/%s", username, groupname)
	return nil
}

// restorePrivileges restores root as the effective uid/gid after a
// temporary drop, ported from dhcpkit's restore_privileges.
func restorePrivileges() error {
	if err := syscall.Setreuid(-1, 0); err != nil {
		return fmt.Errorf("supervisor: restoring root euid: %w", err)
	}
	if err := syscall.Setregid(-1, 0); err != nil {
		return fmt.Errorf("supervisor: restoring root egid: %w", err)
	}
	log.Debug("restored root privileges")
	return nil
}

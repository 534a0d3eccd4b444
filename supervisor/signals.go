// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package supervisor

import (
	"os"
	"os/signal"
	"syscall"
)

// watchSignals registers os/signal delivery for the signals the
// supervisor cares about and returns the channel they arrive on. This
// is the Go-idiomatic equivalent of dhcpkit's self-pipe trick
// (main.py: os.pipe() + signal.set_wakeup_fd + a selectors entry for
// the read end): Go's runtime already delivers signals through a
// channel, so there is no pipe to wire up by hand, just the channel
// the select loop in Run reads from alongside listener and job
// channels.
//
// SIGINFO has no POSIX-portable equivalent on Linux; SIGUSR1 is used
// as the informational-signal trigger in its place, a direct
// substitution with no behavioral change beyond the signal number
// itself.
func watchSignals() chan os.Signal {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	return ch
}

// stopWatchingSignals releases the registration made by watchSignals.
func stopWatchingSignals(ch chan os.Signal) {
	signal.Stop(ch)
}

// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package rwlock implements a writer-preferring reader/writer lock.
//
// Many readers may hold the lock at once, but a writer gets exclusive
// access. Unlike sync.RWMutex, a writer waiting for the lock is never
// starved by a steady stream of new readers: once a writer starts
// waiting, readers that arrive after it queue behind it.
//
// The algorithm is the second readers-writers solution of Courtois,
// Heymans and Parnas, with the readersQueue lock Downey's "Little Book
// of Semaphores" adds to give the waiting writer priority.
package rwlock

import "sync"

// RWLock is a writer-preferring reader/writer lock. The zero value is
// not usable; create one with New.
type RWLock struct {
	readSwitch   lightSwitch
	writeSwitch  lightSwitch
	noReaders    sync.Mutex
	noWriters    sync.Mutex
	readersQueue sync.Mutex
}

// New returns a ready-to-use RWLock.
func New() *RWLock {
	return &RWLock{}
}

// Readers reports the number of readers currently holding the lock.
func (l *RWLock) Readers() int {
	return l.readSwitch.count()
}

// Writers reports the number of writers currently holding or waiting
// for the lock; at most one of them holds it at a time.
func (l *RWLock) Writers() int {
	return l.writeSwitch.count()
}

// BlockedForReaders reports whether a reader calling ReaderAcquire would
// block right now.
func (l *RWLock) BlockedForReaders() bool {
	if l.noReaders.TryLock() {
		l.noReaders.Unlock()
		return false
	}
	return true
}

// BlockedForWriters reports whether a writer calling WriterAcquire would
// block right now.
func (l *RWLock) BlockedForWriters() bool {
	if l.noWriters.TryLock() {
		l.noWriters.Unlock()
		return false
	}
	return true
}

// ReaderAcquire acquires the lock for reading. Multiple readers may hold
// the lock concurrently.
func (l *RWLock) ReaderAcquire() {
	l.readersQueue.Lock()
	l.noReaders.Lock()
	l.readSwitch.acquire(&l.noWriters)
	l.noReaders.Unlock()
	l.readersQueue.Unlock()
}

// ReaderRelease releases a lock previously acquired with ReaderAcquire.
func (l *RWLock) ReaderRelease() {
	l.readSwitch.release(&l.noWriters)
}

// WriterAcquire acquires the lock for writing. Only one writer may hold
// the lock at a time, and it excludes all readers.
func (l *RWLock) WriterAcquire() {
	l.writeSwitch.acquire(&l.noReaders)
	l.noWriters.Lock()
}

// WriterRelease releases a lock previously acquired with WriterAcquire.
func (l *RWLock) WriterRelease() {
	l.noWriters.Unlock()
	l.writeSwitch.release(&l.noReaders)
}

// ReadLocked runs fn while holding the lock for reading.
func (l *RWLock) ReadLocked(fn func()) {
	l.ReaderAcquire()
	defer l.ReaderRelease()
	fn()
}

// WriteLocked runs fn while holding the lock for writing.
func (l *RWLock) WriteLocked(fn func()) {
	l.WriterAcquire()
	defer l.WriterRelease()
	fn()
}

// lightSwitch is the "first in turns on, last out turns off" helper the
// readers and writers sides both use to guard the shared noReaders /
// noWriters locks.
type lightSwitch struct {
	mu  sync.Mutex
	ctr int
}

func (s *lightSwitch) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctr
}

func (s *lightSwitch) acquire(lock *sync.Mutex) {
	s.mu.Lock()
	s.ctr++
	if s.ctr == 1 {
		lock.Lock()
	}
	s.mu.Unlock()
}

func (s *lightSwitch) release(lock *sync.Mutex) {
	s.mu.Lock()
	s.ctr--
	if s.ctr == 0 {
		lock.Unlock()
	}
	s.mu.Unlock()
}

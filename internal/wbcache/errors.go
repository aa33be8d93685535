// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wbcache

import (
	"syscall"
	"time"
)

// latch is the single-slot sticky error described in spec §3/§7/§9: a
// plain field under InodeQueue.mu, never a channel or atomic. A new error
// only overwrites an existing one when it is strictly more severe, so a
// latch set by a more important failure survives reschedules until it is
// surfaced and cleared. setAt records when the latched errno was set, per
// the dump surface's "how long has this been latched" use (spec §6).
type latch struct {
	set   bool
	errno syscall.Errno
	setAt time.Time
}

// severity ranks latch-worthy errnos so ENOMEM (the core's own allocation
// failure) always wins, EIO/short-writes are next, and any other
// backing-store errno is least severe. Unranked errnos fall back to the
// "other" tier.
func severity(errno syscall.Errno) int {
	switch errno {
	case syscall.ENOMEM:
		return 3
	case syscall.EIO:
		return 2
	default:
		return 1
	}
}

// latchErr sets errno on l if nothing is latched yet or errno is strictly
// more severe than what is already latched, stamping setAt with now. It
// must be called with the owning InodeQueue.mu held.
func (l *latch) latchErr(errno syscall.Errno, now time.Time) {
	if !l.set || severity(errno) > severity(l.errno) {
		l.set = true
		l.errno = errno
		l.setAt = now
	}
}

// surface reads and clears the latch, returning ok=false if nothing was
// set. It must be called with the owning InodeQueue.mu held.
func (l *latch) surface() (errno syscall.Errno, ok bool) {
	if !l.set {
		return 0, false
	}
	errno, ok = l.errno, true
	l.set = false
	l.errno = 0
	l.setAt = time.Time{}
	return
}

// Sentinel errnos the core itself raises at entry points, per spec §7.
const (
	errBadFD = syscall.EBADFD
	errInval = syscall.EINVAL
	errNoMem = syscall.ENOMEM
	errIO    = syscall.EIO
)

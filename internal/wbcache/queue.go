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
	"container/list"
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// InodeQueue is the per-inode state of spec §3: the ordered request queue
// plus the accounting the scheduler enforces invariants over. Its mu is
// an InvariantMutex: while syncutil invariant checking is enabled
// process-wide (syncutil.EnableInvariantChecking; nothing in this module
// enables it), every Lock and Unlock runs checkInvariants and panics on a violation it detects,
// rather than letting state silently drift across calls — the same idiom
// the teacher's fs.fs and inode.FileInode use for their own per-object
// locks.
type InodeQueue struct {
	mu syncutil.InvariantMutex

	path string

	// clock timestamps latch events and the dump surface (spec §6); it is
	// the same Clock the owning Cache was constructed with, so tests can
	// substitute a fake one through Cache rather than through InodeQueue
	// directly.
	clock timeutil.Clock

	// active is the ordered list of *Request, oldest at head (spec §3,
	// invariant 5). passive holds requests absorbed into a holder by
	// Phase B, retained only for refcount bookkeeping (spec §4.3).
	active  *list.List
	passive *list.List

	aggregateCurrent int64
	windowCurrent    int64
	windowConf       int64
	aggregateConf    int64
	tricklingEnabled bool

	lat latch

	openFiles []*FileState
}

func newInodeQueue(path string, cfg Config) *InodeQueue {
	q := &InodeQueue{
		path:             path,
		clock:            timeutil.RealClock(),
		active:           list.New(),
		passive:          list.New(),
		windowConf:       cfg.WindowSize,
		aggregateConf:    cfg.AggregateSize,
		tricklingEnabled: cfg.EnableTricklingWrites,
	}
	q.mu = syncutil.NewInvariantMutex(q.checkInvariants)
	return q
}

// checkInvariants recomputes the sums spec §3 defines aggregate_current
// and window_current as, and panics if they have drifted from the
// incremental bookkeeping the scheduler does, if either counter is
// negative, if a listed request's inActive/inPassive flag disagrees with
// the list it is in, or if a request in active has refcount <= 0. It does
// not check batch membership, enqueue order or latch handling. Called by
// InvariantMutex on every Lock and Unlock while invariant checking is
// enabled.
func (q *InodeQueue) checkInvariants() {
	var aggregate, window int64
	for e := q.active.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Request)
		if !r.inActive {
			panic("request in active list with inActive=false")
		}
		if !r.isWrite() {
			continue
		}
		if !r.stackWound {
			aggregate += r.size
		}
		if r.writeBehind && !r.gotReply {
			window += r.size
		}
		if r.refcount <= 0 {
			panic(fmt.Sprintf("request with refcount %d still linked in active", r.refcount))
		}
	}
	for e := q.passive.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Request)
		if !r.inPassive {
			panic("request in passive list with inPassive=false")
		}
		if r.writeBehind && !r.gotReply {
			window += r.size
		}
	}
	if aggregate != q.aggregateCurrent {
		panic(fmt.Sprintf("aggregateCurrent drift: tracked=%d computed=%d", q.aggregateCurrent, aggregate))
	}
	if window != q.windowCurrent {
		panic(fmt.Sprintf("windowCurrent drift: tracked=%d computed=%d", q.windowCurrent, window))
	}
	if q.aggregateCurrent < 0 || q.windowCurrent < 0 {
		panic("negative accounting counter")
	}
}

// enqueue appends req to active, maintaining enqueue order (invariant 5)
// and the aggregate_current sum (invariant 1, since a freshly-enqueued
// write always has stack_wound=false). Must be called with mu held.
func (q *InodeQueue) enqueue(req *Request) *list.Element {
	if req.isWrite() {
		q.aggregateCurrent += req.size
	}
	req.inActive = true
	return q.active.PushBack(req)
}

// release decrements req's refcount and, if it reaches zero, unlinks it
// from whichever list it is in (invariant 4). Must be called with mu
// held.
func (q *InodeQueue) release(req *Request) {
	req.refcount--
	if req.refcount > 0 {
		return
	}
	if req.refcount < 0 {
		panic("request refcount went negative")
	}
	q.unlink(req)
	if req.holder != nil {
		req.holder.release()
	}
}

func (q *InodeQueue) unlink(req *Request) {
	for e := q.active.Front(); e != nil; e = e.Next() {
		if e.Value.(*Request) == req {
			q.active.Remove(e)
			req.inActive = false
			return
		}
	}
	for e := q.passive.Front(); e != nil; e = e.Next() {
		if e.Value.(*Request) == req {
			q.passive.Remove(e)
			req.inPassive = false
			return
		}
	}
}

// InodeQueueDump is the per-inode shape of spec §6's dump surface.
type InodeQueueDump struct {
	Path             string
	WindowConf       int64
	WindowCurrent    int64
	AggregateCurrent int64
	LatchedErrno     int
	LatchSet         bool
	LatchedAt        time.Time
	Requests         []RequestDump
	OpenFiles        []FileStateDump
}

// RequestDump is the per-request shape of spec §6's dump surface.
type RequestDump struct {
	Kind        Kind
	Size        int64
	Offset      int64
	StackWound  bool
	WriteBehind bool
	GotReply    bool
}

// Dump returns the dump surface spec §6 and the original translator's
// wb_inode_dump describe.
func (q *InodeQueue) Dump() InodeQueueDump {
	q.mu.Lock()
	d := InodeQueueDump{
		Path:             q.path,
		WindowConf:       q.windowConf,
		WindowCurrent:    q.windowCurrent,
		AggregateCurrent: q.aggregateCurrent,
		LatchSet:         q.lat.set,
	}
	if q.lat.set {
		d.LatchedErrno = int(q.lat.errno)
		d.LatchedAt = q.lat.setAt
	}
	for e := q.active.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Request)
		d.Requests = append(d.Requests, RequestDump{
			Kind: r.kind, Size: r.size, Offset: r.offset,
			StackWound: r.stackWound, WriteBehind: r.writeBehind, GotReply: r.gotReply,
		})
	}
	openFiles := append([]*FileState(nil), q.openFiles...)
	q.mu.Unlock()

	// FileState.Dump takes fs.mu, which must never be acquired while
	// q.mu is held (see the ordering note on FileState), so the snapshot
	// above happens before this loop, not inside it.
	for _, fs := range openFiles {
		d.OpenFiles = append(d.OpenFiles, fs.Dump())
	}
	return d
}

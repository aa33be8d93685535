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

import "syscall"

// schedulerResult is the three disjoint sets process_queue produces under
// the lock, acted upon only after the lock is released (spec §4.3, §5).
type schedulerResult struct {
	toAck    []*Request
	toShip   []*Request
	toResume []*Request

	// aggregateConf is snapshotted under the lock so the caller can group
	// toShip into batches without racing a concurrent Reconfigure.
	aggregateConf int64

	// path, windowFull, latchedNow and latchErrno are logging context only: the core
	// never logs while q.mu is held (SPEC_FULL.md's ambient-stack rule),
	// so the caller logs from these fields once the lock backing
	// processQueue's defer has been released.
	path        string
	windowFull  bool
	latchedNow  bool
	latchErrno  syscall.Errno
}

// processQueue implements spec §4.3's three-phase process_queue. It
// acquires q.mu, runs all three phases, and releases the lock before
// returning — callers act on the returned sets with no core lock held.
func processQueue(q *InodeQueue, c *Cache) schedulerResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	hadLatch := q.lat.set
	toAck, windowFull := markUnwinds(q)
	latched := coalesceBuffers(q, c.pool)
	toResume, toShip := markWinds(q)

	res := schedulerResult{
		toAck: toAck, toShip: toShip, toResume: toResume,
		aggregateConf: q.aggregateConf,
		path:          q.path,
		windowFull:    windowFull,
	}
	if latched || (!hadLatch && q.lat.set) {
		res.latchedNow = true
		res.latchErrno = q.lat.errno
	}
	return res
}

// markUnwinds is spec §4.3 Phase A (__wb_mark_unwinds): the back-pressure
// gate. It walks active from the head, flipping not-yet-acknowledged
// writes to write_behind until the window would be exceeded. windowFull
// reports whether the loop broke because of the window limit, rather than
// simply running out of writes to acknowledge — logged at Debug by the
// caller once the lock is released.
func markUnwinds(q *InodeQueue) (toAck []*Request, windowFull bool) {
	for e := q.active.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if !req.isWrite() || req.writeBehind {
			continue
		}
		remaining := q.windowConf - q.windowCurrent
		if remaining < 0 || req.size > remaining {
			windowFull = true
			break
		}
		req.writeBehind = true
		q.windowCurrent += req.size
		toAck = append(toAck, req)
	}
	return toAck, windowFull
}

// markWinds is spec §4.3 Phase C (__wb_mark_winds). It returns the
// non-writes to resume (when a non-write barrier sits at the head) or the
// writes to ship (otherwise), never both in the same call: non-writes act
// as barriers, per spec.
func markWinds(q *InodeQueue) (toResume, toShip []*Request) {
	head := q.active.Front()
	if head == nil {
		return nil, nil
	}

	if !head.Value.(*Request).isWrite() {
		for e := head; e != nil; e = e.Next() {
			req := e.Value.(*Request)
			if req.isWrite() {
				break
			}
			req.markedForResume = true
			toResume = append(toResume, req)
		}
		return toResume, nil
	}

	// In-flight serialisation: a shipped write still awaiting its reply
	// blocks the whole write prefix from being re-evaluated for shipping.
	for e := head; e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if !req.isWrite() {
			break
		}
		if req.stackWound && !req.gotReply {
			return nil, nil
		}
	}

	windAll := head.Value.(*Request).flushAll

	type candidate struct {
		req             *Request
		overlapsEarlier bool
	}
	var prefix []candidate
	var unshipped []*Request
	nonWritePresent := false
	for e := head; e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if !req.isWrite() {
			nonWritePresent = true
			break
		}
		if req.stackWound {
			continue
		}
		overlaps := false
		for _, p := range unshipped {
			if req.overlaps(p) {
				overlaps = true
				break
			}
		}
		unshipped = append(unshipped, req)
		prefix = append(prefix, candidate{req: req, overlapsEarlier: overlaps})
	}

	overlappingWrites := false
	for _, c := range prefix {
		if c.overlapsEarlier {
			overlappingWrites = true
			break
		}
	}

	shouldShip := windAll || q.tricklingEnabled || overlappingWrites || nonWritePresent ||
		q.aggregateCurrent >= q.aggregateConf
	if !shouldShip {
		return nil, nil
	}

	dontWind := make(map[*FileState]bool)
	// lastAppend is the write most recently picked this pass for each
	// APPEND fd; a later write on that fd is picked only if it continues it.
	lastAppend := make(map[*FileState]*Request)
	vectorCount := 0
	var batchBytes int64
	var prevReq *Request
	for _, c := range prefix {
		req := c.req

		// An APPEND fd may not have more than one write in flight at a
		// time, so its writes picked in one pass must form a single run
		// the dispatcher sends as one call. The run is "closed" when a
		// different fd's request turns up right after it in the prefix —
		// mirroring __wb_mark_wind_all's dont_wind, which is set on the
		// *previous* fd on such an interleaving — and a later write on the
		// same fd joins it only if it starts where the last pick ended and
		// has the same owner.
		if prevReq != nil && prevReq.fd.flags.has(OAppend) && req.fd != prevReq.fd {
			dontWind[prevReq.fd] = true
		}
		prevReq = req

		if c.overlapsEarlier {
			continue
		}
		vecLen := len(req.vector)
		if req.holder != nil {
			vecLen = 1
		}
		if req.fd.flags.has(OAppend) {
			exceeds := vectorCount+vecLen > MaxVectorCount || batchBytes+req.shipSize() > q.aggregateConf
			if exceeds || dontWind[req.fd] {
				continue
			}
			if last, ok := lastAppend[req.fd]; ok &&
				(last.owner != req.owner || last.shipOffset()+last.shipSize() != req.shipOffset()) {
				continue
			}
			lastAppend[req.fd] = req
		}
		req.stackWound = true
		q.aggregateCurrent -= req.size
		vectorCount += vecLen
		batchBytes += req.shipSize()
		toShip = append(toShip, req)
	}
	return nil, toShip
}

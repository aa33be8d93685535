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

import "github.com/jacobsa/writebackfs/internal/logger"

// dispatchBatch issues one downstream write call for batch and wires its
// reply back to handleWriteReply (spec §4.4, §4.5).
func (c *Cache) dispatchBatch(q *InodeQueue, batch *shipBatch) {
	call := WriteCall{FD: batch.fd, Owner: batch.owner, Offset: batch.offset, Vector: batch.vector}
	c.downstream.Write(call, func(reply Reply) {
		c.handleWriteReply(q, batch, reply)
	})
}

// handleWriteReply is spec §4.5's completion handler. It is invoked once
// per downstream reply, applies window/latch accounting to every member
// of the batch under the inode lock, handles the pass-through case for
// members that had not yet been acknowledged, and re-runs the scheduler.
func (c *Cache) handleWriteReply(q *InodeQueue, batch *shipBatch, reply Reply) {
	shortWrite := reply.N >= 0 && reply.N < batch.size

	q.mu.Lock()
	hadLatch := q.lat.set
	var passThrough []*Request
	for _, m := range batch.members {
		wasAcked := m.writeBehind
		m.gotReply = true
		if wasAcked {
			// Only an already-acknowledged write's size was ever folded
			// into window_current (by markUnwinds); a pass-through write
			// that shipped before being acknowledged never contributed to
			// it, so there is nothing to take back out here.
			q.windowCurrent -= m.size
		}

		if reply.N < 0 {
			q.lat.latchErr(reply.Errno, q.clock.Now())
		} else if shortWrite {
			q.lat.latchErr(errIO, q.clock.Now())
		}

		// Every member of the batch, lead or absorbed, still holds its own
		// shipping-path reference: Phase B leaves it untouched on
		// absorption, so the single downstream reply for the whole batch
		// releases all of them here, which is also what drains
		// holderBuf.refs to zero and returns its block to the pool.
		q.release(m)

		if !wasAcked {
			passThrough = append(passThrough, m)
		}
	}
	latchedNow, latchedErrno, path := !hadLatch && q.lat.set, q.lat.errno, q.path
	q.mu.Unlock()

	if shortWrite {
		logger.Debugf("write-behind: short write on %s batch-size=%d reply-n=%d", path, batch.size, reply.N)
	}
	if latchedNow {
		logger.Debugf("write-behind: latch set on %s errno=%v", path, latchedErrno)
	}

	for _, m := range passThrough {
		result := Result{N: m.size}
		if reply.N < 0 {
			result.setError(reply.Errno)
		} else if shortWrite {
			result.setError(errIO)
		}
		if result.Errno != 0 {
			logger.Warnf("write-behind: surfacing pass-through error %v on fd", result.Errno)
		}
		if m.ackCallback != nil {
			m.ackCallback(result)
		}
		q.mu.Lock()
		q.release(m)
		q.mu.Unlock()
	}

	c.runScheduler(q)
}

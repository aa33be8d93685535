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

	"github.com/jacobsa/writebackfs/internal/block"
)

// holderBuf is the owned page a run of coalesced writes shares, per spec
// §4.3 Phase B and the "Holder" glossary entry. Spec terminology equates
// the holder with the lead request of the run; holderBuf is this
// implementation's handle on the shared buffer and member list that the
// lead request's holder field points to.
type holderBuf struct {
	blk   block.Block
	pool  *block.BlockPool
	owner Owner
	fd    *FileState

	// members holds every request absorbed into this run, lead first, in
	// offset order. Every member has its own holder field set to this
	// holderBuf.
	members []*Request

	totalSize int64

	// refs counts members that have not yet released their reference to
	// this holder (spec §5's memory section: "refcount-zero triggers
	// release"). One ref per member.
	refs int
}

func (h *holderBuf) release() {
	h.refs--
	if h.refs > 0 {
		return
	}
	h.pool.Put(h.blk)
}

// shipSize and shipOffset are what the sync dispatcher sends downstream
// for req: the merged holder's bytes when req is a coalesced lead,
// otherwise req's own vector.
func (r *Request) shipSize() int64 {
	if r.holder != nil {
		return r.holder.totalSize
	}
	return r.size
}

func (r *Request) shipOffset() int64 { return r.offset }

// coalesceBuffers implements spec §4.3 Phase B. It must be called with
// q.mu held, and it must never block: pool.TryGet failures are treated as
// spec §7's "allocation failure inside the scheduler or coalescer" and
// latch ENOMEM rather than waiting for a block to free up. It reports
// whether it latched ENOMEM, so the caller can log the transition once
// the lock is released.
func coalesceBuffers(q *InodeQueue, pool *block.BlockPool) (latched bool) {
	e := q.active.Front()
	for e != nil {
		req := e.Value.(*Request)
		next := e.Next()
		if !req.isWrite() || !req.writeBehind || req.stackWound || req.holder != nil {
			e = next
			continue
		}

		run := []*list.Element{e}
		runEnd := req.end()
		cursor := next
		for cursor != nil {
			cand := cursor.Value.(*Request)
			if !cand.isWrite() || !cand.writeBehind || cand.stackWound {
				break
			}
			if cand.fd != req.fd || cand.owner != req.owner {
				break
			}
			if cand.offset != runEnd {
				break
			}
			run = append(run, cursor)
			runEnd = cand.end()
			cursor = cursor.Next()
		}

		if len(run) < 2 {
			e = next
			continue
		}

		blk, ok := pool.TryGet()
		if !ok {
			q.lat.latchErr(errNoMem, q.clock.Now())
			return true
		}

		members := make([]*Request, 0, len(run))
		var total int64
		fit := 0
		for _, el := range run {
			r := el.Value.(*Request)
			if int64(blk.Size())+r.size > int64(blk.Cap()) {
				break
			}
			for _, v := range r.vector {
				_, _ = blk.Write(v)
			}
			members = append(members, r)
			total += r.size
			fit++
		}

		// Capture where the scan resumes before mutating the list: once an
		// absorbed element is removed its own Next pointer is cleared.
		var resume *list.Element
		if fit < len(run) {
			resume = run[fit]
		} else {
			resume = cursor
		}

		if fit < 2 {
			pool.Put(blk)
			e = next
			continue
		}

		h := &holderBuf{blk: blk, pool: pool, owner: req.owner, fd: req.fd, members: members, totalSize: total, refs: fit}
		lead := members[0]
		lead.virgin = false
		lead.holder = h
		for i, absorbed := range members[1:] {
			absorbed.holder = h
			q.aggregateCurrent -= absorbed.size
			q.active.Remove(run[i+1])
			absorbed.inActive = false
			absorbed.inPassive = true
			q.passive.PushBack(absorbed)
			// absorbed's own shipping-path reference is left untouched: it is
			// released by handleWriteReply alongside every other member's,
			// once the batch's single downstream reply actually lands (spec
			// §4.5), not here at merge time.
		}

		e = resume
	}
	return false
}

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

// This file holds the tagged-variant Op implementations named in spec
// §9: one type per non-write kind, each carrying its own arguments and a
// resume method, rather than a hand-rolled function-pointer-and-args
// struct.

type readOp struct {
	fd     *FileState
	offset int64
	size   int64
	reply  func(Result)
}

func (o *readOp) resume(c *Cache, req *Request) {
	c.downstream.Read(o.fd, o.offset, o.size, func(r Reply) {
		finishNonWrite(c, req, r, o.reply)
	})
}

type statOp struct {
	fd    *FileState
	reply func(Result)
}

func (o *statOp) resume(c *Cache, req *Request) {
	c.downstream.Stat(o.fd, func(r Reply) { finishNonWrite(c, req, r, o.reply) })
}

type fstatOp struct {
	fd    *FileState
	reply func(Result)
}

func (o *fstatOp) resume(c *Cache, req *Request) {
	c.downstream.Fstat(o.fd, func(r Reply) { finishNonWrite(c, req, r, o.reply) })
}

type truncateOp struct {
	fd    *FileState
	size  int64
	reply func(Result)
}

func (o *truncateOp) resume(c *Cache, req *Request) {
	c.downstream.Truncate(o.fd, o.size, func(r Reply) { finishNonWrite(c, req, r, o.reply) })
}

type ftruncateOp struct {
	fd    *FileState
	size  int64
	reply func(Result)
}

func (o *ftruncateOp) resume(c *Cache, req *Request) {
	c.downstream.Ftruncate(o.fd, o.size, func(r Reply) { finishNonWrite(c, req, r, o.reply) })
}

type setAttrOp struct {
	fd    *FileState
	attr  any
	reply func(Result)
}

func (o *setAttrOp) resume(c *Cache, req *Request) {
	c.downstream.SetAttr(o.fd, o.attr, func(r Reply) { finishNonWrite(c, req, r, o.reply) })
}

// flushOp implements spec §4.9's flush semantics: it is the point at
// which a latched write-behind error is surfaced (spec §7), and when
// configured flush_behind it acknowledges immediately while the real
// downstream flush proceeds in the background.
type flushOp struct {
	fd    *FileState
	reply func(Result)
}

func (o *flushOp) resume(c *Cache, req *Request) {
	q := o.fd.inode

	q.mu.Lock()
	errno, hadLatch := q.lat.surface()
	q.mu.Unlock()

	if hadLatch {
		logger.Debugf("write-behind: latch cleared on %s errno=%v", q.path, errno)
		deliver(o.reply, Result{N: -1, Errno: errno})
		releaseAndReschedule(c, q, req)
		return
	}

	if c.cfg.FlushBehind {
		deliver(o.reply, Result{N: 0})
		releaseAndReschedule(c, q, req)
		c.downstream.Flush(o.fd, func(r Reply) {
			if r.N < 0 {
				q.mu.Lock()
				hadLatch := q.lat.set
				q.lat.latchErr(r.Errno, q.clock.Now())
				latchedNow := !hadLatch && q.lat.set
				q.mu.Unlock()
				if latchedNow {
					logger.Debugf("write-behind: latch set on %s errno=%v", q.path, r.Errno)
				}
			}
		})
		return
	}

	c.downstream.Flush(o.fd, func(r Reply) {
		result := Result{N: r.N}
		if r.N < 0 {
			result.setError(r.Errno)
		}
		deliver(o.reply, result)
		releaseAndReschedule(c, q, req)
	})
}

// fsyncOp mirrors flushOp's latch-surfacing but always waits for the real
// downstream reply (spec §4.9 only names flush_behind for flush).
type fsyncOp struct {
	fd    *FileState
	reply func(Result)
}

func (o *fsyncOp) resume(c *Cache, req *Request) {
	q := o.fd.inode

	q.mu.Lock()
	errno, hadLatch := q.lat.surface()
	q.mu.Unlock()

	if hadLatch {
		logger.Debugf("write-behind: latch cleared on %s errno=%v", q.path, errno)
		deliver(o.reply, Result{N: -1, Errno: errno})
		releaseAndReschedule(c, q, req)
		return
	}

	c.downstream.Fsync(o.fd, func(r Reply) {
		result := Result{N: r.N}
		if r.N < 0 {
			result.setError(r.Errno)
		}
		deliver(o.reply, result)
		releaseAndReschedule(c, q, req)
	})
}

// finishNonWrite is the common tail for the ops above that carry no
// latch-surfacing responsibility of their own: deliver the downstream
// reply verbatim, release the resume-path reference, and re-run the
// scheduler (spec §4.7).
func finishNonWrite(c *Cache, req *Request, r Reply, reply func(Result)) {
	result := Result{N: r.N, Payload: r.Attr}
	if r.N < 0 {
		result.setError(r.Errno)
	}
	deliver(reply, result)
	releaseAndReschedule(c, req.fd.inode, req)
}

func deliver(reply func(Result), result Result) {
	if reply != nil {
		reply(result)
	}
}

func releaseAndReschedule(c *Cache, q *InodeQueue, req *Request) {
	q.mu.Lock()
	q.release(req)
	q.mu.Unlock()
	c.runScheduler(q)
}

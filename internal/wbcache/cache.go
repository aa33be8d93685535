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
	"fmt"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/writebackfs/internal/block"
	"github.com/jacobsa/writebackfs/internal/logger"
)

// InodeID is the opaque per-inode identity the surrounding filesystem
// layer hands the cache. Spec §6 describes real inode-context/fd-context
// slots hung off the underlying filesystem objects; since this core has
// no such objects of its own (§1 treats them as an external collaborator),
// Cache simulates that storage with an internal map keyed by InodeID.
type InodeID uint64

// Cache is the public operation surface named in spec §2/§4.8-§4.10: the
// entry points application calls arrive through. It owns no global or
// process-wide state (spec §9); every dependency is a constructor
// argument.
type Cache struct {
	mu sync.Mutex

	cfg        Config
	clock      timeutil.Clock
	pool       *block.BlockPool
	downstream Downstream

	inodes map[InodeID]*InodeQueue
}

// NewCache constructs a Cache. pool is the per-instance memory pool spec
// §9 requires be a constructor argument rather than a singleton.
func NewCache(cfg Config, downstream Downstream, pool *block.BlockPool, clock timeutil.Clock) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if downstream == nil {
		return nil, fmt.Errorf("wbcache: Downstream must not be nil")
	}
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Cache{
		cfg:        cfg,
		clock:      clock,
		pool:       pool,
		downstream: downstream,
		inodes:     make(map[InodeID]*InodeQueue),
	}, nil
}

func (c *Cache) queue(id InodeID) (*InodeQueue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.inodes[id]
	return q, ok
}

func (c *Cache) queueOrCreate(id InodeID, path string) *InodeQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.inodes[id]
	if !ok {
		q = newInodeQueue(path, c.cfg)
		q.clock = c.clock
		c.inodes[id] = q
	}
	return q
}

// Open implements spec §4.10: it records file state derived from flags
// against the inode's queue, lazily materialising the queue the same way
// Create does, since this standalone core has no independent inode
// table to consult first.
func (c *Cache) Open(id InodeID, path string, flags OpenFlag) *FileState {
	q := c.queueOrCreate(id, path)
	return openFileState(q, flags, c.cfg)
}

// Create implements spec §4.10's create path: it both records file state
// and lazily materialises the inode queue.
func (c *Cache) Create(id InodeID, path string, flags OpenFlag) *FileState {
	return c.Open(id, path, flags)
}

// Close releases fd's registration with its inode. It is not itself a
// spec §4 operation, but every Open needs a matching teardown so
// openFiles does not grow without bound across the fd's lifetime.
func (c *Cache) Close(fd *FileState) {
	closeFileState(fd)
}

func sumVector(vector [][]byte) int64 {
	var n int64
	for _, v := range vector {
		n += int64(len(v))
	}
	return n
}

// Write implements spec §4.8's write entry point.
func (c *Cache) Write(fd *FileState, owner Owner, offset int64, vector [][]byte, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	q := fd.inode

	if fd.bypasses() {
		size := sumVector(vector)
		c.downstream.Write(WriteCall{FD: fd, Owner: owner, Offset: offset, Vector: vector}, func(r Reply) {
			if r.N < 0 {
				deliver(reply, Result{N: -1, Errno: r.Errno})
				return
			}
			fd.bypassWrite(size)
			deliver(reply, Result{N: r.N})
		})
		return
	}

	q.mu.Lock()
	if errno, ok := q.lat.surface(); ok {
		q.mu.Unlock()
		logger.Debugf("write-behind: latch cleared on %s errno=%v", q.path, errno)
		deliver(reply, Result{N: -1, Errno: errno})
		return
	}
	q.mu.Unlock()

	req := newWriteRequest(fd, owner, offset, vector)
	req.ackCallback = reply

	q.mu.Lock()
	q.enqueue(req)
	q.mu.Unlock()

	c.runScheduler(q)
}

// enqueueNonWrite implements the common shape of spec §4.9's non-write
// entry points: enqueue with refcount 1, set flush_all on every write
// currently in active so the next scheduler pass does not wait for the
// aggregate threshold, then run the scheduler.
func (c *Cache) enqueueNonWrite(q *InodeQueue, fd *FileState, owner Owner, kind Kind, op Op) {
	req := newNonWriteRequest(kind, fd, owner, op)

	q.mu.Lock()
	for e := q.active.Front(); e != nil; e = e.Next() {
		r := e.Value.(*Request)
		if r.isWrite() {
			r.flushAll = true
		}
	}
	q.enqueue(req)
	q.mu.Unlock()

	c.runScheduler(q)
}

func (c *Cache) Read(fd *FileState, owner Owner, offset, size int64, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindRead, &readOp{fd: fd, offset: offset, size: size, reply: reply})
}

func (c *Cache) Stat(fd *FileState, owner Owner, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &statOp{fd: fd, reply: reply})
}

func (c *Cache) Fstat(fd *FileState, owner Owner, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &fstatOp{fd: fd, reply: reply})
}

func (c *Cache) Truncate(fd *FileState, owner Owner, size int64, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &truncateOp{fd: fd, size: size, reply: reply})
}

func (c *Cache) Ftruncate(fd *FileState, owner Owner, size int64, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &ftruncateOp{fd: fd, size: size, reply: reply})
}

func (c *Cache) SetAttr(fd *FileState, owner Owner, attr any, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &setAttrOp{fd: fd, attr: attr, reply: reply})
}

func (c *Cache) Flush(fd *FileState, owner Owner, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &flushOp{fd: fd, reply: reply})
}

func (c *Cache) Fsync(fd *FileState, owner Owner, reply func(Result)) {
	if fd == nil || fd.inode == nil {
		deliver(reply, Result{N: -1, Errno: errBadFD})
		return
	}
	c.enqueueNonWrite(fd.inode, fd, owner, KindMetadata, &fsyncOp{fd: fd, reply: reply})
}

// runScheduler is the drive loop: run process_queue, then act on its
// three sets with no core lock held (spec §4.3, §5).
func (c *Cache) runScheduler(q *InodeQueue) {
	res := processQueue(q, c)

	if res.windowFull {
		logger.Debugf("write-behind: window full on %s", res.path)
	}
	if res.latchedNow {
		logger.Debugf("write-behind: latch set on %s errno=%v", res.path, res.latchErrno)
	}

	for _, req := range res.toAck {
		c.deliverAck(q, req)
	}
	for _, batch := range groupForShipping(res.toShip, res.aggregateConf) {
		logger.Debugf("write-behind: batch shipped on %s offset=%d size=%d", res.path, batch.offset, batch.size)
		c.dispatchBatch(q, batch)
	}
	for _, req := range res.toResume {
		c.resumeRequest(q, req)
	}
}

// deliverAck is spec §4.6's acknowledgement path.
func (c *Cache) deliverAck(q *InodeQueue, req *Request) {
	deliver(req.ackCallback, Result{N: req.size})

	q.mu.Lock()
	q.release(req)
	freedWrite := req.refcount == 0 && req.isWrite()
	q.mu.Unlock()

	if freedWrite {
		c.runScheduler(q)
	}
}

// resumeRequest is spec §4.7's resume path.
func (c *Cache) resumeRequest(q *InodeQueue, req *Request) {
	q.mu.Lock()
	op := req.op
	req.op = nil
	q.mu.Unlock()

	if op != nil {
		op.resume(c, req)
	}
}

// Reconfigure applies the two options spec §6 marks live-reconfigurable,
// per SPEC_FULL.md's supplemented reconfiguration surface. It takes each
// affected queue's lock in turn rather than holding Cache.mu and every
// queue's mu at once.
func (c *Cache) Reconfigure(windowSize int64, flushBehind bool) error {
	candidate := c.cfg
	candidate.WindowSize = windowSize
	candidate.FlushBehind = flushBehind
	if err := candidate.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cfg = candidate
	queues := make([]*InodeQueue, 0, len(c.inodes))
	for _, q := range c.inodes {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.windowConf = windowSize
		q.mu.Unlock()
	}

	logger.Infof("write-behind: reconfigured window-size=%d flush-behind=%v", windowSize, flushBehind)
	return nil
}

// CacheDump is the top-level shape of spec §6's dump surface.
type CacheDump struct {
	GeneratedAt time.Time
	Config      Config
	Inodes      []InodeQueueDump
}

func (c *Cache) Dump() CacheDump {
	c.mu.Lock()
	queues := make([]*InodeQueue, 0, len(c.inodes))
	for _, q := range c.inodes {
		queues = append(queues, q)
	}
	cfg := c.cfg
	clock := c.clock
	c.mu.Unlock()

	d := CacheDump{GeneratedAt: clock.Now(), Config: cfg}
	for _, q := range queues {
		d.Inodes = append(d.Inodes, q.Dump())
	}
	return d
}

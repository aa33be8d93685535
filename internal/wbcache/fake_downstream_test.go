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
	"sync"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/writebackfs/internal/block"
	"golang.org/x/sync/semaphore"
)

// fakeDownstream is a controllable Downstream for exercising the
// scheduler and Cache without a real backing store, the same role
// storagemock.TestifyMockBucket plays in the teacher's own upload_handler
// tests.
type fakeDownstream struct {
	mu sync.Mutex

	autoReplySuccess bool
	writes           []WriteCall
	pending          []func(Reply)

	flushCalls int
	fsyncCalls int
	flushReply Reply
	fsyncReply Reply
}

func (f *fakeDownstream) Write(call WriteCall, cb func(Reply)) {
	f.mu.Lock()
	f.writes = append(f.writes, call)
	f.mu.Unlock()

	if f.autoReplySuccess {
		var n int64
		for _, v := range call.Vector {
			n += int64(len(v))
		}
		cb(Reply{N: n})
		return
	}

	f.mu.Lock()
	f.pending = append(f.pending, cb)
	f.mu.Unlock()
}

// completeOldest delivers reply to the oldest pending Write call.
func (f *fakeDownstream) completeOldest(reply Reply) {
	f.mu.Lock()
	cb := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	cb(reply)
}

func (f *fakeDownstream) Read(fd *FileState, offset, size int64, cb func(Reply)) {
	cb(Reply{N: size})
}
func (f *fakeDownstream) Stat(fd *FileState, cb func(Reply))      { cb(Reply{N: 0}) }
func (f *fakeDownstream) Fstat(fd *FileState, cb func(Reply))     { cb(Reply{N: 0}) }
func (f *fakeDownstream) Truncate(fd *FileState, size int64, cb func(Reply)) {
	cb(Reply{N: 0})
}
func (f *fakeDownstream) Ftruncate(fd *FileState, size int64, cb func(Reply)) {
	cb(Reply{N: 0})
}
func (f *fakeDownstream) SetAttr(fd *FileState, attr any, cb func(Reply)) { cb(Reply{N: 0}) }

func (f *fakeDownstream) Flush(fd *FileState, cb func(Reply)) {
	f.mu.Lock()
	f.flushCalls++
	reply := f.flushReply
	f.mu.Unlock()
	cb(reply)
}

func (f *fakeDownstream) Fsync(fd *FileState, cb func(Reply)) {
	f.mu.Lock()
	f.fsyncCalls++
	reply := f.fsyncReply
	f.mu.Unlock()
	cb(reply)
}

func newTestCache(cfg Config, ds Downstream) *Cache {
	pool, err := block.NewBlockPool(32*1024, 64, semaphore.NewWeighted(64))
	if err != nil {
		panic(err)
	}
	c, err := NewCache(cfg, ds, pool, timeutil.RealClock())
	if err != nil {
		panic(err)
	}
	return c
}

func newTestBlock(capacity int64) (block.Block, error) {
	pool, err := block.NewBlockPool(capacity, 1, semaphore.NewWeighted(1))
	if err != nil {
		return nil, err
	}
	return pool.Get()
}

func newTestQueue(cfg Config) (*InodeQueue, *FileState) {
	q := newInodeQueue("/test", cfg)
	fs := &FileState{inode: q}
	q.openFiles = append(q.openFiles, fs)
	return q, fs
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type OpsTest struct {
	suite.Suite
}

func TestOpsTestSuite(t *testing.T) {
	suite.Run(t, new(OpsTest))
}

// flushOp must surface a pre-existing latch directly, without ever
// forwarding the flush downstream.
func (t *OpsTest) TestFlushOpSurfacesLatchWithoutForwarding() {
	ds := &fakeDownstream{autoReplySuccess: true}
	c := newTestCache(DefaultConfig(), ds)
	q, fd := newTestQueue(DefaultConfig())

	q.mu.Lock()
	q.lat.latchErr(syscall.ENOSPC, q.clock.Now())
	q.mu.Unlock()

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &flushOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), int64(-1), result.N)
	assert.Equal(t.T(), syscall.ENOSPC, result.Errno)
	assert.Equal(t.T(), 0, ds.flushCalls)

	q.mu.Lock()
	_, stillSet := q.lat.surface()
	q.mu.Unlock()
	assert.False(t.T(), stillSet, "surfacing the latch in flushOp.resume must clear it")
}

// With flush_behind on and no latch, flushOp acknowledges immediately and
// still issues the real downstream flush.
func (t *OpsTest) TestFlushOpAcksImmediatelyWhenFlushBehind() {
	ds := &fakeDownstream{autoReplySuccess: true}
	cfg := DefaultConfig()
	cfg.FlushBehind = true
	c := newTestCache(cfg, ds)
	q, fd := newTestQueue(cfg)
	_ = q

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &flushOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), int64(0), result.N)
	assert.Equal(t.T(), 1, ds.flushCalls)
}

// Without flush_behind, flushOp waits for the real downstream reply and
// relays it verbatim.
func (t *OpsTest) TestFlushOpWaitsForDownstreamWithoutFlushBehind() {
	ds := &fakeDownstream{autoReplySuccess: true, flushReply: Reply{N: -1, Errno: syscall.EIO}}
	cfg := DefaultConfig()
	cfg.FlushBehind = false
	c := newTestCache(cfg, ds)
	q, fd := newTestQueue(cfg)

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &flushOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), 1, ds.flushCalls)
	assert.Equal(t.T(), int64(-1), result.N)
	assert.Equal(t.T(), syscall.EIO, result.Errno)
	_ = q
}

// fsyncOp has no flush_behind equivalent: it always forwards synchronously.
func (t *OpsTest) TestFsyncOpAlwaysForwardsSynchronously() {
	ds := &fakeDownstream{autoReplySuccess: true}
	c := newTestCache(DefaultConfig(), ds)
	q, fd := newTestQueue(DefaultConfig())

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &fsyncOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), 1, ds.fsyncCalls)
	assert.Equal(t.T(), int64(0), result.N)
	_ = q
}

func (t *OpsTest) TestFsyncOpSurfacesLatchWithoutForwarding() {
	ds := &fakeDownstream{autoReplySuccess: true}
	c := newTestCache(DefaultConfig(), ds)
	q, fd := newTestQueue(DefaultConfig())

	q.mu.Lock()
	q.lat.latchErr(syscall.EIO, q.clock.Now())
	q.mu.Unlock()

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &fsyncOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), 0, ds.fsyncCalls)
	assert.Equal(t.T(), syscall.EIO, result.Errno)
}

// readOp, and every other finishNonWrite-backed op, relays the
// downstream reply's N/Payload verbatim and releases its reference.
func (t *OpsTest) TestReadOpRelaysReplyThroughFinishNonWrite() {
	ds := &fakeDownstream{autoReplySuccess: true}
	c := newTestCache(DefaultConfig(), ds)
	_, fd := newTestQueue(DefaultConfig())

	var result Result
	req := newNonWriteRequest(KindRead, fd, 1, nil)
	op := &readOp{fd: fd, offset: 0, size: 8, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), int64(8), result.N)
	assert.Equal(t.T(), 0, req.refcount)
}

// statOp relays the downstream reply through finishNonWrite and releases
// its reference exactly like readOp.
func (t *OpsTest) TestStatOpRelaysReplyThroughFinishNonWrite() {
	ds := &fakeDownstream{}
	c := newTestCache(DefaultConfig(), ds)
	_, fd := newTestQueue(DefaultConfig())

	var result Result
	req := newNonWriteRequest(KindMetadata, fd, 1, nil)
	op := &statOp{fd: fd, reply: func(r Result) { result = r }}

	op.resume(c, req)

	assert.Equal(t.T(), int64(0), result.N)
	assert.Equal(t.T(), 0, req.refcount)
}

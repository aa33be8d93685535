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

// Reply is the shape every downstream callback delivers, per spec §6:
// "(op_ret, op_errno, op-specific payload)". N < 0 is an error; for
// writes, 0 <= N < submitted bytes is a short write.
type Reply struct {
	N     int64
	Errno syscall.Errno
	Attr  any
}

// WriteCall is one batched downstream write, built by the sync dispatcher
// from spec §4.4: a single concatenated vector, the first request's
// offset, and the owner shared by every member of the batch.
type WriteCall struct {
	FD     *FileState
	Owner  Owner
	Offset int64
	Vector [][]byte
}

// Downstream is the backing store interface the core consumes (spec §6,
// "the core only consumes a forward(op) -> future<reply> interface from
// whatever implements the backing store"). Every method takes a callback
// rather than returning a reply directly, since a real backing store may
// answer asynchronously; the core never blocks waiting for one.
type Downstream interface {
	Write(call WriteCall, callback func(Reply))
	Read(fd *FileState, offset, size int64, callback func(Reply))
	Stat(fd *FileState, callback func(Reply))
	Fstat(fd *FileState, callback func(Reply))
	Truncate(fd *FileState, size int64, callback func(Reply))
	Ftruncate(fd *FileState, size int64, callback func(Reply))
	SetAttr(fd *FileState, attr any, callback func(Reply))
	Flush(fd *FileState, callback func(Reply))
	Fsync(fd *FileState, callback func(Reply))
}

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

// Owner is the lock-owner identity carried from the caller (spec §3).
// Two writes with different owners are never coalesced or grouped into
// the same downstream batch.
type Owner uint64

// Kind discriminates the three request shapes named in spec §3.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	KindMetadata
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Op is the tagged-variant "deferred call" for a non-write request, per
// spec §9: rather than a hand-rolled function-pointer-and-args struct,
// every non-write kind gets its own type implementing resume, which is
// invoked by the resume path (spec §4.7) once the lock is released and
// every earlier write has been shipped or acknowledged.
type Op interface {
	resume(c *Cache, req *Request)
}

// Request is one application operation, tracked from entry until its
// refcount reaches zero (spec §3, §4.1). Fields are only ever mutated
// under the owning InodeQueue's mu.
type Request struct {
	kind Kind

	// fd identifies the open file this request was issued against. It is
	// the FileState itself, which doubles as the opaque fd identity the
	// scheduler and dispatcher group and compare by (spec §4.3, §4.4).
	fd *FileState

	owner Owner

	// Write fields.
	offset  int64
	vector  [][]byte
	size    int64
	holder  *holderBuf // set once this request has been absorbed by Phase B.

	// Write flags (spec §3). Guarded by the owning InodeQueue.mu.
	stackWound  bool
	writeBehind bool
	gotReply    bool
	virgin      bool
	flushAll    bool

	// Non-write flags and payload.
	markedForResume bool
	op              Op

	// ackCallback delivers a write's outcome to its caller, invoked once
	// by the acknowledgement path (spec §4.6) or, in the pass-through
	// case, directly by the completion handler (spec §4.5).
	ackCallback func(Result)

	refcount int

	// inActive and inPassive record list membership for the refcount/list invariant
	// (spec invariant 4): a request must be freed only when its refcount
	// is zero and it is linked in no list.
	inActive  bool
	inPassive bool
}

// Result is the outcome handed back to a caller through its reply
// callback, matching the downstream callback shape in spec §6
// ("(op_ret, op_errno, op-specific payload)").
type Result struct {
	N       int64
	Errno   syscall.Errno
	Payload any
}

func (r *Result) setError(errno syscall.Errno) {
	r.N = -1
	r.Errno = errno
}

// newWriteRequest builds a write Request with the refcount-2 discipline
// from spec §4.1: one reference for the acknowledgement path, one for the
// shipping path.
func newWriteRequest(fd *FileState, owner Owner, offset int64, vector [][]byte) *Request {
	var size int64
	for _, v := range vector {
		size += int64(len(v))
	}
	return &Request{
		kind:     KindWrite,
		fd:       fd,
		owner:    owner,
		offset:   offset,
		vector:   vector,
		size:     size,
		virgin:   true,
		refcount: 2,
	}
}

// newNonWriteRequest builds a non-write Request with the refcount-1
// discipline from spec §4.1: released by the resume path.
func newNonWriteRequest(kind Kind, fd *FileState, owner Owner, op Op) *Request {
	return &Request{
		kind:     kind,
		fd:       fd,
		owner:    owner,
		op:       op,
		refcount: 1,
	}
}

func (r *Request) isWrite() bool { return r.kind == KindWrite }

// end is the predicate ingredient from spec §4.2: offset + total vector
// bytes.
func (r *Request) end() int64 { return r.offset + r.size }

// overlaps implements the overlap predicate of spec §4.2.
func (r *Request) overlaps(other *Request) bool {
	return r.end() >= other.offset && other.end() >= r.offset
}

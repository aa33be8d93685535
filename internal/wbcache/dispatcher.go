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

import "io"

// shipBatch is one outgoing downstream write, built by groupForShipping
// from spec §4.4. members lists every *Request the batch's reply must be
// distributed to, including requests absorbed into a coalesced holder.
type shipBatch struct {
	fd      *FileState
	owner   Owner
	offset  int64
	vector  [][]byte
	size    int64
	members []*Request
}

// shipUnit returns what the dispatcher ships for req: the merged
// holder's bytes and member list when req is a coalesced lead, otherwise
// req's own vector and itself.
func shipUnit(req *Request) (vector [][]byte, members []*Request) {
	if req.holder == nil {
		return req.vector, []*Request{req}
	}
	buf, err := io.ReadAll(req.holder.blk.Reader())
	if err != nil {
		buf = nil
	}
	return [][]byte{buf}, req.holder.members
}

// groupForShipping implements spec §4.4: it consumes to_ship (already in
// enqueue order from the scheduler) and starts a new batch whenever fd,
// owner, offset contiguity, vector-count bound, or aggregate-size bound
// would be violated by appending the next candidate.
func groupForShipping(toShip []*Request, aggregateConf int64) []*shipBatch {
	var batches []*shipBatch
	var cur *shipBatch

	for _, req := range toShip {
		vector, members := shipUnit(req)
		size := req.shipSize()
		offset := req.shipOffset()

		fits := cur != nil &&
			cur.fd == req.fd &&
			cur.owner == req.owner &&
			offset == cur.offset+cur.size &&
			len(cur.vector)+len(vector) <= MaxVectorCount &&
			cur.size+size <= aggregateConf

		if fits {
			cur.vector = append(cur.vector, vector...)
			cur.members = append(cur.members, members...)
			cur.size += size
			continue
		}

		cur = &shipBatch{
			fd:      req.fd,
			owner:   req.owner,
			offset:  offset,
			vector:  vector,
			size:    size,
			members: members,
		}
		batches = append(batches, cur)
	}

	return batches
}

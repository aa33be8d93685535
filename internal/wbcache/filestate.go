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

import "sync"

// OpenFlag mirrors the subset of open(2) flags the cache cares about
// (spec §3, §4.10).
type OpenFlag int

const (
	OAppend OpenFlag = 1 << iota
	ODirect
	OSync
	ORdonly
)

func (f OpenFlag) has(bit OpenFlag) bool { return f&bit != 0 }

// FileState is the per-open-file state named in spec §3. Its mu is the
// "one mutex per open file" of spec §5; it is never held at the same time
// as the owning InodeQueue's mu.
//
// dont_wind, named as a FileState field in spec §3, is deliberately not a
// field here: it is scheduler scratch state for one Phase C pass across
// potentially many FileStates, and a persistent field would force the
// scheduler to hold both InodeQueue.mu and every touched FileState.mu at
// once. Phase C instead threads a map[*FileState]bool local to a single
// processQueue call. See DESIGN.md.
type FileState struct {
	mu sync.Mutex

	flags OpenFlag

	// disabled routes writes synchronously downstream, bypassing the
	// cache entirely (spec §4.8, §4.10).
	disabled bool

	// disablePrefixBytes is the remaining byte count for which caching is
	// disabled at the file's start (spec §3). Decremented only when a
	// write actually bypasses the cache (spec §9 open question: the
	// original decrements even on cached-path writes in some code paths;
	// this implementation keeps the stricter, spec-documented behavior).
	disablePrefixBytes int64

	inode *InodeQueue
}

// shouldDisableCache implements the disabling rules of spec §4.10:
// DIRECT, read-only, or SYNC-with-enable-O_SYNC all disable caching for a
// newly opened fd.
func shouldDisableCache(flags OpenFlag, cfg Config) bool {
	if flags.has(ODirect) || flags.has(ORdonly) {
		return true
	}
	if flags.has(OSync) && cfg.EnableOSync {
		return true
	}
	return false
}

// openFileState implements spec §4.10's open path: it records file state
// derived from flags, registers the new FileState with its inode queue,
// and propagates SYNC-caused disabling to every other open fd on the same
// inode.
func openFileState(q *InodeQueue, flags OpenFlag, cfg Config) *FileState {
	fs := &FileState{
		flags:              flags,
		disabled:           shouldDisableCache(flags, cfg),
		disablePrefixBytes: cfg.DisableForFirstNBytes,
		inode:              q,
	}

	q.mu.Lock()
	q.openFiles = append(q.openFiles, fs)
	siblings := append([]*FileState(nil), q.openFiles...)
	q.mu.Unlock()

	if flags.has(OSync) && cfg.EnableOSync {
		for _, sib := range siblings {
			if sib == fs {
				continue
			}
			sib.mu.Lock()
			sib.disabled = true
			sib.mu.Unlock()
		}
	}

	return fs
}

// closeFileState removes fs from its inode's open-file list, called when
// the upstream layer closes the fd.
func closeFileState(fs *FileState) {
	q := fs.inode
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, sib := range q.openFiles {
		if sib == fs {
			q.openFiles = append(q.openFiles[:i], q.openFiles[i+1:]...)
			break
		}
	}
}

// bypassWrite implements the disable-prefix bookkeeping of spec §4.8 step
// 2: decrement disablePrefixBytes by the smaller of size and its current
// value, only for a write that actually bypassed the cache.
func (fs *FileState) bypassWrite(size int64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.disablePrefixBytes <= 0 {
		return
	}
	if size < fs.disablePrefixBytes {
		fs.disablePrefixBytes -= size
	} else {
		fs.disablePrefixBytes = 0
	}
}

// bypasses reports whether a write on fs should skip the cache entirely
// (spec §4.8 step 2).
func (fs *FileState) bypasses() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.disabled || fs.disablePrefixBytes > 0
}

// Dump returns the per-fd fields named by spec §6's dump surface.
func (fs *FileState) Dump() FileStateDump {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return FileStateDump{Flags: fs.flags, Disabled: fs.disabled}
}

// FileStateDump is the per-fd shape of spec §6's dump surface.
type FileStateDump struct {
	Flags    OpenFlag
	Disabled bool
}

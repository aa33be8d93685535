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

// Package wbcache implements the write-behind cache core for a stackable
// filesystem layer. It tracks every in-flight or queued operation on a
// file, decides when writes may be coalesced and shipped to a backing
// store, when reads and metadata operations must wait for pending writes,
// and how partial failures are latched and reported on later operations.
//
// The package does not talk to a kernel, a FUSE transport, or a real
// backing store directly; callers hand it a Downstream implementation and
// drive it through Cache's operation surface.
package wbcache

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

// Package block provides a pooled, fixed-capacity buffer used by the
// write-behind cache's coalescer to merge adjacent small writes into one
// page-bound holder before shipping them downstream.
package block

import (
	"errors"
	"fmt"
	"io"
)

var errOutOfCapacity = errors.New("received data more than capacity of the block")

// Block is a reusable, fixed-capacity buffer. Callers write into it,
// optionally read its contents back out, and Reuse it to return it to a
// pool without reallocating.
type Block interface {
	io.Writer
	io.Reader

	// Size is the number of bytes written since creation or the last Reuse.
	Size() int

	// Cap is the block's fixed capacity.
	Cap() int

	// Reader returns a reader over the bytes written so far, independent of
	// this Block's own Read cursor.
	Reader() io.Reader

	// Reuse resets the block to empty without releasing its backing buffer.
	Reuse()

	// Deallocate releases the backing buffer. The block must not be used
	// afterward.
	Deallocate() error
}

type memoryBlock struct {
	buffer   []byte
	size     int
	capacity int
	readSeek int64
}

func createBlock(capacity int64) (Block, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid block capacity: %d", capacity)
	}
	return &memoryBlock{
		buffer:   make([]byte, capacity),
		capacity: int(capacity),
	}, nil
}

func (b *memoryBlock) Write(p []byte) (int, error) {
	if b.size+len(p) > b.capacity {
		return 0, errOutOfCapacity
	}
	n := copy(b.buffer[b.size:], p)
	b.size += n
	return n, nil
}

func (b *memoryBlock) Read(p []byte) (int, error) {
	if b.readSeek >= int64(b.size) {
		return 0, io.EOF
	}
	n := copy(p, b.buffer[b.readSeek:b.size])
	b.readSeek += int64(n)
	return n, nil
}

func (b *memoryBlock) Size() int { return b.size }

func (b *memoryBlock) Cap() int { return b.capacity }

func (b *memoryBlock) Reader() io.Reader {
	return &sliceReader{buf: b.buffer[:b.size]}
}

func (b *memoryBlock) Reuse() {
	b.size = 0
	b.readSeek = 0
}

func (b *memoryBlock) Deallocate() error {
	b.buffer = nil
	b.size = 0
	b.readSeek = 0
	return nil
}

type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.off >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

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

package block

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

const invalidConfigError string = "invalid configuration provided for blockPool, blocksize: %d, maxBlocks: %d"

// BlockPool hands out fixed-size Blocks, reusing ones returned to
// freeBlocksCh before allocating new ones, up to maxBlocks per pool and
// globalMaxBlocksSem across every pool sharing that semaphore.
//
// The first block handed out by a pool never waits on globalMaxBlocksSem:
// a coalescer run must be able to make forward progress on at least one
// holder even if the process-wide block budget is momentarily exhausted.
type BlockPool struct {
	mu sync.Mutex

	blockSize   int64
	maxBlocks   int64
	totalBlocks int64

	// heldPermit tracks, per outstanding block, whether its creation
	// consumed a globalMaxBlocksSem permit (every block but the pool's
	// first does). Consulted on ClearFreeBlockChannel to release exactly
	// the permits that were actually acquired.
	heldPermit map[Block]bool

	freeBlocksCh       chan Block
	globalMaxBlocksSem *semaphore.Weighted
}

// NewBlockPool validates blockSize and maxBlocks and constructs an empty
// pool. sem is typically shared across every inode's pool so that the
// system-wide holder-page budget is enforced in one place.
func NewBlockPool(blockSize int64, maxBlocks int64, sem *semaphore.Weighted) (*BlockPool, error) {
	if blockSize <= 0 || maxBlocks <= 0 {
		return nil, fmt.Errorf(invalidConfigError, blockSize, maxBlocks)
	}
	return &BlockPool{
		blockSize:          blockSize,
		maxBlocks:          maxBlocks,
		heldPermit:         make(map[Block]bool),
		freeBlocksCh:       make(chan Block, maxBlocks),
		globalMaxBlocksSem: sem,
	}, nil
}

func (p *BlockPool) BlockSize() int64 { return p.blockSize }

// FreeBlocksChannel exposes the channel blocks are returned to, so a
// caller that holds a Block across an async boundary can hand it back
// without going through Reuse+Put plumbing.
func (p *BlockPool) FreeBlocksChannel() chan Block { return p.freeBlocksCh }

// Get returns a reusable block, blocking until the free channel yields one
// or a new block may be created. Callers that must not block (e.g. the
// scheduler, which runs under InodeQueue.mu) should use TryGet instead.
func (p *BlockPool) Get() (Block, error) {
	select {
	case b := <-p.freeBlocksCh:
		b.Reuse()
		return b, nil
	default:
	}
	return p.create(context.Background(), true)
}

// TryGet is the non-blocking variant used by the coalescer, which runs
// under the inode lock and must never suspend there (§5). A false return
// means the caller should treat this as an allocation failure and latch
// ENOMEM rather than merge this round.
func (p *BlockPool) TryGet() (Block, bool) {
	select {
	case b := <-p.freeBlocksCh:
		b.Reuse()
		return b, true
	default:
	}
	b, err := p.create(context.Background(), false)
	if err != nil {
		return nil, false
	}
	return b, b != nil
}

func (p *BlockPool) create(ctx context.Context, blocking bool) (Block, error) {
	p.mu.Lock()
	if p.totalBlocks >= p.maxBlocks {
		p.mu.Unlock()
		if !blocking {
			return nil, nil
		}
		b := <-p.freeBlocksCh
		b.Reuse()
		return b, nil
	}
	first := p.totalBlocks == 0
	p.mu.Unlock()

	if !first {
		if blocking {
			if err := p.globalMaxBlocksSem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		} else if !p.globalMaxBlocksSem.TryAcquire(1) {
			return nil, nil
		}
	}

	b, err := createBlock(p.blockSize)
	if err != nil {
		if !first {
			p.globalMaxBlocksSem.Release(1)
		}
		return nil, err
	}

	p.mu.Lock()
	p.totalBlocks++
	p.heldPermit[b] = !first
	p.mu.Unlock()
	return b, nil
}

// Put returns a block to the free list for reuse.
func (p *BlockPool) Put(b Block) {
	p.freeBlocksCh <- b
}

// ClearFreeBlockChannel deallocates and drops every block currently
// sitting on the free channel, the pool's "first" block included, and
// decrements totalBlocks for each. Only the globalMaxBlocksSem permits
// those blocks actually acquired are released; blocks still handed out
// are left untouched, so the pool need not be fully idle to clear.
func (p *BlockPool) ClearFreeBlockChannel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case b := <-p.freeBlocksCh:
			if err := b.Deallocate(); err != nil {
				return err
			}
			p.totalBlocks--
			if p.heldPermit[b] {
				p.globalMaxBlocksSem.Release(1)
			}
			delete(p.heldPermit, b)
		default:
			return nil
		}
	}
}

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/semaphore"
)

type BlockPoolTest struct {
	suite.Suite
}

func TestBlockPoolTestSuite(t *testing.T) {
	suite.Run(t, new(BlockPoolTest))
}

func (t *BlockPoolTest) TestNewBlockPoolRejectsBadConfig() {
	_, err := NewBlockPool(0, 10, semaphore.NewWeighted(10))
	assert.Error(t.T(), err)

	_, err = NewBlockPool(1024, 0, semaphore.NewWeighted(10))
	assert.Error(t.T(), err)
}

func (t *BlockPoolTest) TestGetCreatesUpToMaxBlocks() {
	bp, err := NewBlockPool(1024, 2, semaphore.NewWeighted(10))
	require.NoError(t.T(), err)

	b1, err := bp.Get()
	require.NoError(t.T(), err)
	require.NotNil(t.T(), b1)
	b2, err := bp.Get()
	require.NoError(t.T(), err)
	require.NotNil(t.T(), b2)

	assert.Equal(t.T(), int64(2), bp.totalBlocks)
}

func (t *BlockPoolTest) TestGetReusesFreedBlock() {
	bp, err := NewBlockPool(1024, 2, semaphore.NewWeighted(10))
	require.NoError(t.T(), err)
	b1, err := bp.Get()
	require.NoError(t.T(), err)
	_, err = b1.Write([]byte("hi"))
	require.NoError(t.T(), err)
	bp.Put(b1)

	b2, ok := bp.TryGet()

	require.True(t.T(), ok)
	assert.Equal(t.T(), 0, b2.Size())
	assert.Equal(t.T(), int64(1), bp.totalBlocks)
}

func (t *BlockPoolTest) TestFirstBlockIsExemptFromGlobalSemaphore() {
	bp, err := NewBlockPool(1024, 10, semaphore.NewWeighted(0))
	require.NoError(t.T(), err)

	b, ok := bp.TryGet()
	require.True(t.T(), ok)
	require.NotNil(t.T(), b)

	_, ok = bp.TryGet()
	assert.False(t.T(), ok)
}

func (t *BlockPoolTest) TestTryGetFailsWhenPoolExhausted() {
	bp, err := NewBlockPool(1024, 1, semaphore.NewWeighted(10))
	require.NoError(t.T(), err)
	_, err = bp.Get()
	require.NoError(t.T(), err)

	_, ok := bp.TryGet()

	assert.False(t.T(), ok)
}

func (t *BlockPoolTest) TestGetBlocksUntilTimeoutWhenPoolExhausted() {
	bp, err := NewBlockPool(1024, 1, semaphore.NewWeighted(10))
	require.NoError(t.T(), err)
	_, err = bp.Get()
	require.NoError(t.T(), err)

	done := make(chan struct{})
	go func() {
		_, _ = bp.Get()
		close(done)
	}()

	select {
	case <-done:
		t.T().Fatal("Get returned without a block ever being freed")
	case <-time.After(50 * time.Millisecond):
	}
}

func (t *BlockPoolTest) TestClearFreeBlockChannelReleasesPermitsAndDeallocates() {
	bp, err := NewBlockPool(1024, 10, semaphore.NewWeighted(3))
	require.NoError(t.T(), err)
	b1, err := bp.Get() // exempt from the semaphore (first block).
	require.NoError(t.T(), err)
	b2, err := bp.Get() // consumes one permit.
	require.NoError(t.T(), err)
	b3, err := bp.Get() // consumes another permit.
	require.NoError(t.T(), err)
	bp.Put(b1)
	bp.Put(b2)
	require.Equal(t.T(), int64(3), bp.totalBlocks)

	err = bp.ClearFreeBlockChannel()

	require.NoError(t.T(), err)
	assert.Equal(t.T(), int64(1), bp.totalBlocks)
	assert.Nil(t.T(), b1.(*memoryBlock).buffer)
	assert.Nil(t.T(), b2.(*memoryBlock).buffer)
	assert.NotNil(t.T(), b3.(*memoryBlock).buffer)
	// b2's permit (the only one actually held among the cleared blocks)
	// plus the one already-idle permit should now both be available.
	assert.True(t.T(), bp.globalMaxBlocksSem.TryAcquire(2))
	assert.False(t.T(), bp.globalMaxBlocksSem.TryAcquire(1))
}

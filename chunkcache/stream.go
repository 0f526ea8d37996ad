// Package chunkcache implements the out-of-order chunk reassembly cache
// of spec §4.2: pieces arrive in any order over possibly many tunnels
// and are written directly into a random-access backing store, with
// waiters released as the pieces they need land.
package chunkcache

import (
	"context"
	"io"
	"sync"

	"bdt/bid"
	"bdt/errs"
	"bdt/piece"
	"bdt/protocol"
)

// RawCache is the random-access backing store a ChunkStreamCache writes
// into and reads back out of (spec §4.2's "backing store", left opaque
// to the core — a file, an in-memory buffer, anything addressable by
// byte offset).
type RawCache interface {
	io.ReaderAt
	io.WriterAt
}

// ChunkStreamCache reassembles one chunk's Stream-coded pieces into a
// RawCache, grounded on original_source's
// ndn/chunk/cache/stream.rs ChunkStreamCache.
type ChunkStreamCache struct {
	chunk   bid.ChunkId
	payload uint32

	mu      sync.RWMutex
	store   RawCache
	loaded  bool
	indices *piece.IncomeIndexQueue
	waiters map[uint32][]chan struct{}
}

func NewChunkStreamCache(chunk bid.ChunkId, payload uint32) *ChunkStreamCache {
	end := bid.StreamEndCount(chunk.Length(), payload)
	return &ChunkStreamCache{
		chunk:   chunk,
		payload: payload,
		indices: piece.NewIncomeIndexQueue(end),
		waiters: make(map[uint32][]chan struct{}),
	}
}

func (c *ChunkStreamCache) Chunk() bid.ChunkId { return c.chunk }

func (c *ChunkStreamCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Load binds the backing store exactly once. If finished is true the
// store is presumed to already hold the full chunk (e.g. it was read
// back from local disk), and every waiter is released immediately.
func (c *ChunkStreamCache) Load(store RawCache, finished bool) error {
	c.mu.Lock()
	if c.loaded {
		c.mu.Unlock()
		return errs.New(errs.ErrorState, "chunkcache: already loaded")
	}
	c.store = store
	c.loaded = true

	var toWake []chan struct{}
	if finished {
		end := bid.StreamEndCount(c.chunk.Length(), c.payload)
		c.indices.Push(piece.Range{Start: 0, End: end})
		for _, chans := range c.waiters {
			toWake = append(toWake, chans...)
		}
		c.waiters = make(map[uint32][]chan struct{})
	}
	c.mu.Unlock()

	for _, ch := range toWake {
		close(ch)
	}
	return nil
}

func (c *ChunkStreamCache) requireIndex(desc protocol.ChunkCodecDesc) (uint32, []piece.Range, bool) {
	start, end, step := desc.AsStream()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indices.Require(start, end, int32(step))
}

// PushPieceData validates and writes one incoming piece, matching the
// original's two-phase lock discipline: a cheap try_push check under a
// read lock first, the actual byte write outside any lock, then the
// authoritative push (and waiter wake) under a write lock.
func (c *ChunkStreamCache) PushPieceData(data *protocol.PieceData) (piece.PushResult, error) {
	if data.Desc.Kind != protocol.PieceDescRange {
		return piece.PushResult{}, errs.New(errs.InvalidData, "chunkcache: non-range piece descriptor")
	}
	index := data.Desc.Index
	start, end := data.Desc.StreamRange(c.chunk.Length(), c.payload)

	c.mu.RLock()
	tryResult := c.indices.TryPush(piece.Range{Start: index, End: index + 1})
	store := c.store
	c.mu.RUnlock()

	if !tryResult.Pushed() {
		return tryResult, nil
	}
	if store == nil {
		return piece.PushResult{}, errs.New(errs.ErrorState, "chunkcache: not loaded")
	}

	want := int(end - start)
	if want > len(data.Data) {
		return piece.PushResult{}, errs.New(errs.InvalidInput, "chunkcache: piece shorter than negotiated range")
	}
	if _, err := store.WriteAt(data.Data[:want], int64(start)); err != nil {
		return piece.PushResult{}, errs.Wrap(errs.Failed, "chunkcache: write piece", err)
	}

	c.mu.Lock()
	result := c.indices.Push(piece.Range{Start: index, End: index + 1})
	chans := c.waiters[index]
	delete(c.waiters, index)
	c.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
	return result, nil
}

func (c *ChunkStreamCache) Exists(index uint32) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indices.Exists(index)
}

// WaitExists blocks until index is available, the context is done, or
// the cache already has it.
func (c *ChunkStreamCache) WaitExists(ctx context.Context, index uint32) error {
	c.mu.Lock()
	exists, err := c.indices.Exists(index)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if exists {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[index] = append(c.waiters[index], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Interrupted, "chunkcache: wait_exists aborted", ctx.Err())
	}
}

// AsyncRead waits for the piece covering the descriptor to land, then
// copies offsetInPiece..offsetInPiece+len(buffer) of it into buffer.
func (c *ChunkStreamCache) AsyncRead(ctx context.Context, desc protocol.PieceDesc, offsetInPiece int, buffer []byte) (int, error) {
	index := desc.Index
	start, end := desc.StreamRange(c.chunk.Length(), c.payload)

	if err := c.WaitExists(ctx, index); err != nil {
		return 0, err
	}

	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()

	remaining := int(end-start) - offsetInPiece
	if remaining < 0 {
		remaining = 0
	}
	n := len(buffer)
	if n > remaining {
		n = remaining
	}
	if n == 0 {
		return 0, nil
	}
	read, err := store.ReadAt(buffer[:n], int64(start)+int64(offsetInPiece))
	if err != nil && err != io.EOF {
		return read, errs.Wrap(errs.Failed, "chunkcache: read piece", err)
	}
	return read, nil
}

// SyncTryRead is the non-blocking counterpart of AsyncRead: it returns
// immediately with ok=false if the piece has not arrived yet.
func (c *ChunkStreamCache) SyncTryRead(desc protocol.PieceDesc, offsetInPiece int, buffer []byte) (n int, ok bool, err error) {
	exists, err := c.Exists(desc.Index)
	if err != nil || !exists {
		return 0, false, err
	}
	start, end := desc.StreamRange(c.chunk.Length(), c.payload)

	c.mu.RLock()
	store := c.store
	c.mu.RUnlock()

	remaining := int(end-start) - offsetInPiece
	if remaining < 0 {
		remaining = 0
	}
	want := len(buffer)
	if want > remaining {
		want = remaining
	}
	if want == 0 {
		return 0, true, nil
	}
	read, err := store.ReadAt(buffer[:want], int64(start)+int64(offsetInPiece))
	if err != nil && err != io.EOF {
		return read, true, errs.Wrap(errs.Failed, "chunkcache: read piece", err)
	}
	return read, true, nil
}

// Finished reports whether every piece of the chunk has been received.
func (c *ChunkStreamCache) Finished() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.indices.Finished()
}

package chunkcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/protocol"
)

// memStore is a trivial in-memory RawCache for tests.
type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(size int) *memStore { return &memStore{data: make([]byte, size)} }

func (s *memStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(s.data[off:], p)
	return n, nil
}

func (s *memStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.data[off:])
	return n, nil
}

func TestChunkStreamCachePushAndRead(t *testing.T) {
	payload := uint32(4)
	data := []byte("abcdefgh") // 8 bytes -> 2 pieces of 4
	chunk := bid.ChunkIdFromBytes(data)

	cache := NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(newMemStore(len(data)), false))

	ok, err := cache.Exists(0)
	require.NoError(t, err)
	assert.False(t, ok)

	pd := &protocol.PieceData{Desc: protocol.StreamPieceDesc(0, 1), Data: data[0:4]}
	res, err := cache.PushPieceData(pd)
	require.NoError(t, err)
	assert.True(t, res.Pushed())

	ok, err = cache.Exists(0)
	require.NoError(t, err)
	assert.True(t, ok)

	buf := make([]byte, 4)
	n, err := cache.AsyncRead(context.Background(), protocol.StreamPieceDesc(0, 1), 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), buf)

	// duplicate push reports Exists and does not re-write.
	res, err = cache.PushPieceData(pd)
	require.NoError(t, err)
	assert.True(t, res.Exists)

	assert.False(t, cache.Finished())

	pd2 := &protocol.PieceData{Desc: protocol.StreamPieceDesc(1, 1), Data: data[4:8]}
	res, err = cache.PushPieceData(pd2)
	require.NoError(t, err)
	assert.True(t, res.Finished)
	assert.True(t, cache.Finished())
}

func TestChunkStreamCacheWaitExistsWakesOnPush(t *testing.T) {
	payload := uint32(4)
	data := []byte("abcdefgh")
	chunk := bid.ChunkIdFromBytes(data)

	cache := NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(newMemStore(len(data)), false))

	done := make(chan error, 1)
	go func() {
		done <- cache.WaitExists(context.Background(), 1)
	}()

	// give the waiter time to register before pushing.
	time.Sleep(10 * time.Millisecond)
	_, err := cache.PushPieceData(&protocol.PieceData{Desc: protocol.StreamPieceDesc(1, 1), Data: data[4:8]})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait_exists did not wake up")
	}
}

func TestChunkStreamCacheWaitExistsAborts(t *testing.T) {
	payload := uint32(4)
	data := []byte("abcdefgh")
	chunk := bid.ChunkIdFromBytes(data)

	cache := NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(newMemStore(len(data)), false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cache.WaitExists(ctx, 0)
	assert.Error(t, err)
}

func TestChunkStreamCacheLoadFinishedWakesEveryWaiter(t *testing.T) {
	payload := uint32(4)
	data := []byte("abcdefgh")
	chunk := bid.ChunkIdFromBytes(data)

	cache := NewChunkStreamCache(chunk, payload)

	done := make(chan error, 1)
	go func() {
		done <- cache.WaitExists(context.Background(), 1)
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, cache.Load(newMemStore(len(data)), true))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("load(finished=true) did not wake waiters")
	}
	assert.True(t, cache.Finished())
}

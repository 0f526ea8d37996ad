package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/channel"
	"bdt/chunkcache"
	"bdt/piece"
	"bdt/protocol"
	"bdt/tunnel"
)

type memStore struct {
	mu   sync.Mutex
	data []byte
}

func newMemStore(size int) *memStore { return &memStore{data: make([]byte, size)} }

func (m *memStore) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memStore) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(m.data[off:], p)
	return n, nil
}

type fakeTunnel struct {
	local, remote bid.Endpoint
	mu            sync.Mutex
	sent          [][]byte
}

func (f *fakeTunnel) Local() bid.Endpoint  { return f.local }
func (f *fakeTunnel) Remote() bid.Endpoint { return f.remote }
func (f *fakeTunnel) Mtu() int             { return 1500 }
func (f *fakeTunnel) State() tunnel.Snapshot {
	return tunnel.Snapshot{State: tunnel.StateActive}
}
func (f *fakeTunnel) SendPackage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeTunnel) SendRawData(bid.AesKey, []byte) (int, error) { return 0, nil }
func (f *fakeTunnel) Key() bid.AesKey                             { return bid.AesKey{} }
func (f *fakeTunnel) RetainKeeper()                               {}
func (f *fakeTunnel) ReleaseKeeper()                              {}
func (f *fakeTunnel) Reset()                                      {}

func newTestChannel(t *testing.T) *channel.Channel {
	t.Helper()
	local := bid.ObjectId{1}
	remote := bid.ObjectId{2}
	container := tunnel.NewContainer(remote, tunnel.Config{}, nil)
	ft := &fakeTunnel{local: bid.Endpoint{Port: 1}, remote: bid.Endpoint{Port: 2}}
	container.Add("k", ft)

	cfg := channel.Config{
		ResendInterval: 10 * time.Millisecond,
		BlockInterval:  10 * time.Millisecond,
		MSL:            50 * time.Millisecond,
		HistorySpeed:   channel.HistorySpeedConfig{Range: 4},
	}
	return channel.NewChannel(local, remote, container, cfg)
}

func TestChunkTaskFinishesWhenAllPiecesArrive(t *testing.T) {
	ch := newTestChannel(t)

	chunkLen := uint64(30)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)

	store := newMemStore(int(chunkLen))
	cache := chunkcache.NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(store, false))

	desc := protocol.StreamCodecDesc(0, 3, 1, payload)
	decoder := piece.NewStreamDecoder(chunkLen, desc, store)

	sess, err := ch.Download(chunk, bid.ObjectId{9}, cache, decoder, "", "")
	require.NoError(t, err)

	ct := NewChunkTask(ch, chunk, sess)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ct.Start(ctx))

	assert.Equal(t, StateRunning, ct.Status().State)

	for i := uint32(0); i < 3; i++ {
		data := &protocol.PieceData{SessionId: sess.SessionId(), Desc: protocol.StreamPieceDesc(i, 1), Data: make([]byte, payload)}
		_, err := sess.OnPieceData(data)
		require.NoError(t, err)
	}

	require.NoError(t, ct.Wait(ctx))
	assert.Equal(t, StateFinished, ct.Status().State)
	assert.Equal(t, float64(1), ct.Status().Progress)
}

func TestChunkTaskCancelReportsFailed(t *testing.T) {
	ch := newTestChannel(t)

	chunkLen := uint64(30)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)
	store := newMemStore(int(chunkLen))
	cache := chunkcache.NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(store, false))

	desc := protocol.StreamCodecDesc(0, 3, 1, payload)
	decoder := piece.NewStreamDecoder(chunkLen, desc, store)

	sess, err := ch.Download(chunk, bid.ObjectId{9}, cache, decoder, "", "")
	require.NoError(t, err)

	ct := NewChunkTask(ch, chunk, sess)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ct.Start(ctx))

	ct.Cancel(nil)
	require.NoError(t, ct.Wait(ctx))
	assert.Equal(t, StateFailed, ct.Status().State)
}

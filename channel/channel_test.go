package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
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
func (f *fakeTunnel) SendRawData(_ bid.AesKey, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return len(data), nil
}
func (f *fakeTunnel) Key() bid.AesKey { return bid.AesKey{} }
func (f *fakeTunnel) RetainKeeper()    {}
func (f *fakeTunnel) ReleaseKeeper()   {}
func (f *fakeTunnel) Reset()           {}

func newTestChannel(t *testing.T) (*Channel, *fakeTunnel) {
	t.Helper()
	local := bid.ObjectId{1}
	remote := bid.ObjectId{2}
	container := tunnel.NewContainer(remote, tunnel.Config{}, nil)
	ft := &fakeTunnel{local: bid.Endpoint{Port: 1}, remote: bid.Endpoint{Port: 2}}
	container.Add("k", ft)

	cfg := Config{
		ResendInterval: 10 * time.Millisecond,
		BlockInterval:  10 * time.Millisecond,
		MSL:            50 * time.Millisecond,
		HistorySpeed:   HistorySpeedConfig{Range: 4},
	}
	return NewChannel(local, remote, container, cfg), ft
}

func piecePayload(p *protocol.PieceData) []byte {
	full := p.Encode()
	return full[bid.MixHashLen+1:]
}

func controlPayload(c *protocol.PieceControl) []byte {
	return c.Encode()[1:]
}

func TestChannelDownloadCompletesOnAllPieces(t *testing.T) {
	ch, _ := newTestChannel(t)

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

	for i := uint32(0); i < 3; i++ {
		data := &protocol.PieceData{SessionId: sess.SessionId(), Desc: protocol.StreamPieceDesc(i, 1), Data: make([]byte, payload)}
		_, err := sess.OnPieceData(data)
		require.NoError(t, err)
	}

	assert.True(t, sess.Finished())
	assert.Equal(t, DownloadSessionFinished, sess.State())
}

func TestChannelUploadServesPieces(t *testing.T) {
	ch, _ := newTestChannel(t)

	chunkLen := uint64(20)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)
	src := newMemStore(int(chunkLen))

	desc := protocol.StreamCodecDesc(0, 2, 1, payload)
	encoder := piece.NewStreamEncoder(chunkLen, desc, src)

	sess, err := ch.Upload(chunk, 7, desc, encoder)
	require.NoError(t, err)

	buf := make([]byte, payload)
	_, n, pending, err := sess.NextPiece(context.Background(), buf)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, int(payload), n)
}

func TestChannelOnTunnelPackageRoutesPieceControlToUpload(t *testing.T) {
	ch, _ := newTestChannel(t)

	chunkLen := uint64(20)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)
	src := newMemStore(int(chunkLen))
	desc := protocol.StreamCodecDesc(0, 2, 1, payload)
	encoder := piece.NewStreamEncoder(chunkLen, desc, src)

	sess, err := ch.Upload(chunk, 42, desc, encoder)
	require.NoError(t, err)

	ctrl := &protocol.PieceControl{SessionId: 42, Command: protocol.PieceControlFinish}
	ch.OnTunnelPackage(nil, nil, uint8(protocol.PieceCmdControl), controlPayload(ctrl))

	assert.Equal(t, UploadSessionFinished, sess.State())
}

func TestChannelOnInterestAcceptsAndEmitsPieces(t *testing.T) {
	ch, ft := newTestChannel(t)

	chunkLen := uint64(20)
	payload := uint32(10)
	src := newMemStore(int(chunkLen))
	desc := protocol.StreamCodecDesc(0, 2, 1, payload)

	ch.SetNewUploadHandler(func(interest *protocol.Interest) (piece.ChunkEncoder, error) {
		return piece.NewStreamEncoder(interest.ChunkLen, interest.Codec, src), nil
	})

	interest := &protocol.Interest{SessionId: 9, ChunkHash: bid.ObjectId{9}, ChunkLen: chunkLen, Codec: desc}
	ch.OnTunnelPackage(nil, nil, uint8(protocol.CmdInterest), interest.Encode()[len(protocol.Magic)+1+4:])

	_, ok := ch.upload.find(9)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.sent) >= 2
	}, time.Second, 5*time.Millisecond)

	ft.mu.Lock()
	sawRespInterest, sawPieceData := false, false
	for _, frame := range ft.sent {
		if len(frame) > 0 && frame[0] == protocol.Magic[0] {
			sawRespInterest = true
		}
		if len(frame) > bid.MixHashLen && frame[bid.MixHashLen] == byte(protocol.PieceCmdData) {
			sawPieceData = true
		}
	}
	ft.mu.Unlock()
	assert.True(t, sawRespInterest)
	assert.True(t, sawPieceData)
}

func TestChannelOnPieceDataFinishSendsPieceControl(t *testing.T) {
	ch, ft := newTestChannel(t)

	chunkLen := uint64(10)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)

	store := newMemStore(int(chunkLen))
	cache := chunkcache.NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(store, false))

	desc := protocol.StreamCodecDesc(0, 1, 1, payload)
	decoder := piece.NewStreamDecoder(chunkLen, desc, store)

	sess, err := ch.Download(chunk, bid.ObjectId{9}, cache, decoder, "", "")
	require.NoError(t, err)

	data := &protocol.PieceData{SessionId: sess.SessionId(), Desc: protocol.StreamPieceDesc(0, 1), Data: make([]byte, payload)}
	ch.OnTunnelPackage(nil, nil, uint8(protocol.PieceCmdData), piecePayload(data))

	assert.True(t, sess.Finished())
	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.sent, 1)
	assert.Equal(t, uint8(protocol.PieceCmdControl), ft.sent[0][0])
}

func TestChannelRespInterestErrCancelsDownload(t *testing.T) {
	ch, _ := newTestChannel(t)

	chunkLen := uint64(10)
	payload := uint32(10)
	chunk := bid.NewChunkId(bid.ObjectId{9}, chunkLen)
	store := newMemStore(int(chunkLen))
	cache := chunkcache.NewChunkStreamCache(chunk, payload)
	require.NoError(t, cache.Load(store, false))
	desc := protocol.StreamCodecDesc(0, 1, 1, payload)
	decoder := piece.NewStreamDecoder(chunkLen, desc, store)

	sess, err := ch.Download(chunk, bid.ObjectId{9}, cache, decoder, "", "")
	require.NoError(t, err)

	resp := &protocol.RespInterest{SessionId: sess.SessionId(), Err: 1}
	ch.OnTunnelPackage(nil, nil, uint8(protocol.CmdRespInterest), resp.Encode()[len(protocol.Magic)+1+4:])

	require.Error(t, sess.WaitFinish(context.Background()))
}

func TestChannelSendInterestGoesThroughDefaultTunnel(t *testing.T) {
	ch, ft := newTestChannel(t)

	err := ch.SendInterest(&protocol.Interest{SessionId: 5, ChunkHash: bid.ObjectId{3}, ChunkLen: 100})
	require.NoError(t, err)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Len(t, ft.sent, 1)
}

func TestSpeedCounterAndHistorySpeed(t *testing.T) {
	start := time.Now()
	c := NewSpeedCounter(start)
	c.OnRecv(1000)
	speed := c.Update(start.Add(time.Second))
	assert.InDelta(t, 1000, speed, 1)

	hs := NewHistorySpeed(0, HistorySpeedConfig{Range: 2})
	hs.Update(&speed, start)
	zero := uint32(0)
	hs.Update(&zero, start)
	avg := hs.Average()
	assert.LessOrEqual(t, avg, speed)
}

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
)

type fakeStream struct {
	mu        sync.Mutex
	cancelled bool
}

func (s *fakeStream) Read(p []byte) (int, error)  { return 0, nil }
func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) Close() error                { return nil }
func (s *fakeStream) CancelWrite(quic.StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

type fakeConn struct {
	mu      sync.Mutex
	opened  int
	streams []*fakeStream
}

func (c *fakeConn) OpenStreamSync(ctx context.Context) (rwc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	s := &fakeStream{}
	c.streams = append(c.streams, s)
	return s, nil
}

type fakeDialer struct {
	mu    sync.Mutex
	calls int
	conn  *fakeConn
}

func (d *fakeDialer) Conn(ctx context.Context, remote bid.DeviceId) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.conn, nil
}

// TestConnectorReuseAndExpiry is spec scenario S6: capacity=2,
// timeout=5s. Three distinct streams are opened to the same remote
// (each connect sees an empty pool since none has been returned yet)
// and then each is dropped; capacity caps the pool at 2 even though 3
// were returned, and once idle past timeout it drops to 0, after which
// connect dials a fresh stream again.
func TestConnectorReuseAndExpiry(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	cfg := Config{Capacity: 2, Timeout: 5 * time.Second}
	c := newConnector(bid.DeviceId{9}, 4433, cfg, dialer, nil, nil)

	ctx := context.Background()
	streams := make([]*PooledStream, 3)
	for i := range streams {
		ps, err := c.connect(ctx)
		require.NoError(t, err)
		streams[i] = ps
	}
	assert.Equal(t, 1, dialer.calls)
	assert.Equal(t, 3, dialer.conn.opened)

	for _, ps := range streams {
		require.NoError(t, ps.Close())
	}
	assert.Equal(t, 2, c.streamCount())

	future := time.Now().Add(6 * time.Second)
	c.onTimeEscape(future)
	assert.Equal(t, 0, c.streamCount())

	ps, err := c.connect(ctx)
	require.NoError(t, err)
	require.NotNil(t, ps)
	assert.Equal(t, 4, dialer.conn.opened)
}

func TestConnectorCapsAtCapacity(t *testing.T) {
	dialer := &fakeDialer{conn: &fakeConn{}}
	cfg := Config{Capacity: 1, Timeout: time.Minute}
	c := newConnector(bid.DeviceId{9}, 1, cfg, dialer, nil, nil)

	ctx := context.Background()
	a, err := c.connect(ctx)
	require.NoError(t, err)
	b, err := c.connect(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	assert.Equal(t, 1, c.streamCount())
}

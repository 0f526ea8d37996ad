package sn

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

type fakeTransport struct {
	mu      sync.Mutex
	online  map[bid.DeviceId]bool
	calls   int
}

func (f *fakeTransport) Ping(ctx context.Context, sn bid.DeviceId, req *protocol.SnPing) (*protocol.SnPingResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.online[sn] {
		return &protocol.SnPingResp{Seq: req.Seq, SnPeerId: sn, Result: 0}, nil
	}
	return nil, context.DeadlineExceeded
}

func idWithByte(b byte) bid.DeviceId {
	var id bid.DeviceId
	id[0] = b
	return id
}

func TestPingClientsSortsNearestFirst(t *testing.T) {
	local := idWithByte(0x00)
	far := idWithByte(0xFF)
	near := idWithByte(0x01)

	c := NewPingClients(local, []bid.DeviceId{far, near}, &fakeTransport{online: map[bid.DeviceId]bool{}}, Config{
		PingInterval: time.Hour, PingTimeout: 50 * time.Millisecond, RetrySnTimeout: time.Millisecond,
	})
	require.Len(t, c.remain, 2)
	assert.Equal(t, near, c.remain[0].id)
	assert.Equal(t, far, c.remain[1].id)
}

func TestPingClientsGoesOnlineOnReachableSN(t *testing.T) {
	local := idWithByte(0x00)
	sn := idWithByte(0x01)
	transport := &fakeTransport{online: map[bid.DeviceId]bool{sn: true}}

	c := NewPingClients(local, []bid.DeviceId{sn}, transport, Config{
		PingInterval: 20 * time.Millisecond, PingTimeout: 20 * time.Millisecond, RetrySnTimeout: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	status, err := c.WaitStatus(context.Background(), StatusConnecting)
	require.NoError(t, err)
	// might already have reached Online by the time we observe it.
	if status == StatusConnecting {
		status, err = c.WaitStatus(context.Background(), StatusConnecting)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusOnline, status)

	got, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, sn, got)
}

func TestPingClientsGoesOfflineWhenAllUnreachable(t *testing.T) {
	local := idWithByte(0x00)
	sn1, sn2 := idWithByte(0x01), idWithByte(0x02)
	transport := &fakeTransport{online: map[bid.DeviceId]bool{}}

	c := NewPingClients(local, []bid.DeviceId{sn1, sn2}, transport, Config{
		PingInterval: 20 * time.Millisecond, PingTimeout: 10 * time.Millisecond, RetrySnTimeout: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.Status() == StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPingClientsResetPreservesUntried(t *testing.T) {
	local := idWithByte(0x00)
	sn1, sn2, sn3 := idWithByte(0x01), idWithByte(0x02), idWithByte(0x03)
	transport := &fakeTransport{online: map[bid.DeviceId]bool{sn1: true}}

	c := NewPingClients(local, []bid.DeviceId{sn1, sn2, sn3}, transport, Config{
		PingInterval: time.Hour, PingTimeout: 20 * time.Millisecond, RetrySnTimeout: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	_, err := c.WaitStatus(context.Background(), StatusConnecting)
	require.NoError(t, err)
	cancel()
	time.Sleep(20 * time.Millisecond)

	reset := c.Reset()
	// sn2 and sn3 were never tried, and sn1 (current) is re-queued too.
	assert.Len(t, reset.remain, 3)
}

package pool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/tunnel"
)

type fakeTunnel struct {
	local, remote bid.Endpoint
}

func (f *fakeTunnel) Local() bid.Endpoint                         { return f.local }
func (f *fakeTunnel) Remote() bid.Endpoint                        { return f.remote }
func (f *fakeTunnel) Mtu() int                                    { return 1500 }
func (f *fakeTunnel) State() tunnel.Snapshot                      { return tunnel.Snapshot{State: tunnel.StateActive} }
func (f *fakeTunnel) SendPackage(payload []byte) error            { return nil }
func (f *fakeTunnel) SendRawData(bid.AesKey, []byte) (int, error) { return 0, nil }
func (f *fakeTunnel) Key() bid.AesKey                             { return bid.AesKey{} }
func (f *fakeTunnel) RetainKeeper()                               {}
func (f *fakeTunnel) ReleaseKeeper()                              {}
func (f *fakeTunnel) Reset()                                      {}

func TestQuicDialerDialsAndCachesConnection(t *testing.T) {
	ln, err := ListenConfig("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				return
			}
			go func() { _, _ = conn.AcceptStream(context.Background()) }()
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	remoteDevice := bid.DeviceId{1}
	container := tunnel.NewContainer(remoteDevice, tunnel.Config{}, nil)
	ep := bid.Endpoint{Transport: bid.TransportUDP, Addr: net.IPv4(127, 0, 0, 1), Port: mustPort(t, portStr)}
	container.Add("k", &fakeTunnel{local: ep, remote: ep})

	lookup := func(remote bid.DeviceId) *tunnel.Container {
		if remote == remoteDevice {
			return container
		}
		return nil
	}

	dialer := NewQuicDialer(lookup, InsecureClientTLSConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn1, err := dialer.Conn(ctx, remoteDevice)
	require.NoError(t, err)
	assert.NotNil(t, conn1)

	conn2, err := dialer.Conn(ctx, remoteDevice)
	require.NoError(t, err)
	assert.Equal(t, conn1, conn2)
}

func TestQuicDialerErrorsWithoutContainer(t *testing.T) {
	dialer := NewQuicDialer(func(bid.DeviceId) *tunnel.Container { return nil }, nil)
	_, err := dialer.Conn(context.Background(), bid.DeviceId{9})
	assert.Error(t, err)
}

func mustPort(t *testing.T, s string) uint16 {
	t.Helper()
	port, err := strconv.Atoi(s)
	require.NoError(t, err)
	return uint16(port)
}

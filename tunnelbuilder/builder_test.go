package tunnelbuilder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
	"bdt/tunnel"
)

type fakeTunnel struct {
	local, remote bid.Endpoint
	state         tunnel.State
}

func (f *fakeTunnel) Local() bid.Endpoint  { return f.local }
func (f *fakeTunnel) Remote() bid.Endpoint { return f.remote }
func (f *fakeTunnel) Mtu() int             { return 1500 }
func (f *fakeTunnel) State() tunnel.Snapshot {
	return tunnel.Snapshot{State: f.state}
}
func (f *fakeTunnel) SendPackage(payload []byte) error            { return nil }
func (f *fakeTunnel) SendRawData(bid.AesKey, []byte) (int, error) { return 0, nil }
func (f *fakeTunnel) Key() bid.AesKey                             { return bid.AesKey{} }
func (f *fakeTunnel) RetainKeeper()                               {}
func (f *fakeTunnel) ReleaseKeeper()                               {}
func (f *fakeTunnel) Reset()                                      { f.state = tunnel.StateDead }

func ep(port uint16) bid.Endpoint {
	return bid.Endpoint{Transport: bid.TransportUDP, Addr: net.IPv4(10, 0, 0, 1), Port: port}
}

type fakeDialer struct {
	udpDelay map[uint16]time.Duration
	udpFail  map[uint16]bool
}

func (d *fakeDialer) DialUDP(ctx context.Context, remote bid.Endpoint) (tunnel.Tunnel, error) {
	if delay, ok := d.udpDelay[remote.Port]; ok {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.udpFail[remote.Port] {
		return nil, assertErr
	}
	return &fakeTunnel{local: ep(1), remote: remote, state: tunnel.StateActive}, nil
}

func (d *fakeDialer) DialTCP(ctx context.Context, remote bid.Endpoint) (tunnel.Tunnel, error) {
	return nil, assertErr
}

var assertErr = context.DeadlineExceeded

func TestBuilderRacesEndpointsFastestWins(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{
		udpDelay: map[uint16]time.Duration{100: 50 * time.Millisecond, 200: 5 * time.Millisecond},
	}
	b := NewBuilder(container, dialer, nil)

	res, err := b.Build(context.Background(), []bid.Endpoint{ep(100), ep(200)}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(200), res.Tunnel.Remote().Port)
	assert.Equal(t, StateEstablish, b.State())
}

func TestBuilderFallsBackToProxyWhenDirectFails(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{udpFail: map[uint16]bool{100: true}}
	proxyID := bid.ObjectId{9}

	proxy := &fakeProxyDialer{ok: true}
	b := NewBuilder(container, dialer, proxy)

	res, err := b.Build(context.Background(), []bid.Endpoint{ep(100)}, []bid.DeviceId{proxyID})
	require.NoError(t, err)
	assert.Equal(t, proxyID, res.Proxy)
}

type fakeProxyDialer struct{ ok bool }

func (p *fakeProxyDialer) DialViaProxy(ctx context.Context, proxy bid.DeviceId, remote bid.Endpoint) (tunnel.Tunnel, error) {
	if !p.ok {
		return nil, assertErr
	}
	return &fakeTunnel{local: ep(1), remote: remote, state: tunnel.StateActive}, nil
}

func TestBuilderClosesWhenEverythingFails(t *testing.T) {
	container := tunnel.NewContainer(bid.ObjectId{1}, tunnel.Config{}, nil)
	dialer := &fakeDialer{udpFail: map[uint16]bool{100: true}}
	b := NewBuilder(container, dialer, &fakeProxyDialer{ok: false})

	_, err := b.Build(context.Background(), []bid.Endpoint{ep(100)}, []bid.DeviceId{bid.ObjectId{9}})
	assert.Error(t, err)
	assert.Equal(t, StateClosed, b.State())
}

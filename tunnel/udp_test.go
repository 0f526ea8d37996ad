package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bdt/bid"
)

type fakeInterface struct {
	local bid.Endpoint
	mu    sync.Mutex
	sent  [][]byte
}

func (f *fakeInterface) Local() bid.Endpoint { return f.local }
func (f *fakeInterface) SendControl(remote bid.Endpoint, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}
func (f *fakeInterface) SendRawData(key bid.AesKey, data []byte, remote bid.Endpoint) (int, error) {
	return len(data), nil
}

type fakeOwner struct {
	mu        sync.Mutex
	transitns []string
}

func (o *fakeOwner) OnTunnelStateChanged(t Tunnel, old, new Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitns = append(o.transitns, old.State.String()+"->"+new.State.String())
}

func testEndpoint(port uint16) bid.Endpoint {
	return bid.Endpoint{Transport: bid.TransportUDP, Addr: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestUDPTunnelActivatesAndNotifiesOwner(t *testing.T) {
	container := NewContainer(bid.ObjectId{1}, Config{UDP: UDPConfig{PingInterval: time.Hour, PingTimeout: time.Hour}}, nil)
	owner := &fakeOwner{}
	iface := &fakeInterface{local: testEndpoint(1000)}

	ut := NewUDPTunnel(container, owner, iface, testEndpoint(2000), 1500, time.Second)
	assert.Equal(t, StateConnecting, ut.State().State)

	key, err := bid.NewAesKey()
	require.NoError(t, err)
	ts := uint64(42)
	require.NoError(t, ut.Active(key, true, &ts))

	snap := ut.State()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, uint64(42), snap.RemoteTimestamp)

	owner.mu.Lock()
	assert.Contains(t, owner.transitns, "connecting->active")
	owner.mu.Unlock()
}

func TestUDPTunnelConnectTimeoutGoesDead(t *testing.T) {
	container := NewContainer(bid.ObjectId{1}, Config{}, nil)
	owner := &fakeOwner{}
	iface := &fakeInterface{local: testEndpoint(1000)}

	ut := NewUDPTunnel(container, owner, iface, testEndpoint(2000), 1500, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return ut.State().State == StateDead
	}, time.Second, 5*time.Millisecond)

	owner.mu.Lock()
	assert.Contains(t, owner.transitns, "connecting->dead")
	owner.mu.Unlock()
}

func TestUDPTunnelTryUpdateKeyRequiresActiveAndDifferentKey(t *testing.T) {
	container := NewContainer(bid.ObjectId{1}, Config{}, nil)
	owner := &fakeOwner{}
	iface := &fakeInterface{local: testEndpoint(1000)}
	ut := NewUDPTunnel(container, owner, iface, testEndpoint(2000), 1500, time.Second)

	key, _ := bid.NewAesKey()
	assert.Error(t, ut.TryUpdateKey(key)) // still connecting

	ts := uint64(1)
	require.NoError(t, ut.Active(key, true, &ts))

	assert.Error(t, ut.TryUpdateKey(key)) // same key

	other, _ := bid.NewAesKey()
	assert.NoError(t, ut.TryUpdateKey(other))
}

func TestUDPTunnelResetGoesDead(t *testing.T) {
	container := NewContainer(bid.ObjectId{1}, Config{}, nil)
	owner := &fakeOwner{}
	iface := &fakeInterface{local: testEndpoint(1000)}
	ut := NewUDPTunnel(container, owner, iface, testEndpoint(2000), 1500, time.Second)

	ut.Reset()
	assert.Equal(t, StateDead, ut.State().State)
	assert.Error(t, ut.SendPackage([]byte("x")))
}

func TestContainerDefaultPromotion(t *testing.T) {
	container := NewContainer(bid.ObjectId{1}, Config{}, nil)
	owner := container // Container implements Owner
	iface := &fakeInterface{local: testEndpoint(1000)}

	ut := NewUDPTunnel(container, owner, iface, testEndpoint(2000), 1500, time.Second)
	container.Add(ut.Remote().String(), ut)
	assert.Nil(t, container.Default())

	key, _ := bid.NewAesKey()
	ts := uint64(1)
	require.NoError(t, ut.Active(key, true, &ts))

	assert.Equal(t, Tunnel(ut), container.Default())
}

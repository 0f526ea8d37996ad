package tunnel

import (
	"sync"
	"sync/atomic"
	"time"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
	"bdt/protocol"
	"go.uber.org/zap"
)

// UDPTunnel is one UDP (local, remote) endpoint pair's tunnel, grounded
// on original_source's tunnel/udp.rs Tunnel. It carries its own state
// machine (Connecting -> Active -> Dead) independent of the container's
// aggregate view.
type UDPTunnel struct {
	local, remote bid.Endpoint
	container     *Container
	owner         Owner
	iface         Interface
	mtu           int
	log           *zap.Logger

	mu          sync.Mutex
	state       State
	waiters     []chan Snapshot
	key         bid.AesKey
	remoteTS    uint64
	keeperCount int32
	lastActive  int64 // unix micros, atomic

	deadOnce sync.Once
	stopPing chan struct{}
}

// NewUDPTunnel creates a tunnel in Connecting state and starts the
// connect-timeout watchdog goroutine, mirroring Tunnel::new's spawned
// task in udp.rs.
func NewUDPTunnel(container *Container, owner Owner, iface Interface, remote bid.Endpoint, mtu int, connectTimeout time.Duration) *UDPTunnel {
	t := &UDPTunnel{
		local:     iface.Local(),
		remote:    remote,
		container: container,
		owner:     owner,
		iface:     iface,
		mtu:       mtu,
		log:       logging.L().With(zap.String("tunnel", "udp"), zap.String("remote", remote.String())),
		state:     StateConnecting,
	}
	atomic.StoreInt64(&t.lastActive, 0)

	go t.watchConnectTimeout(connectTimeout)
	return t
}

func (t *UDPTunnel) watchConnectTimeout(timeout time.Duration) {
	done := make(chan Snapshot, 1)
	go func() { done <- t.waitActive() }()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		return
	}
	old := Snapshot{State: t.state}
	t.state = StateDead
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	t.log.Info("dead for connecting timeout")
	for _, w := range waiters {
		w <- Snapshot{State: StateDead}
		close(w)
	}
	t.owner.OnTunnelStateChanged(t, old, Snapshot{State: StateDead})
}

func (t *UDPTunnel) waitActive() Snapshot {
	t.mu.Lock()
	if t.state != StateConnecting {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap
	}
	ch := make(chan Snapshot, 1)
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()
	return <-ch
}

func (t *UDPTunnel) snapshotLocked() Snapshot {
	return Snapshot{State: t.state, RemoteTimestamp: t.remoteTS}
}

// TryUpdateKey accepts a new key only while active and only if it
// actually differs, per spec §4.3's key-rotation invariant.
func (t *UDPTunnel) TryUpdateKey(key bid.AesKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return errs.New(errs.ErrorState, "tunnel: not active")
	}
	if t.key.Equal(key) {
		return errs.New(errs.ErrorState, "tunnel: same key")
	}
	t.key = key
	return nil
}

// Active transitions Connecting->Active (or refreshes an already-Active
// tunnel's key/timestamp), per spec §4.3's key lifecycle: a newer
// remote timestamp always wins, an exchanged key always replaces the
// old one.
func (t *UDPTunnel) Active(key bid.AesKey, exchange bool, remoteTimestamp *uint64) error {
	t.mu.Lock()
	old := t.snapshotLocked()
	var waiters []chan Snapshot

	switch t.state {
	case StateConnecting:
		if remoteTimestamp == nil {
			t.mu.Unlock()
			return nil
		}
		t.state = StateActive
		t.key = key
		t.remoteTS = *remoteTimestamp
		waiters = t.waiters
		t.waiters = nil
	case StateActive:
		if remoteTimestamp != nil && *remoteTimestamp > t.remoteTS {
			t.remoteTS = *remoteTimestamp
		}
		if exchange && !t.key.Equal(key) {
			t.key = key
		}
	case StateDead:
		t.mu.Unlock()
		return errs.New(errs.ErrorState, "tunnel: dead")
	}
	newSnap := t.snapshotLocked()
	t.mu.Unlock()

	for _, w := range waiters {
		w <- newSnap
		close(w)
	}
	atomic.StoreInt64(&t.lastActive, nowMicros())
	if !old.Equal(newSnap) {
		t.owner.OnTunnelStateChanged(t, old, newSnap)
	}
	return nil
}

func nowMicros() int64 { return time.Now().UnixMicro() }

func (t *UDPTunnel) Local() bid.Endpoint  { return t.local }
func (t *UDPTunnel) Remote() bid.Endpoint { return t.remote }
func (t *UDPTunnel) Mtu() int             { return t.mtu }

func (t *UDPTunnel) Key() bid.AesKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

func (t *UDPTunnel) State() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// SendPackage writes an already-encoded control frame to the remote
// endpoint (spec §4.3/§6's plaintext handshake/ping frames).
func (t *UDPTunnel) SendPackage(payload []byte) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == StateDead {
		return errs.New(errs.ErrorState, "tunnel: dead")
	}
	return t.iface.SendControl(t.remote, payload)
}

// MaxRawDataPayload is the biggest RawData payload this tunnel's MTU
// allows after the key-mix-hash header (spec §6).
func (t *UDPTunnel) MaxRawDataPayload() int { return t.mtu - bid.MixHashLen }

func (t *UDPTunnel) SendRawData(key bid.AesKey, data []byte) (int, error) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateActive {
		return 0, errs.New(errs.ErrorState, "tunnel: not active")
	}
	return t.iface.SendRawData(key, data, t.remote)
}

// RetainKeeper starts the ping-keepalive loop the first time a caller
// asks to keep this tunnel warm, and tears it down once the last
// caller releases it and it times out, per udp.rs's refcounted keeper.
func (t *UDPTunnel) RetainKeeper() {
	if atomic.AddInt32(&t.keeperCount, 1) != 1 {
		return
	}
	t.mu.Lock()
	active := t.state == StateActive
	t.mu.Unlock()
	if !active {
		return
	}
	t.stopPing = make(chan struct{})
	go t.pingLoop()
}

func (t *UDPTunnel) ReleaseKeeper() {
	atomic.AddInt32(&t.keeperCount, -1)
}

func (t *UDPTunnel) pingLoop() {
	interval := t.container.cfg.UDP.PingInterval
	timeout := t.container.cfg.UDP.PingTimeout

	for {
		if atomic.LoadInt32(&t.keeperCount) <= 0 {
			return
		}
		missActive := time.Duration(nowMicros()-atomic.LoadInt64(&t.lastActive)) * time.Microsecond
		if missActive > timeout {
			t.mu.Lock()
			if t.state == StateActive {
				old := t.snapshotLocked()
				t.state = StateDead
				t.mu.Unlock()
				t.log.Info("dead for ping timeout")
				t.owner.OnTunnelStateChanged(t, old, Snapshot{State: StateDead})
			} else {
				t.mu.Unlock()
			}
			return
		}
		if missActive > interval {
			ping := &protocol.PingTunnel{PackageId: 0, SendTime: uint64(nowMicros())}
			_ = t.SendPackage(ping.Encode())
		}
		select {
		case <-time.After(interval):
		case <-t.stopPing:
			return
		}
	}
}

// Reset forces the tunnel to Dead immediately (spec §4.3).
func (t *UDPTunnel) Reset() {
	t.mu.Lock()
	old := t.snapshotLocked()
	t.state = StateDead
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		w <- Snapshot{State: StateDead}
		close(w)
	}
	if old.State != StateDead {
		t.owner.OnTunnelStateChanged(t, old, Snapshot{State: StateDead})
	}
}

// OnSynTunnel activates the tunnel from an inbound SynTunnel and
// replies with AckTunnel, per spec §4.3's UDP handshake.
func (t *UDPTunnel) OnSynTunnel(syn *protocol.SynTunnel, fromDeviceUpdateTime uint64, key bid.AesKey, stackVersion uint32, localDeviceDesc protocol.DeviceDescBytes) error {
	if err := t.Active(key, true, &fromDeviceUpdateTime); err != nil {
		return err
	}
	ack := &protocol.AckTunnel{
		Sequence:     syn.Sequence,
		Result:       0,
		SendTime:     0,
		MTU:          uint16(t.mtu),
		ToDeviceDesc: localDeviceDesc,
	}
	return t.SendPackage(ack.Encode())
}

// OnAckTunnel activates the tunnel from an inbound AckTunnel.
func (t *UDPTunnel) OnAckTunnel(ack *protocol.AckTunnel, toDeviceUpdateTime uint64, key bid.AesKey) error {
	return t.Active(key, true, &toDeviceUpdateTime)
}

// OnAckAckTunnel just confirms liveness; no state beyond Active refresh.
func (t *UDPTunnel) OnAckAckTunnel(key bid.AesKey) error {
	return t.Active(key, false, nil)
}

// OnPingTunnel refreshes liveness and answers with PingTunnelResp.
func (t *UDPTunnel) OnPingTunnel(ping *protocol.PingTunnel, key bid.AesKey) error {
	if err := t.Active(key, false, nil); err != nil {
		return err
	}
	resp := &protocol.PingTunnelResp{AckPackageId: ping.PackageId, SendTime: uint64(nowMicros())}
	return t.SendPackage(resp.Encode())
}

// OnPingTunnelResp just refreshes liveness.
func (t *UDPTunnel) OnPingTunnelResp(key bid.AesKey) error {
	return t.Active(key, false, nil)
}

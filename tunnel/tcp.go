package tunnel

import (
	"net"
	"sync"
	"time"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
	"bdt/protocol"
	"go.uber.org/zap"
)

// TCPTunnel is a handshake-based tunnel over a connected net.Conn,
// grounded on original_source's tunnel/builder/connect_stream/tcp.rs
// (the active side) and the passive-accept path implied by spec §4.4's
// three-way TCP handshake: SynConnection -> AckConnection -> AckAckConnection.
type TCPTunnel struct {
	local, remote bid.Endpoint
	conn          net.Conn
	container     *Container
	owner         Owner
	mtu           int
	log           *zap.Logger

	mu       sync.Mutex
	state    State
	waiters  []chan Snapshot
	remoteTS uint64

	closeOnce sync.Once
}

// DialTCPTunnel performs the active side of the handshake: send
// SynConnection, wait for AckConnection within confirmTimeout, reply
// AckAckConnection, then transition to Active.
func DialTCPTunnel(container *Container, owner Owner, conn net.Conn, remote bid.Endpoint, mtu int, fromDesc protocol.DeviceDescBytes, confirmTimeout time.Duration) (*TCPTunnel, error) {
	t := newTCPTunnel(container, owner, conn, remote, mtu)

	syn := &protocol.TCPSynConnection{Sequence: 0, FromDeviceDesc: fromDesc, SendTime: uint64(nowMicros())}
	if err := protocol.WriteTCPFrame(conn, &protocol.TCPFrame{Cmd: protocol.TCPCmdSynConnection, Payload: syn.Encode()}); err != nil {
		return nil, errs.Wrap(errs.Failed, "tcp tunnel: write syn", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(confirmTimeout))
	frame, err := protocol.ReadTCPFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Reset()
		return nil, errs.Wrap(errs.Timeout, "tcp tunnel: wait ack", err)
	}
	if frame.Cmd != protocol.TCPCmdAckConnection {
		t.Reset()
		return nil, errs.New(errs.InvalidData, "tcp tunnel: expected ack_connection")
	}
	ack, err := protocol.DecodeTCPAckConnection(frame.Payload)
	if err != nil {
		t.Reset()
		return nil, errs.Wrap(errs.InvalidData, "tcp tunnel: decode ack_connection", err)
	}

	ackAck := &protocol.TCPAckAckConnection{Result: protocol.AckAckOK}
	if err := protocol.WriteTCPFrame(conn, &protocol.TCPFrame{Cmd: protocol.TCPCmdAckAckConnection, Payload: ackAck.Encode()}); err != nil {
		t.Reset()
		return nil, errs.Wrap(errs.Failed, "tcp tunnel: write ack_ack", err)
	}

	t.activate(ack.RemoteUpdate)
	go t.readLoop()
	return t, nil
}

// AcceptTCPTunnel performs the passive side: the first frame off a
// freshly accepted conn must be SynConnection; reply AckConnection,
// then wait for the peer's AckAckConnection before going Active.
func AcceptTCPTunnel(container *Container, owner Owner, conn net.Conn, remote bid.Endpoint, mtu int, localDesc protocol.DeviceDescBytes, confirmTimeout time.Duration) (*TCPTunnel, error) {
	t := newTCPTunnel(container, owner, conn, remote, mtu)

	_ = conn.SetReadDeadline(time.Now().Add(confirmTimeout))
	frame, err := protocol.ReadTCPFrame(conn)
	if err != nil || frame.Cmd != protocol.TCPCmdSynConnection {
		t.Reset()
		return nil, errs.Wrap(errs.InvalidData, "tcp tunnel: expected syn_connection", err)
	}
	syn, err := protocol.DecodeTCPSynConnection(frame.Payload)
	if err != nil {
		t.Reset()
		return nil, errs.Wrap(errs.InvalidData, "tcp tunnel: decode syn_connection", err)
	}

	ack := &protocol.TCPAckConnection{Sequence: syn.Sequence, RemoteDesc: localDesc, RemoteUpdate: uint64(nowMicros())}
	if err := protocol.WriteTCPFrame(conn, &protocol.TCPFrame{Cmd: protocol.TCPCmdAckConnection, Payload: ack.Encode()}); err != nil {
		t.Reset()
		return nil, errs.Wrap(errs.Failed, "tcp tunnel: write ack", err)
	}

	frame, err = protocol.ReadTCPFrame(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || frame.Cmd != protocol.TCPCmdAckAckConnection {
		t.Reset()
		return nil, errs.Wrap(errs.InvalidData, "tcp tunnel: expected ack_ack", err)
	}
	ackAck, err := protocol.DecodeTCPAckAckConnection(frame.Payload)
	if err != nil || ackAck.Result != protocol.AckAckOK {
		t.Reset()
		return nil, errs.New(errs.ConnectionRefused, "tcp tunnel: ack_ack refused")
	}

	t.activate(syn.SendTime)
	go t.readLoop()
	return t, nil
}

func newTCPTunnel(container *Container, owner Owner, conn net.Conn, remote bid.Endpoint, mtu int) *TCPTunnel {
	return &TCPTunnel{
		local:     localEndpointOf(conn),
		remote:    remote,
		conn:      conn,
		container: container,
		owner:     owner,
		mtu:       mtu,
		log:       logging.L().With(zap.String("tunnel", "tcp"), zap.String("remote", remote.String())),
		state:     StateConnecting,
	}
}

func localEndpointOf(conn net.Conn) bid.Endpoint {
	addr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return bid.Endpoint{Transport: bid.TransportTCP}
	}
	return bid.Endpoint{Transport: bid.TransportTCP, Addr: addr.IP, Port: uint16(addr.Port)}
}

func (t *TCPTunnel) activate(remoteTimestamp uint64) {
	t.mu.Lock()
	old := Snapshot{State: t.state}
	t.state = StateActive
	t.remoteTS = remoteTimestamp
	waiters := t.waiters
	t.waiters = nil
	newSnap := Snapshot{State: StateActive, RemoteTimestamp: remoteTimestamp}
	t.mu.Unlock()

	for _, w := range waiters {
		w <- newSnap
		close(w)
	}
	t.owner.OnTunnelStateChanged(t, old, newSnap)
}

// readLoop dispatches post-handshake frames to the container, per
// spec §4.4's "once Active, a TCP tunnel carries NDN piece/control
// frames and SessionData the same as a UDP one."
func (t *TCPTunnel) readLoop() {
	for {
		frame, err := protocol.ReadTCPFrame(t.conn)
		if err != nil {
			t.log.Debug("tcp tunnel read loop ended", zap.Error(err))
			t.Reset()
			return
		}
		t.container.Dispatch(t, uint8(frame.Cmd), frame.Payload)
	}
}

func (t *TCPTunnel) Local() bid.Endpoint  { return t.local }
func (t *TCPTunnel) Remote() bid.Endpoint { return t.remote }
func (t *TCPTunnel) Mtu() int             { return t.mtu }

// Key is always the zero value: a TCP tunnel has no key-mix-hash demux
// to drive, per SendRawData's own comment on this type.
func (t *TCPTunnel) Key() bid.AesKey { return bid.AesKey{} }

func (t *TCPTunnel) State() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{State: t.state, RemoteTimestamp: t.remoteTS}
}

func (t *TCPTunnel) SendPackage(payload []byte) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state == StateDead {
		return errs.New(errs.ErrorState, "tcp tunnel: dead")
	}
	return protocol.WriteTCPFrame(t.conn, &protocol.TCPFrame{Cmd: protocol.TCPCmdPieceData, Payload: payload})
}

// SendRawData has no meaning on a TCP tunnel (no key-mix-hash demux
// over a dedicated stream); every frame is already addressed by being
// on this conn. It writes a framed piece-data payload directly.
func (t *TCPTunnel) SendRawData(_ bid.AesKey, data []byte) (int, error) {
	if err := t.SendPackage(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// RetainKeeper/ReleaseKeeper are no-ops on TCP: the conn's own
// keepalive and the read loop's error-on-close already tear the tunnel
// down, so there is no separate ping loop to refcount.
func (t *TCPTunnel) RetainKeeper()  {}
func (t *TCPTunnel) ReleaseKeeper() {}

func (t *TCPTunnel) Reset() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
	})

	t.mu.Lock()
	old := Snapshot{State: t.state, RemoteTimestamp: t.remoteTS}
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

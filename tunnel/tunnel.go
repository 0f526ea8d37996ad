// Package tunnel implements spec §4.3/§4.4: the per-endpoint-pair UDP
// and TCP tunnels, and the container that aggregates every tunnel
// toward one remote device and picks a default among them.
//
// Grounded on original_source's tunnel/udp.rs for the UDP tunnel state
// machine and tunnel/tunnel.rs's TunnelContainer concept for the
// container; cppla-moto contributes nothing domain-specific here (it
// has no tunnel concept), so this package follows the Rust source's
// shape directly while keeping the teacher's logging/error idiom.
package tunnel

import (
	"sync"
	"time"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
	"go.uber.org/zap"
)

// State mirrors spec §4.3's tunnel lifecycle.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateDead
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "dead"
	}
}

// Snapshot is an immutable point-in-time read of a tunnel's state, used
// for state-change notifications (spec §4.3's "owner is notified on
// every transition").
type Snapshot struct {
	State           State
	RemoteTimestamp uint64 // meaningful only when State == StateActive
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s.State == o.State && (s.State != StateActive || s.RemoteTimestamp == o.RemoteTimestamp)
}

// Tunnel is the common surface of the UDP and TCP tunnel
// implementations, as consumed by Container and by higher layers
// (channel, sn) that just want to push bytes at a remote device.
type Tunnel interface {
	Local() bid.Endpoint
	Remote() bid.Endpoint
	Mtu() int
	State() Snapshot
	SendPackage(payload []byte) error
	SendRawData(key bid.AesKey, data []byte) (int, error)
	// Key returns the tunnel's current negotiated AES key (spec §4.3's
	// handshake key), the one a caller one layer up threads back into
	// SendRawData. Zero value on a tunnel kind that never negotiates one.
	Key() bid.AesKey
	RetainKeeper()
	ReleaseKeeper()
	Reset()
}

// Owner is notified of every tunnel state transition, per spec §4.3.
// Container implements this for the tunnels it holds.
type Owner interface {
	OnTunnelStateChanged(t Tunnel, old, new Snapshot)
}

// Interface is the raw socket the tunnel writes control frames and raw
// data through. This package has no implementation over a real
// net.UDPConn/net.TCPConn; tests substitute a fake.
type Interface interface {
	Local() bid.Endpoint
	SendControl(remote bid.Endpoint, frame []byte) error
	SendRawData(key bid.AesKey, data []byte, remote bid.Endpoint) (int, error)
}

// PackageHandler receives decoded tunnel-layer packages that are not
// fully handled by the tunnel itself (SynTunnel/AckTunnel bookkeeping
// happens in the tunnel; everything else — Datagram, SessionData,
// TcpSynConnection and NDN Interest/PieceData — is forwarded up to the
// channel/sn layers through this seam).
type PackageHandler interface {
	OnTunnelPackage(container *Container, t Tunnel, cmd uint8, payload []byte)
}

// Container aggregates every tunnel toward one remote device and hands
// out the current default, per spec §4.3 ("the container, not any one
// tunnel, is the unit application code addresses").
type Container struct {
	remote  bid.DeviceId
	cfg     Config
	handler PackageHandler
	log     *zap.Logger

	mu       sync.RWMutex
	tunnels  map[string]Tunnel // keyed by EndpointPair.Key()
	defaultT Tunnel
}

// Config bundles the UDP and TCP tunnel timing knobs from config.Config
// (spec §6), kept local to this package so tunnel code does not import
// the top-level config package directly.
type Config struct {
	UDP UDPConfig
	TCP TCPConfig
}

type UDPConfig struct {
	HolepunchInterval time.Duration
	ConnectTimeout    time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
}

type TCPConfig struct {
	ConnectTimeout time.Duration
	ConfirmTimeout time.Duration
}

func NewContainer(remote bid.DeviceId, cfg Config, handler PackageHandler) *Container {
	return &Container{
		remote:  remote,
		cfg:     cfg,
		handler: handler,
		log:     logging.L().With(zap.String("remote", remote.String()[:16])),
		tunnels: make(map[string]Tunnel),
	}
}

func (c *Container) Remote() bid.DeviceId { return c.remote }

// Add registers a tunnel under its endpoint pair key. If the new one is
// Active and there is no Active default, it becomes the default (spec
// §4.3 default-tunnel selection); a tunnel that is not Active is only
// registered.
func (c *Container) Add(key string, t Tunnel) {
	c.mu.Lock()
	c.tunnels[key] = t
	c.mu.Unlock()
	c.maybePromote(t)
}

func (c *Container) Get(key string) (Tunnel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tunnels[key]
	return t, ok
}

func (c *Container) All() []Tunnel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tunnel, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		out = append(out, t)
	}
	return out
}

// Default returns the current default tunnel, or nil if none has ever
// gone active.
func (c *Container) Default() Tunnel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultT
}

func (c *Container) maybePromote(t Tunnel) {
	if t.State().State != StateActive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defaultT == nil || c.defaultT.State().State != StateActive {
		c.defaultT = t
		c.log.Info("default tunnel promoted", zap.String("remote", t.Remote().String()))
	}
}

// OnTunnelStateChanged implements Owner: it keeps the default pointer
// honest and logs the transition; the transition is not forwarded to
// the handler (channel/sn watch individual tunnels they asked for, not
// the container).
func (c *Container) OnTunnelStateChanged(t Tunnel, old, new Snapshot) {
	if new.State == StateActive {
		c.maybePromote(t)
	} else if new.State == StateDead {
		c.mu.Lock()
		if c.defaultT == t {
			c.defaultT = nil
		}
		c.mu.Unlock()
	}
	c.log.Debug("tunnel state changed",
		zap.String("remote", t.Remote().String()),
		zap.String("from", old.State.String()),
		zap.String("to", new.State.String()))
}

// SendPackage sends payload over the default tunnel, per spec §4.3.
func (c *Container) SendPackage(payload []byte) error {
	t := c.Default()
	if t == nil {
		return errs.New(errs.ErrorState, "tunnel: container has no active default tunnel")
	}
	return t.SendPackage(payload)
}

// Dispatch forwards a decoded package to the handler on behalf of t.
func (c *Container) Dispatch(t Tunnel, cmd uint8, payload []byte) {
	if c.handler != nil {
		c.handler.OnTunnelPackage(c, t, cmd, payload)
	}
}

// Package pool implements spec §4.10 (C11): a per-(remote device,
// port) pool of reusable application-level streams, so a caller that
// repeatedly talks to the same peer does not pay a fresh QUIC
// handshake every time.
//
// Grounded on original_source's utils/stream_pool.rs. That source
// multiplexes BDT's own stream protocol over a tunnel; this port
// multiplexes github.com/quic-go/quic-go streams over one QUIC
// connection per remote device instead, since quic-go is a dependency
// the teacher's go.mod already carries but never exercises. The port
// number stream_pool.rs's connect(port) takes is written as a 2-byte
// header on every newly opened stream so the remote side's listener
// can dispatch it, since quic-go streams have no notion of a port of
// their own.
package pool

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"bdt/bid"
	"bdt/errs"
	"bdt/logging"
	"bdt/tunnel"
)

// Config mirrors stream_pool.rs's StreamPoolConfig.
type Config struct {
	Capacity       int
	Backlog        int
	AtomicInterval time.Duration
	Timeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:       10,
		Backlog:        100,
		AtomicInterval: 5 * time.Second,
		Timeout:        30 * time.Second,
	}
}

// Conn is the narrow surface of a QUIC connection a connector needs:
// opening one more stream. Kept separate from quic.Connection's full
// surface so tests can fake it without a live endpoint.
type Conn interface {
	OpenStreamSync(ctx context.Context) (rwc, error)
}

// ConnProvider resolves (or reuses) the underlying QUIC connection to a
// remote device. Establishing that connection is a tunnel/build
// concern outside this package's scope; the pool only multiplexes
// streams once it has one.
type ConnProvider interface {
	Conn(ctx context.Context, remote bid.DeviceId) (Conn, error)
}

// QuicConn adapts a real quic.Connection to this package's narrower
// Conn interface; production wiring passes a ConnProvider that returns
// QuicConn{realConn}.
type QuicConn struct{ quic.Connection }

func (c QuicConn) OpenStreamSync(ctx context.Context) (rwc, error) {
	return c.Connection.OpenStreamSync(ctx)
}

// ContainerLookup gives the pool the tunnel.Container for a remote
// device, so it can read the Active/RemoteTimestamp state stream_pool.rs
// checks before reusing or dropping pooled streams.
type ContainerLookup func(remote bid.DeviceId) *tunnel.Container

// Pool is one port's worth of pooled connectors plus the listener side
// for that same port, grounded on stream_pool.rs's StreamPool.
type Pool struct {
	port       uint16
	cfg        Config
	dialer     ConnProvider
	containers ContainerLookup
	log        *zap.Logger

	mu         sync.Mutex
	connectors map[string]*connector

	listener *Listener
	cronSched *cron.Cron
}

// NewPool wires a listener (may be nil if this side never accepts
// inbound pooled streams) and starts the atomic_interval sweep.
func NewPool(port uint16, cfg Config, dialer ConnProvider, containers ContainerLookup, origin *quic.Listener) *Pool {
	p := &Pool{
		port:       port,
		cfg:        cfg,
		dialer:     dialer,
		containers: containers,
		log:        logging.L().With(zap.Uint16("pool_port", port)),
		connectors: make(map[string]*connector),
	}
	if origin != nil {
		p.listener = NewListener(origin, cfg.Backlog)
	}

	p.cronSched = cron.New()
	_, _ = p.cronSched.AddFunc(everySpec(cfg.AtomicInterval), p.onTimeEscape)
	p.cronSched.Start()

	return p
}

func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return "@every " + d.String()
}

func (p *Pool) onTimeEscape() {
	p.mu.Lock()
	connectors := make([]*connector, 0, len(p.connectors))
	for _, c := range p.connectors {
		connectors = append(connectors, c)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, c := range connectors {
		c.onTimeEscape(now)
	}
}

// Connect returns a warm stream from the pool if one exists and the
// peer's tunnel is still Active at the same remote update time,
// otherwise it opens a new QUIC stream carrying this pool's port as a
// 2-byte header.
func (p *Pool) Connect(ctx context.Context, remote bid.DeviceId) (*PooledStream, error) {
	c := p.connectorFor(remote)
	return c.connect(ctx)
}

func (p *Pool) connectorFor(remote bid.DeviceId) *connector {
	key := remote.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.connectors[key]; ok {
		return c
	}
	var container *tunnel.Container
	if p.containers != nil {
		container = p.containers(remote)
	}
	c := newConnector(remote, p.port, p.cfg, p.dialer, container, p.log)
	p.connectors[key] = c
	return c
}

// Incoming exposes confirmed inbound streams queued by this pool's
// listener; nil if the pool was built without one.
func (p *Pool) Incoming() <-chan *PooledStream {
	if p.listener == nil {
		return nil
	}
	return p.listener.Incoming()
}

func (p *Pool) StreamCount(remote bid.DeviceId) int {
	p.mu.Lock()
	c, ok := p.connectors[remote.String()]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return c.streamCount()
}

func (p *Pool) Close() {
	if p.cronSched != nil {
		p.cronSched.Stop()
	}
	if p.listener != nil {
		p.listener.Close()
	}
}

func writePortHeader(w interface{ Write([]byte) (int, error) }, port uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], port)
	_, err := w.Write(buf[:])
	if err != nil {
		return errs.Wrap(errs.Failed, "pool: write port header failed", err)
	}
	return nil
}

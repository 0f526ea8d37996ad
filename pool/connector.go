package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bdt/bid"
	"bdt/errs"
	"bdt/tunnel"
)

type pooledEntry struct {
	stream   rwc
	lastUsed time.Time
}

// connector is one (remote, port) pool: a FIFO of idle streams over a
// lazily-dialed shared QUIC connection, grounded on stream_pool.rs's
// StreamPoolConnector.
type connector struct {
	remote    bid.DeviceId
	port      uint16
	capacity  int
	timeout   time.Duration
	dialer    ConnProvider
	container *tunnel.Container
	log       *zap.Logger

	mu         sync.Mutex
	streams    []pooledEntry
	conn       Conn
	connAsOfTS uint64 // RemoteTimestamp observed when conn was dialed
}

func newConnector(remote bid.DeviceId, port uint16, cfg Config, dialer ConnProvider, container *tunnel.Container, log *zap.Logger) *connector {
	return &connector{
		remote:    remote,
		port:      port,
		capacity:  cfg.Capacity,
		timeout:   cfg.Timeout,
		dialer:    dialer,
		container: container,
		log:       log,
	}
}

func (c *connector) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// connect returns a pooled stream if one is idle, otherwise dials (or
// reuses) the shared QUIC connection and opens a fresh stream, per
// stream_pool.rs's StreamPoolConnector::connect.
func (c *connector) connect(ctx context.Context) (*PooledStream, error) {
	c.checkTunnel()
	c.mu.Lock()
	if n := len(c.streams); n > 0 {
		e := c.streams[0]
		c.streams = c.streams[1:]
		c.mu.Unlock()
		return newPooledStream(e.stream, c), nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		var remoteTS uint64
		if c.container != nil {
			if t := c.container.Default(); t != nil {
				remoteTS = t.State().RemoteTimestamp
			}
		}
		var err error
		conn, err = c.dialer.Conn(ctx, c.remote)
		if err != nil {
			return nil, errs.Wrap(errs.ConnectionRefused, "pool: connect new stream failed", err)
		}
		c.mu.Lock()
		c.conn = conn
		c.connAsOfTS = remoteTS
		c.mu.Unlock()
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ConnectionAborted, "pool: open stream failed", err)
	}
	if err := writePortHeader(stream, c.port); err != nil {
		return nil, err
	}
	return newPooledStream(stream, c), nil
}

// recycle implements recycler for the active (connector) side: return
// the stream to the pool if it is still healthy and under capacity,
// otherwise cancel it and re-check the tunnel, per
// StreamPoolConnector::recycle.
func (c *connector) recycle(stream rwc, shutdown bool) {
	if shutdown {
		c.checkTunnel()
		return
	}
	if c.container != nil && c.container.Default() != nil && c.container.Default().State().State != tunnel.StateActive {
		c.checkTunnel()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) < c.capacity {
		c.streams = append(c.streams, pooledEntry{stream: stream, lastUsed: time.Now()})
	} else {
		stream.CancelWrite(0)
	}
}

// checkTunnel mirrors check_tunnel: an Active tunnel with a newer
// remote timestamp, or a Dead one, invalidates everything this
// connector has pooled so far.
func (c *connector) checkTunnel() {
	if c.container == nil {
		return
	}
	t := c.container.Default()
	if t == nil {
		c.dropAll()
		return
	}
	snap := t.State()
	switch snap.State {
	case tunnel.StateActive:
		c.dropIfStale(snap.RemoteTimestamp)
	case tunnel.StateDead:
		c.dropAll()
	}
}

// dropIfStale drops the pooled connection (and every idle stream riding
// on it) when the tunnel's remote update time has moved past the
// timestamp observed when this connector's QUIC connection was dialed.
func (c *connector) dropIfStale(remoteTimestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connAsOfTS >= remoteTimestamp {
		return
	}
	c.closeAllLocked()
}

func (c *connector) dropAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeAllLocked()
}

func (c *connector) closeAllLocked() {
	for _, e := range c.streams {
		e.stream.CancelWrite(0)
	}
	c.streams = nil
	c.conn = nil
}

// onTimeEscape closes pooled streams idle longer than timeout, per
// StreamPoolConnector::on_time_escape.
func (c *connector) onTimeEscape(now time.Time) {
	c.mu.Lock()
	var remain []pooledEntry
	var toClose []rwc
	for _, e := range c.streams {
		if now.Sub(e.lastUsed) > c.timeout {
			toClose = append(toClose, e.stream)
		} else {
			remain = append(remain, e)
		}
	}
	c.streams = remain
	c.mu.Unlock()

	for _, s := range toClose {
		s.CancelWrite(0)
	}
}

var _ recycler = (*connector)(nil)

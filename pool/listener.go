package pool

import (
	"context"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"bdt/logging"
)

// Listener is the passive side of the pool: it accepts QUIC
// connections, confirms every stream opened on them, and queues them
// for Incoming() to hand out, grounded on stream_pool.rs's
// StreamPoolListener.
type Listener struct {
	origin   *quic.Listener
	accepted chan *PooledStream
	log      *zap.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewListener(origin *quic.Listener, backlog int) *Listener {
	if backlog <= 0 {
		backlog = 1
	}
	l := &Listener{
		origin:   origin,
		accepted: make(chan *PooledStream, backlog),
		log:      logging.L(),
		closeCh:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Listener) run() {
	for {
		conn, err := l.origin.Accept(context.Background())
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				l.log.Info("pool: listener stopped", zap.Error(err))
			}
			return
		}
		go l.acceptStreams(conn)
	}
}

func (l *Listener) acceptStreams(conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go l.confirm(stream)
	}
}

// confirm writes the empty confirmation byte stream_pool.rs's
// pre_stream.stream.confirm(b"") sends, then queues the stream.
func (l *Listener) confirm(stream quic.Stream) {
	if _, err := stream.Write([]byte{0}); err != nil {
		l.log.Debug("pool: confirm stream failed", zap.Error(err))
		stream.CancelWrite(0)
		return
	}
	ps := newPooledStream(stream, l)
	select {
	case l.accepted <- ps:
	default:
		l.log.Warn("pool: listener backlog full, dropping stream")
		ps.Shutdown()
	}
}

// recycle implements recycler for the passive side: a healthy stream
// goes straight back on the accepted queue for reuse, per
// StreamPoolListener::recycle. stream_pool.rs probes readability first
// to detect a remote close before re-queueing; quic-go gives no cheap
// non-blocking equivalent, so this port requeues immediately and lets
// the next reader discover a closed stream the ordinary way.
func (l *Listener) recycle(stream rwc, shutdown bool) {
	if shutdown {
		return
	}
	select {
	case l.accepted <- newPooledStream(stream, l):
	default:
		stream.CancelWrite(0)
	}
}

func (l *Listener) Incoming() <-chan *PooledStream { return l.accepted }

func (l *Listener) Close() {
	l.closeOnce.Do(func() { close(l.closeCh) })
	_ = l.origin.Close()
}

var _ recycler = (*Listener)(nil)

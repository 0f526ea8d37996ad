package pool

import (
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// rwc is the narrow surface this package needs from a quic.Stream,
// kept small so tests can substitute a fake without a real QUIC
// endpoint. quic.Stream values satisfy this structurally.
type rwc interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CancelWrite(code quic.StreamErrorCode)
}

// recycler is implemented by connector (active side) and Listener
// (passive side); PooledStream.Close calls back into whichever one
// owns it, grounded on stream_pool.rs's PooledStreamType::{Active,Passive}.
type recycler interface {
	recycle(stream rwc, shutdown bool)
}

// PooledStream is a checked-out stream from the pool; closing it
// returns it to the pool (if still healthy) instead of tearing down
// the underlying QUIC stream, grounded on stream_pool.rs's PooledStream.
type PooledStream struct {
	stream   rwc
	owner    recycler
	shutdown atomic.Bool
}

func newPooledStream(stream rwc, owner recycler) *PooledStream {
	return &PooledStream{stream: stream, owner: owner}
}

func (s *PooledStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *PooledStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// Shutdown marks the stream for disposal instead of pooling, mirroring
// PooledStream::shutdown in the source.
func (s *PooledStream) Shutdown() {
	s.shutdown.Store(true)
	s.stream.CancelWrite(0)
}

// Close recycles the stream through its owner; per Drop in the
// source, this is the only path back to the pool.
func (s *PooledStream) Close() error {
	s.owner.recycle(s.stream, s.shutdown.Load())
	return nil
}

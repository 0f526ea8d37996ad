package channel

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"bdt/bid"
	"bdt/chunkcache"
	"bdt/errs"
	"bdt/piece"
	"bdt/protocol"
)

// DownloadSessionState mirrors DownloadSessionState from channel.rs.
type DownloadSessionState int

const (
	DownloadSessionDownloading DownloadSessionState = iota
	DownloadSessionFinished
	DownloadSessionCanceled
	DownloadSessionError
)

// DownloadSession drives one chunk download: every PieceData that
// arrives for its SessionId is pushed through both the negotiated
// piece.ChunkDecoder (for loss accounting) and the chunkcache.ChunkStreamCache
// (for the actual reassembled bytes), grounded on
// ndn/channel/download.rs's DownloadSession.
type DownloadSession struct {
	id        uint32
	chunk     bid.ChunkId
	source    bid.DeviceId
	cache     *chunkcache.ChunkStreamCache
	decoder   piece.ChunkDecoder
	referer   string
	groupPath string

	mu       sync.Mutex
	state    DownloadSessionState
	err      error
	doneCh   chan struct{}
	doneOnce sync.Once
}

func NewDownloadSession(id uint32, chunk bid.ChunkId, source bid.DeviceId, cache *chunkcache.ChunkStreamCache, decoder piece.ChunkDecoder, referer, groupPath string) *DownloadSession {
	return &DownloadSession{
		id:        id,
		chunk:     chunk,
		source:    source,
		cache:     cache,
		decoder:   decoder,
		referer:   referer,
		groupPath: groupPath,
		state:     DownloadSessionDownloading,
		doneCh:    make(chan struct{}),
	}
}

func (s *DownloadSession) SessionId() uint32     { return s.id }
func (s *DownloadSession) Chunk() bid.ChunkId    { return s.chunk }
func (s *DownloadSession) Source() bid.DeviceId  { return s.source }
func (s *DownloadSession) Referer() string       { return s.referer }
func (s *DownloadSession) GroupPath() string     { return s.groupPath }

func (s *DownloadSession) State() DownloadSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// finish transitions the session to a terminal state and reports
// whether this call actually performed the transition (false if the
// session was already terminal), so callers that must act exactly once
// on the transition — like sending PieceControl(Finish) — can tell a
// fresh completion from a repeat.
func (s *DownloadSession) finish(state DownloadSessionState, err error) bool {
	s.mu.Lock()
	if s.state != DownloadSessionDownloading {
		s.mu.Unlock()
		return false
	}
	s.state = state
	s.err = err
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.doneCh) })
	return true
}

// Cancel transitions the session to Canceled; err may be nil.
func (s *DownloadSession) Cancel(err error) { s.finish(DownloadSessionCanceled, err) }

// OnPieceData pushes one arrived piece into both the decoder (loss
// bookkeeping) and the backing cache (actual bytes). finishedNow is
// true exactly once, on the call whose push completes the chunk, so the
// caller can send PieceControl(Finish) to the uploader exactly once.
func (s *DownloadSession) OnPieceData(data *protocol.PieceData) (finishedNow bool, err error) {
	if _, err := s.decoder.PushPieceData(data); err != nil {
		return false, err
	}
	if _, err := s.cache.PushPieceData(data); err != nil {
		return false, err
	}
	if s.decoder.Finished() {
		return s.finish(DownloadSessionFinished, nil), nil
	}
	return false, nil
}

// Lost reports the current loss/gap state for a PieceControl reply.
func (s *DownloadSession) Lost() (maxIndex uint32, lost []piece.LostRange, ok bool) {
	return s.decoder.Lost()
}

// Finished reports whether the backing decoder has reassembled the
// whole chunk, independent of this session's own terminal state flag.
func (s *DownloadSession) Finished() bool { return s.decoder.Finished() }

// WaitFinish blocks until the session reaches a terminal state or ctx ends.
func (s *DownloadSession) WaitFinish(ctx context.Context) error {
	select {
	case <-s.doneCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return errs.Wrap(errs.Interrupted, "channel: wait_finish aborted", ctx.Err())
	}
}

// UploadSessionState mirrors UploadSessionState from channel.rs.
type UploadSessionState int

const (
	UploadSessionUploading UploadSessionState = iota
	UploadSessionFinished
	UploadSessionCanceled
)

// UploadSession serves pieces for one chunk upload, rate-limited by a
// per-session token bucket (spec §4.1's flow control, grounded on
// channel.rs's upload path but implemented with golang.org/x/time/rate
// since the Rust source hand-rolls its own token bucket in
// interface/udp.rs and the pack gives us a direct replacement).
type UploadSession struct {
	id      uint32
	chunk   bid.ChunkId
	desc    protocol.ChunkCodecDesc
	encoder piece.ChunkEncoder
	limiter *rate.Limiter

	mu       sync.Mutex
	state    UploadSessionState
	doneCh   chan struct{}
	doneOnce sync.Once
}

func NewUploadSession(id uint32, chunk bid.ChunkId, desc protocol.ChunkCodecDesc, encoder piece.ChunkEncoder, limiter *rate.Limiter) *UploadSession {
	return &UploadSession{
		id:      id,
		chunk:   chunk,
		desc:    desc,
		encoder: encoder,
		limiter: limiter,
		state:   UploadSessionUploading,
		doneCh:  make(chan struct{}),
	}
}

func (s *UploadSession) SessionId() uint32 { return s.id }
func (s *UploadSession) Chunk() bid.ChunkId { return s.chunk }

func (s *UploadSession) State() UploadSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *UploadSession) finish(state UploadSessionState) {
	s.mu.Lock()
	if s.state != UploadSessionUploading {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.doneCh) })
}

func (s *UploadSession) Cancel() { s.finish(UploadSessionCanceled) }

// Done reports the channel closed once this session reaches a terminal
// state, for callers (the upload emit loop) that need to select on it
// alongside other work.
func (s *UploadSession) Done() <-chan struct{} { return s.doneCh }

// NextPiece waits for the rate limiter to admit one more piece, then
// asks the encoder for it. A pending encoder (nothing to send right
// now, e.g. the stream encoder's outcome queue is momentarily empty) is
// backpressure, not completion: per spec §4.1 the session only finishes
// on PieceControl(Finish)/Cancel from the peer (MergeControl) or the
// decoder-side equivalent, never on a single pending read.
func (s *UploadSession) NextPiece(ctx context.Context, buf []byte) (protocol.PieceDesc, int, bool, error) {
	if s.limiter != nil {
		if err := s.limiter.WaitN(ctx, 1); err != nil {
			return protocol.PieceDesc{}, 0, false, errs.Wrap(errs.Interrupted, "channel: upload rate limiter aborted", err)
		}
	}
	return s.encoder.NextPiece(buf)
}

func (s *UploadSession) MergeControl(ctrl *protocol.PieceControl) bool {
	switch ctrl.Command {
	case protocol.PieceControlCancel:
		s.finish(UploadSessionCanceled)
		return true
	case protocol.PieceControlFinish:
		s.finish(UploadSessionFinished)
		return true
	default:
		return s.encoder.MergeControl(ctrl)
	}
}

func (s *UploadSession) WaitFinish(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Interrupted, "channel: wait_finish aborted", ctx.Err())
	}
}

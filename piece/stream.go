package piece

import (
	"io"

	"bdt/errs"
	"bdt/protocol"
)

// ChunkEncoder turns chunk bytes into a sequence of wire pieces, per
// spec §4.1 ("piece encoder/decoder... negotiated per Interest").
type ChunkEncoder interface {
	// NextPiece writes one piece's payload into buf (sized to at most
	// MaxPayload) and returns the descriptor under which it travelled,
	// the number of payload bytes written, and whether the encoder has
	// nothing further to offer right now (spec's EncoderPendingState).
	NextPiece(buf []byte) (desc protocol.PieceDesc, n int, pending bool, err error)
	// MergeControl applies a receiver PieceControl (resend/cancel/finish)
	// and reports whether it changed the encoder's outstanding set.
	MergeControl(ctrl *protocol.PieceControl) bool
	Reset()
}

// ChunkDecoder reassembles chunk bytes from a sequence of wire pieces.
type ChunkDecoder interface {
	PushPieceData(data *protocol.PieceData) (PushResult, error)
	// Lost computes the PieceControl to send back to the sender given
	// the current income queue state (spec §4.1 loss reporting).
	Lost() (maxIndex uint32, lost []LostRange, ok bool)
	Finished() bool
}

// StreamEncoder serves a Stream-coded (non-erasure) chunk transfer by
// walking the negotiated [Start, End) piece index range over an
// io.ReaderAt-backed source, grounded on original_source's
// ndn/chunk/cache/stream.rs StreamEncoder/EncoderPendingState.
type StreamEncoder struct {
	chunkLen uint64
	payload  uint32
	src      io.ReaderAt
	outcome  *OutcomeIndexQueue
}

func NewStreamEncoder(chunkLen uint64, desc protocol.ChunkCodecDesc, src io.ReaderAt) *StreamEncoder {
	start, end, step := desc.AsStream()
	return &StreamEncoder{
		chunkLen: chunkLen,
		payload:  desc.Payload,
		src:      src,
		outcome:  NewOutcomeIndexQueue(start, end, step),
	}
}

// NextPiece implements ChunkEncoder. pending=true means the outcome
// queue is empty: the caller has nothing left to (re)send right now,
// mirroring EncoderPendingState::Pending with no backing data to wait
// on (stream chunks are always resident, so there is no Waiting state).
func (e *StreamEncoder) NextPiece(buf []byte) (protocol.PieceDesc, int, bool, error) {
	index, ok := e.outcome.PopNext()
	if !ok {
		return protocol.PieceDesc{}, 0, true, nil
	}
	start := uint64(index) * uint64(e.payload)
	if start >= e.chunkLen {
		return protocol.PieceDesc{}, 0, true, nil
	}
	end := start + uint64(e.payload)
	if end > e.chunkLen {
		end = e.chunkLen
	}
	n, err := e.src.ReadAt(buf[:end-start], int64(start))
	if err != nil && err != io.EOF {
		return protocol.PieceDesc{}, 0, false, errs.Wrap(errs.Failed, "piece: read chunk source", err)
	}
	desc := protocol.StreamPieceDesc(index, e.stepOf())
	return desc, n, false, nil
}

func (e *StreamEncoder) stepOf() int16 {
	if e.outcome.step > 0 {
		return 1
	}
	return -1
}

func (e *StreamEncoder) MergeControl(ctrl *protocol.PieceControl) bool {
	switch ctrl.Command {
	case protocol.PieceControlResend:
		lost := make([]Range, 0, len(ctrl.Lost))
		for _, l := range ctrl.Lost {
			lost = append(lost, Range{Start: l.Start, End: l.End})
		}
		return e.outcome.Merge(ctrl.MaxIndex, lost)
	case protocol.PieceControlCancel, protocol.PieceControlFinish:
		return false
	default:
		return false
	}
}

func (e *StreamEncoder) Reset() { e.outcome.Reset() }

// StreamDecoder reassembles a Stream-coded chunk into an
// io.WriterAt-backed sink, grounded on stream.rs StreamDecoder, which
// validates each piece's descriptor falls within the negotiated range
// before accepting it.
type StreamDecoder struct {
	chunkLen   uint64
	payload    uint32
	start, end uint32
	step       int16
	sink       io.WriterAt
	income     *IncomeIndexQueue
}

func NewStreamDecoder(chunkLen uint64, desc protocol.ChunkCodecDesc, sink io.WriterAt) *StreamDecoder {
	start, end, step := desc.AsStream()
	return &StreamDecoder{
		chunkLen: chunkLen,
		payload:  desc.Payload,
		start:    start,
		end:      end,
		step:     step,
		sink:     sink,
		income:   NewIncomeIndexQueue(end),
	}
}

func (d *StreamDecoder) PushPieceData(data *protocol.PieceData) (PushResult, error) {
	if data.Desc.Kind != protocol.PieceDescRange {
		return PushResult{}, errs.New(errs.InvalidData, "piece: stream decoder got non-range descriptor")
	}
	index := data.Desc.Index
	if index < d.start || index >= d.end {
		return PushResult{}, errs.New(errs.InvalidInput, "piece: piece index outside negotiated range")
	}

	byteStart := uint64(index) * uint64(d.payload)
	if byteStart >= d.chunkLen {
		return PushResult{}, errs.New(errs.InvalidInput, "piece: piece index beyond chunk length")
	}
	if _, err := d.sink.WriteAt(data.Data, int64(byteStart)); err != nil {
		return PushResult{}, errs.Wrap(errs.Failed, "piece: write chunk sink", err)
	}

	res := d.income.Push(Range{Start: index, End: index + 1})
	return PushResult{Valid: res.Valid, Exists: res.Exists, Finished: res.Finished}, nil
}

func (d *StreamDecoder) Lost() (uint32, []LostRange, bool) {
	maxSeen, missing, ok := d.income.Require(d.start, d.end, int32(d.step))
	if !ok {
		return 0, nil, false
	}
	lost := make([]LostRange, 0, len(missing))
	for _, r := range missing {
		lost = append(lost, LostRange{Start: r.Start, End: r.End})
	}
	return maxSeen, lost, true
}

func (d *StreamDecoder) Finished() bool { return d.income.Finished() }

package protocol

import (
	"bdt/bid"
)

// MTU is the assumed path MTU for the UDP piece channel (spec §4.1/§6).
const MTU = 1500

// StreamPayloadSize is P, the fixed per-channel stream piece payload
// size: "UDP: MTU - 48, about 1400 bytes" (spec §4.1).
const StreamPayloadSize = MTU - 48

// PieceDescKind tags the two piece-descriptor variants of spec §3.
type PieceDescKind uint8

const (
	PieceDescRange  PieceDescKind = 1 // stream piece: | tag(1)=Range | index(4) | step(2) |
	PieceDescRaptor PieceDescKind = 2 // erasure-coded symbol: | tag(1)=Raptor | esi(4) | block(4) |
)

// PieceDesc is one of Stream(index, step) or Raptor(esi, block), per
// spec §3. Only one branch is populated at a time; Kind selects it.
type PieceDesc struct {
	Kind  PieceDescKind
	Index uint32 // stream: piece index
	Step  int16  // stream: signed step, positive = forward, negative = reverse
	ESI   uint32 // raptor: encoding symbol id
	Block uint32 // raptor: block number
}

func StreamPieceDesc(index uint32, step int16) PieceDesc {
	return PieceDesc{Kind: PieceDescRange, Index: index, Step: step}
}

func RaptorPieceDesc(esi, block uint32) PieceDesc {
	return PieceDesc{Kind: PieceDescRaptor, ESI: esi, Block: block}
}

func (d PieceDesc) Equal(o PieceDesc) bool {
	if d.Kind != o.Kind {
		return false
	}
	if d.Kind == PieceDescRange {
		return d.Index == o.Index && d.Step == o.Step
	}
	return d.ESI == o.ESI && d.Block == o.Block
}

func (d PieceDesc) encode(w *writer) {
	w.u8(uint8(d.Kind))
	if d.Kind == PieceDescRange {
		w.u32(d.Index)
		w.u16(uint16(d.Step))
	} else {
		w.u32(d.ESI)
		w.u32(d.Block)
	}
}

func decodePieceDesc(r *reader) PieceDesc {
	kind := PieceDescKind(r.u8())
	if kind == PieceDescRange {
		index := r.u32()
		step := int16(r.u16())
		return PieceDesc{Kind: kind, Index: index, Step: step}
	}
	esi := r.u32()
	block := r.u32()
	return PieceDesc{Kind: kind, ESI: esi, Block: block}
}

// StreamRange returns the byte range [start, end) this piece covers
// within a chunk of the given length at the channel's payload size, per
// spec §3 ("Each descriptor maps to a contiguous byte range").
func (d PieceDesc) StreamRange(chunkLen uint64, payload uint32) (start, end uint64) {
	start = uint64(d.Index) * uint64(payload)
	end = start + uint64(payload)
	if end > chunkLen {
		end = chunkLen
	}
	return
}

// ChunkCodecDescKind distinguishes a negotiated Stream transfer from a
// Raptor one in an Interest/upload negotiation.
type ChunkCodecDescKind uint8

const (
	CodecStream ChunkCodecDescKind = 1
	CodecRaptor ChunkCodecDescKind = 2
)

// ChunkCodecDesc is the negotiated encoder/decoder configuration carried
// in Interest and used to construct Income/OutcomeIndexQueue bounds.
type ChunkCodecDesc struct {
	Kind ChunkCodecDescKind

	// Stream fields: piece range [Start, End) and signed delivery Step.
	Start   uint32
	End     uint32
	Step    int16
	Payload uint32

	// Raptor fields: symbol count and block size, opaque to the core
	// beyond being parsed (spec §9 Open Questions).
	SymbolCount uint32
	BlockSize   uint32
}

func StreamCodecDesc(start, end uint32, step int16, payload uint32) ChunkCodecDesc {
	return ChunkCodecDesc{Kind: CodecStream, Start: start, End: end, Step: step, Payload: payload}
}

func (d ChunkCodecDesc) AsStream() (start, end uint32, step int16) {
	return d.Start, d.End, d.Step
}

func (d ChunkCodecDesc) encode(w *writer) {
	w.u8(uint8(d.Kind))
	if d.Kind == CodecStream {
		w.u32(d.Start)
		w.u32(d.End)
		w.u16(uint16(d.Step))
		w.u32(d.Payload)
	} else {
		w.u32(d.SymbolCount)
		w.u32(d.BlockSize)
	}
}

func decodeChunkCodecDesc(r *reader) ChunkCodecDesc {
	kind := ChunkCodecDescKind(r.u8())
	if kind == CodecStream {
		start := r.u32()
		end := r.u32()
		step := int16(r.u16())
		payload := r.u32()
		return ChunkCodecDesc{Kind: kind, Start: start, End: end, Step: step, Payload: payload}
	}
	sc := r.u32()
	bs := r.u32()
	return ChunkCodecDesc{Kind: kind, SymbolCount: sc, BlockSize: bs}
}

// PieceData is the UDP piece-channel frame of spec §6:
// | key_mix_hash(16) | cmd(1)=PieceData | session_id(4) | est_seq(4) | piece_desc | data... |
type PieceData struct {
	KeyMixHash [bid.MixHashLen]byte
	SessionId  uint32
	EstSeq     uint32
	Desc       PieceDesc
	Data       []byte
}

// MaxPayload is the largest Data a PieceData frame can carry within MTU.
func (PieceData) MaxPayload() int {
	return MTU - HeaderLen()
}

// HeaderLen is the worst-case (Raptor, larger desc) header size.
func HeaderLen() int {
	return bid.MixHashLen + 1 + 4 + 4 + 1 + 8
}

// EncodeHeader writes the fixed header into buf and returns the
// remaining slice for the payload, mirroring the original's
// `PieceData::encode_header` used by encoders to avoid a second copy.
func EncodeHeader(buf []byte, sessionId uint32, estSeq uint32, mixHash [bid.MixHashLen]byte, desc PieceDesc) []byte {
	w := &writer{buf: buf[:0]}
	w.bytes(mixHash[:])
	w.u8(uint8(PieceCmdData))
	w.u32(sessionId)
	w.u32(estSeq)
	desc.encode(w)
	return buf[len(w.buf):]
}

func (p *PieceData) Encode() []byte {
	w := newWriter(HeaderLen() + len(p.Data))
	w.bytes(p.KeyMixHash[:])
	w.u8(uint8(PieceCmdData))
	w.u32(p.SessionId)
	w.u32(p.EstSeq)
	p.Desc.encode(w)
	w.bytes(p.Data)
	return w.buf
}

// DecodePieceData decodes a frame whose cmd byte has already been
// consumed by the caller (the key-mix-hash demux happens at the
// interface layer before the cmd byte is even read).
func DecodePieceData(sessionAndBeyond []byte) (*PieceData, error) {
	r := newReader(sessionAndBeyond)
	p := &PieceData{}
	p.SessionId = r.u32()
	p.EstSeq = r.u32()
	p.Desc = decodePieceDesc(r)
	p.Data = r.rest()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// PieceControl is the receiver->sender control frame of spec §6:
// | cmd(1)=PieceControl | session_id(4) | command(1) | max_index(4) | lost_count(2) | (lost_start,lost_end)* |
type PieceControl struct {
	SessionId uint32
	Command   PieceControlCommand
	MaxIndex  uint32
	Lost      []LostRange
}

type LostRange struct {
	Start, End uint32
}

func (p *PieceControl) Encode() []byte {
	w := newWriter(16 + len(p.Lost)*8)
	w.u8(uint8(PieceCmdControl))
	w.u32(p.SessionId)
	w.u8(uint8(p.Command))
	w.u32(p.MaxIndex)
	w.u16(uint16(len(p.Lost)))
	for _, lr := range p.Lost {
		w.u32(lr.Start)
		w.u32(lr.End)
	}
	return w.buf
}

// DecodePieceControl decodes the frame body following the cmd byte.
func DecodePieceControl(buf []byte) (*PieceControl, error) {
	r := newReader(buf)
	p := &PieceControl{}
	p.SessionId = r.u32()
	p.Command = PieceControlCommand(r.u8())
	p.MaxIndex = r.u32()
	n := int(r.u16())
	p.Lost = make([]LostRange, 0, n)
	for i := 0; i < n; i++ {
		start := r.u32()
		end := r.u32()
		p.Lost = append(p.Lost, LostRange{Start: start, End: end})
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

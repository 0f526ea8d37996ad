package piece

import (
	"io"

	"github.com/klauspost/reedsolomon"

	"bdt/errs"
	"bdt/protocol"
)

// RaptorEncoder serves an erasure-coded chunk transfer. Spec §9 leaves
// the exact fountain code unspecified ("Open Question: is an explicit
// FEC scheme normative?"); here it is resolved concretely with a
// systematic Reed-Solomon code over fixed-size blocks, which gives the
// same "any K of N symbols reconstruct the chunk" property a raptor
// code would, without pulling in a standalone fountain-code dependency
// the example pack never demonstrates.
type RaptorEncoder struct {
	desc   protocol.ChunkCodecDesc
	shards [][]byte
	next   uint32
}

func NewRaptorEncoder(data []byte, desc protocol.ChunkCodecDesc) (*RaptorEncoder, error) {
	dataShards := int((uint64(len(data)) + uint64(desc.BlockSize) - 1) / uint64(desc.BlockSize))
	if dataShards == 0 {
		dataShards = 1
	}
	parityShards := int(desc.SymbolCount) - dataShards
	if parityShards < 0 {
		return nil, errs.New(errs.InvalidInput, "piece: raptor symbol_count smaller than required data shards")
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "piece: build reed-solomon codec", err)
	}

	shards, err := enc.Split(padTo(data, dataShards, int(desc.BlockSize)))
	if err != nil {
		return nil, errs.Wrap(errs.Failed, "piece: split chunk into shards", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, errs.Wrap(errs.Failed, "piece: encode parity shards", err)
	}

	return &RaptorEncoder{desc: desc, shards: shards}, nil
}

func padTo(data []byte, shards, shardSize int) []byte {
	total := shards * shardSize
	if len(data) == total {
		return data
	}
	out := make([]byte, total)
	copy(out, data)
	return out
}

// NextPiece emits shards in ESI order, wrapping once every symbol has
// been offered once (the caller decides whether to keep cycling based
// on PieceControl feedback from the receiver).
func (e *RaptorEncoder) NextPiece(buf []byte) (protocol.PieceDesc, int, bool, error) {
	if int(e.next) >= len(e.shards) {
		e.next = 0
	}
	shard := e.shards[e.next]
	n := copy(buf, shard)
	desc := protocol.RaptorPieceDesc(e.next, 0)
	e.next++
	return desc, n, false, nil
}

func (e *RaptorEncoder) MergeControl(ctrl *protocol.PieceControl) bool {
	return false // every symbol is always available; nothing to merge
}

func (e *RaptorEncoder) Reset() { e.next = 0 }

// RaptorDecoder accumulates encoded symbols until reedsolomon can
// reconstruct the original shards, then writes the payload to sink.
type RaptorDecoder struct {
	desc         protocol.ChunkCodecDesc
	dataShards   int
	parityShards int
	chunkLen     uint64
	sink         io.WriterAt
	shards       [][]byte
	have         int
	done         bool
}

func NewRaptorDecoder(chunkLen uint64, desc protocol.ChunkCodecDesc, sink io.WriterAt) *RaptorDecoder {
	dataShards := int((chunkLen + uint64(desc.BlockSize) - 1) / uint64(desc.BlockSize))
	if dataShards == 0 {
		dataShards = 1
	}
	parityShards := int(desc.SymbolCount) - dataShards
	if parityShards < 0 {
		parityShards = 0
	}
	return &RaptorDecoder{
		desc:         desc,
		dataShards:   dataShards,
		parityShards: parityShards,
		chunkLen:     chunkLen,
		sink:         sink,
		shards:       make([][]byte, dataShards+parityShards),
	}
}

func (d *RaptorDecoder) PushPieceData(data *protocol.PieceData) (PushResult, error) {
	if d.done {
		return PushResult{Exists: true, Finished: true, Valid: true}, nil
	}
	if data.Desc.Kind != protocol.PieceDescRaptor {
		return PushResult{}, errs.New(errs.InvalidData, "piece: raptor decoder got non-raptor descriptor")
	}
	esi := int(data.Desc.ESI)
	if esi < 0 || esi >= len(d.shards) {
		return PushResult{}, errs.New(errs.InvalidInput, "piece: symbol esi out of range")
	}
	if d.shards[esi] != nil {
		return PushResult{Valid: true, Exists: true, Finished: false}, nil
	}

	shard := make([]byte, int(d.desc.BlockSize))
	copy(shard, data.Data)
	d.shards[esi] = shard
	d.have++

	if d.have < d.dataShards {
		return PushResult{Valid: true, Exists: false, Finished: false}, nil
	}

	enc, err := reedsolomon.New(d.dataShards, d.parityShards)
	if err != nil {
		return PushResult{}, errs.Wrap(errs.Failed, "piece: build reed-solomon codec", err)
	}
	if err := enc.ReconstructData(d.shards); err != nil {
		// not enough distinct shards yet; keep waiting for more.
		return PushResult{Valid: true, Exists: false, Finished: false}, nil
	}

	full := make([]byte, 0, d.dataShards*int(d.desc.BlockSize))
	for i := 0; i < d.dataShards; i++ {
		full = append(full, d.shards[i]...)
	}
	if uint64(len(full)) > d.chunkLen {
		full = full[:d.chunkLen]
	}
	if _, err := d.sink.WriteAt(full, 0); err != nil {
		return PushResult{}, errs.Wrap(errs.Failed, "piece: write reconstructed chunk", err)
	}
	d.done = true
	return PushResult{Valid: true, Exists: false, Finished: true}, nil
}

// Lost is a no-op for the raptor path: any K distinct symbols suffice,
// so there is nothing resembling a gap to report back to the sender.
func (d *RaptorDecoder) Lost() (uint32, []LostRange, bool) { return 0, nil, false }

func (d *RaptorDecoder) Finished() bool { return d.done }

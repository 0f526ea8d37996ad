package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"bdt/bid"
)

// TCPFrame is the length-prefixed framing of spec §6:
// | length(2, big-endian) | cmd(1) | payload |
// length counts cmd+payload, not itself.
type TCPFrame struct {
	Cmd     TCPCmd
	Payload []byte
}

func (f *TCPFrame) Encode() []byte {
	buf := make([]byte, 2+1+len(f.Payload))
	binary.BigEndian.PutUint16(buf, uint16(1+len(f.Payload)))
	buf[2] = byte(f.Cmd)
	copy(buf[3:], f.Payload)
	return buf
}

// WriteTCPFrame writes a single frame to w.
func WriteTCPFrame(w io.Writer, f *TCPFrame) error {
	_, err := w.Write(f.Encode())
	return err
}

// ReadTCPFrame reads a single length-prefixed frame from r.
func ReadTCPFrame(r io.Reader) (*TCPFrame, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("protocol: zero-length tcp frame")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &TCPFrame{Cmd: TCPCmd(body[0]), Payload: body[1:]}, nil
}

// TCPSynConnection is the first frame on any TCP tunnel (spec §4.4).
type TCPSynConnection struct {
	Sequence       uint32
	FromDeviceDesc DeviceDescBytes
	SealedKey      []byte
	SendTime       uint64
}

func (p *TCPSynConnection) Encode() []byte {
	w := newWriter(64 + len(p.FromDeviceDesc) + len(p.SealedKey))
	w.u32(p.Sequence)
	w.lenPrefixed(p.FromDeviceDesc)
	w.lenPrefixed(p.SealedKey)
	w.u64(p.SendTime)
	return w.buf
}

func DecodeTCPSynConnection(buf []byte) (*TCPSynConnection, error) {
	r := newReader(buf)
	p := &TCPSynConnection{}
	p.Sequence = r.u32()
	p.FromDeviceDesc = r.lenPrefixed()
	p.SealedKey = r.lenPrefixed()
	p.SendTime = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// TCPAckConnection replies to a SynConnection (spec §4.4).
type TCPAckConnection struct {
	Sequence     uint32
	RemoteDesc   DeviceDescBytes
	RemoteUpdate uint64 // the remote descriptor's update time
}

func (p *TCPAckConnection) Encode() []byte {
	w := newWriter(64 + len(p.RemoteDesc))
	w.u32(p.Sequence)
	w.lenPrefixed(p.RemoteDesc)
	w.u64(p.RemoteUpdate)
	return w.buf
}

func DecodeTCPAckConnection(buf []byte) (*TCPAckConnection, error) {
	r := newReader(buf)
	p := &TCPAckConnection{}
	p.Sequence = r.u32()
	p.RemoteDesc = r.lenPrefixed()
	p.RemoteUpdate = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// TCPAckAckConnection closes the 3-way handshake (spec §4.4/§6).
type TCPAckAckConnection struct {
	Result AckAckResult
}

func (p *TCPAckAckConnection) Encode() []byte {
	return []byte{byte(p.Result)}
}

func DecodeTCPAckAckConnection(buf []byte) (*TCPAckAckConnection, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("protocol: empty ackack")
	}
	return &TCPAckAckConnection{Result: AckAckResult(buf[0])}, nil
}

// DeviceIdFromDesc is a placeholder seam: the core treats device
// descriptors as opaque bytes produced/verified by an external object
// model, per spec §1. Real deployments plug in that verifier here; this
// default just hashes the bytes, which is enough to give the core a
// stable DeviceId for descriptors it hasn't independently resolved yet.
func DeviceIdFromDesc(desc DeviceDescBytes) bid.ObjectId {
	return bid.ChunkIdFromBytes(desc).Hash()
}

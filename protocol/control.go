package protocol

import (
	"bdt/bid"
)

// DeviceDescBytes is the opaque, externally-produced encoding of a
// device descriptor (public key + endpoints + signature). The core
// never parses it; it only carries it between peers and asks the
// external object-model collaborator for its UpdateTime.
type DeviceDescBytes []byte

// Exchange wraps a SynTunnel (or a key-rotation box) with signed key
// exchange material, per spec §4.3 ("may be wrapped with an Exchange
// containing signed key material").
type Exchange struct {
	SequenceKeySignSource []byte // external signature payload over the key
	KeyMaterial           []byte // raw bytes fed to bid.AesKeyFromBytes
}

func (e *Exchange) encode(w *writer) {
	w.lenPrefixed(e.SequenceKeySignSource)
	w.lenPrefixed(e.KeyMaterial)
}

func decodeExchange(r *reader) *Exchange {
	sig := r.lenPrefixed()
	key := r.lenPrefixed()
	if r.err != nil {
		return nil
	}
	return &Exchange{SequenceKeySignSource: sig, KeyMaterial: key}
}

// SynTunnel (cmd 0x01).
type SynTunnel struct {
	ProtocolVersion uint8
	StackVersion    uint32
	ToDeviceId      bid.ObjectId
	FromDeviceDesc  DeviceDescBytes
	Sequence        uint32
	SendTime        uint64
	Exchange        *Exchange // non-nil when carrying key material
}

func (p *SynTunnel) Encode() []byte {
	w := newWriter(128 + len(p.FromDeviceDesc))
	w.bytes(Magic[:])
	w.u8(uint8(CmdSynTunnel))
	w.u32(p.Sequence)
	w.u8(p.ProtocolVersion)
	w.u32(p.StackVersion)
	w.id(p.ToDeviceId)
	w.lenPrefixed(p.FromDeviceDesc)
	w.u64(p.SendTime)
	if p.Exchange != nil {
		w.u8(1)
		p.Exchange.encode(w)
	} else {
		w.u8(0)
	}
	return w.buf
}

func DecodeSynTunnel(buf []byte) (*SynTunnel, error) {
	r := newReader(buf)
	p := &SynTunnel{}
	p.ProtocolVersion = r.u8()
	p.StackVersion = r.u32()
	p.ToDeviceId = r.id()
	p.FromDeviceDesc = r.lenPrefixed()
	p.SendTime = r.u64()
	if r.u8() == 1 {
		p.Exchange = decodeExchange(r)
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// AckTunnel (cmd 0x02).
type AckTunnel struct {
	Sequence    uint32
	Result      uint16
	SendTime    uint64
	MTU         uint16
	ToDeviceDesc DeviceDescBytes
}

func (p *AckTunnel) Encode() []byte {
	w := newWriter(64 + len(p.ToDeviceDesc))
	w.bytes(Magic[:])
	w.u8(uint8(CmdAckTunnel))
	w.u32(p.Sequence)
	w.u16(p.Result)
	w.u64(p.SendTime)
	w.u16(p.MTU)
	w.lenPrefixed(p.ToDeviceDesc)
	return w.buf
}

func DecodeAckTunnel(buf []byte) (*AckTunnel, error) {
	r := newReader(buf)
	p := &AckTunnel{}
	p.Result = r.u16()
	p.SendTime = r.u64()
	p.MTU = r.u16()
	p.ToDeviceDesc = r.lenPrefixed()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// AckAckTunnel (cmd 0x03).
type AckAckTunnel struct {
	Sequence uint32
}

func (p *AckAckTunnel) Encode() []byte {
	w := newWriter(8)
	w.bytes(Magic[:])
	w.u8(uint8(CmdAckAckTunnel))
	w.u32(p.Sequence)
	return w.buf
}

func DecodeAckAckTunnel(buf []byte) (*AckAckTunnel, error) {
	return &AckAckTunnel{}, nil
}

// PingTunnel (cmd 0x10).
type PingTunnel struct {
	PackageId uint32
	SendTime  uint64
	RecvData  uint64
}

func (p *PingTunnel) Encode() []byte {
	w := newWriter(32)
	w.bytes(Magic[:])
	w.u8(uint8(CmdPingTunnel))
	w.u32(p.PackageId)
	w.u64(p.SendTime)
	w.u64(p.RecvData)
	return w.buf
}

func DecodePingTunnel(buf []byte) (*PingTunnel, error) {
	r := newReader(buf)
	p := &PingTunnel{}
	p.SendTime = r.u64()
	p.RecvData = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// PingTunnelResp (cmd 0x11).
type PingTunnelResp struct {
	AckPackageId uint32
	SendTime     uint64
	RecvData     uint64
}

func (p *PingTunnelResp) Encode() []byte {
	w := newWriter(32)
	w.bytes(Magic[:])
	w.u8(uint8(CmdPingTunnelResp))
	w.u32(p.AckPackageId)
	w.u64(p.SendTime)
	w.u64(p.RecvData)
	return w.buf
}

func DecodePingTunnelResp(buf []byte) (*PingTunnelResp, error) {
	r := newReader(buf)
	p := &PingTunnelResp{}
	p.SendTime = r.u64()
	p.RecvData = r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SnPing (cmd 0x20).
type SnPing struct {
	Seq        uint32
	FromPeerId bid.ObjectId
	SnPeerId   bid.ObjectId
	PeerInfo   DeviceDescBytes
	SendTime   uint64
	ContractId []byte // optional, empty when absent
}

func (p *SnPing) Encode() []byte {
	w := newWriter(128 + len(p.PeerInfo))
	w.bytes(Magic[:])
	w.u8(uint8(CmdSnPing))
	w.u32(p.Seq)
	w.id(p.FromPeerId)
	w.id(p.SnPeerId)
	w.lenPrefixed(p.PeerInfo)
	w.u64(p.SendTime)
	w.lenPrefixed(p.ContractId)
	return w.buf
}

func DecodeSnPing(buf []byte) (*SnPing, error) {
	r := newReader(buf)
	p := &SnPing{}
	p.FromPeerId = r.id()
	p.SnPeerId = r.id()
	p.PeerInfo = r.lenPrefixed()
	p.SendTime = r.u64()
	p.ContractId = r.lenPrefixed()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SnPingResp (cmd 0x21).
type SnPingResp struct {
	Seq      uint32
	SnPeerId bid.ObjectId
	Result   uint16
	Receipt  []byte
	PeerInfo DeviceDescBytes
}

func (p *SnPingResp) Encode() []byte {
	w := newWriter(128 + len(p.PeerInfo))
	w.bytes(Magic[:])
	w.u8(uint8(CmdSnPingResp))
	w.u32(p.Seq)
	w.id(p.SnPeerId)
	w.u16(p.Result)
	w.lenPrefixed(p.Receipt)
	w.lenPrefixed(p.PeerInfo)
	return w.buf
}

func DecodeSnPingResp(buf []byte) (*SnPingResp, error) {
	r := newReader(buf)
	p := &SnPingResp{}
	p.SnPeerId = r.id()
	p.Result = r.u16()
	p.Receipt = r.lenPrefixed()
	p.PeerInfo = r.lenPrefixed()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SnCall (cmd 0x22).
type SnCall struct {
	Seq        uint32
	ToPeerId   bid.ObjectId
	SnPeerId   bid.ObjectId
	AlwaysCall bool
	Payload    []byte // caller's first-box bytes
}

func (p *SnCall) Encode() []byte {
	w := newWriter(96 + len(p.Payload))
	w.bytes(Magic[:])
	w.u8(uint8(CmdSnCall))
	w.u32(p.Seq)
	w.id(p.ToPeerId)
	w.id(p.SnPeerId)
	if p.AlwaysCall {
		w.u8(1)
	} else {
		w.u8(0)
	}
	w.lenPrefixed(p.Payload)
	return w.buf
}

func DecodeSnCall(buf []byte) (*SnCall, error) {
	r := newReader(buf)
	p := &SnCall{}
	p.ToPeerId = r.id()
	p.SnPeerId = r.id()
	p.AlwaysCall = r.u8() != 0
	p.Payload = r.lenPrefixed()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SnCalled is delivered to the callee's PingClient by its SN.
type SnCalled struct {
	Seq        uint32
	CallerId   bid.ObjectId
	CallerDesc DeviceDescBytes
	SnPeerId   bid.ObjectId
	Payload    []byte
}

func (p *SnCalled) Encode() []byte {
	w := newWriter(96 + len(p.CallerDesc) + len(p.Payload))
	w.bytes(Magic[:])
	w.u8(uint8(CmdSnCalled))
	w.u32(p.Seq)
	w.id(p.CallerId)
	w.lenPrefixed(p.CallerDesc)
	w.id(p.SnPeerId)
	w.lenPrefixed(p.Payload)
	return w.buf
}

func DecodeSnCalled(buf []byte) (*SnCalled, error) {
	r := newReader(buf)
	p := &SnCalled{}
	p.CallerId = r.id()
	p.CallerDesc = r.lenPrefixed()
	p.SnPeerId = r.id()
	p.Payload = r.lenPrefixed()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// SnCalledResp (cmd 0x23).
type SnCalledResp struct {
	Seq      uint32
	Result   uint16
	SnPeerId bid.ObjectId
}

func (p *SnCalledResp) Encode() []byte {
	w := newWriter(48)
	w.bytes(Magic[:])
	w.u8(uint8(CmdSnCalledResp))
	w.u32(p.Seq)
	w.u16(p.Result)
	w.id(p.SnPeerId)
	return w.buf
}

func DecodeSnCalledResp(buf []byte) (*SnCalledResp, error) {
	r := newReader(buf)
	p := &SnCalledResp{}
	p.Result = r.u16()
	p.SnPeerId = r.id()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Interest (cmd 0x30).
type Interest struct {
	SessionId uint32
	ChunkHash bid.ObjectId
	ChunkLen  uint64
	Codec     ChunkCodecDesc
	Referer   string
	GroupPath string
}

func (p *Interest) Encode() []byte {
	w := newWriter(96 + len(p.Referer) + len(p.GroupPath))
	w.bytes(Magic[:])
	w.u8(uint8(CmdInterest))
	w.u32(0) // seq placeholder, filled by caller context if needed
	w.u32(p.SessionId)
	w.id(p.ChunkHash)
	w.u64(p.ChunkLen)
	p.Codec.encode(w)
	w.lenPrefixed([]byte(p.Referer))
	w.lenPrefixed([]byte(p.GroupPath))
	return w.buf
}

func DecodeInterest(buf []byte) (*Interest, error) {
	r := newReader(buf)
	p := &Interest{}
	p.SessionId = r.u32()
	p.ChunkHash = r.id()
	p.ChunkLen = r.u64()
	p.Codec = decodeChunkCodecDesc(r)
	p.Referer = string(r.lenPrefixed())
	p.GroupPath = string(r.lenPrefixed())
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// RespInterest (cmd 0x31).
type RespInterest struct {
	SessionId uint32
	ChunkHash bid.ObjectId
	ChunkLen  uint64
	Err       uint16
}

func (p *RespInterest) Encode() []byte {
	w := newWriter(64)
	w.bytes(Magic[:])
	w.u8(uint8(CmdRespInterest))
	w.u32(0)
	w.u32(p.SessionId)
	w.id(p.ChunkHash)
	w.u64(p.ChunkLen)
	w.u16(p.Err)
	return w.buf
}

func DecodeRespInterest(buf []byte) (*RespInterest, error) {
	r := newReader(buf)
	p := &RespInterest{}
	p.SessionId = r.u32()
	p.ChunkHash = r.id()
	p.ChunkLen = r.u64()
	p.Err = r.u16()
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

// Package bid ("bdt id") holds the data-plane identifiers and crypto
// primitives the core treats as opaque per spec §1 and §3: DeviceId,
// ObjectId, ChunkId, Endpoint/EndpointPair, and the AES mix-key used to
// authenticate tunnel frames. Typed object descriptors, signatures, and
// their derivation are external collaborators; this package only
// carries the 32-byte addresses and signed bytes they produce.
package bid

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"
)

// ObjectId is an opaque 32-byte content address. Equality and ordering
// are byte-wise.
type ObjectId [32]byte

func (id ObjectId) String() string {
	return hex.EncodeToString(id[:])
}

// Compare gives byte-wise ordering: <0, 0, >0.
func (id ObjectId) Compare(other ObjectId) int {
	return bytes.Compare(id[:], other[:])
}

// Distance is the XOR distance between two ids, used by the SN client
// to sort super-nodes nearest-first (spec §4.6).
func (id ObjectId) Distance(other ObjectId) ObjectId {
	var out ObjectId
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less orders two XOR distances for nearest-first sorting: the smaller
// big-endian number first, compared from the most significant byte down.
func (id ObjectId) Less(other ObjectId) bool {
	return id.Compare(other) < 0
}

// LeadingZeroBits counts the common-prefix length of a distance, a
// convenience for k-bucket style reasoning should callers want it.
func (id ObjectId) LeadingZeroBits() int {
	for i, b := range id {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return len(id) * 8
}

// DeviceId is an ObjectId derived (externally) from a device
// descriptor's public key and endpoint list.
type DeviceId = ObjectId

// ChunkId is an ObjectId whose hash payload is the SHA-256 of the
// chunk's bytes, plus an explicit length. The invariant
// (sha256(bytes) == id.Hash() && len(bytes) == id.Length()) is checked
// by VerifyChunk; callers must call it on every chunk received over the
// wire and penalise the source on failure (spec §3).
type ChunkId struct {
	hash   ObjectId
	length uint64
}

// NewChunkId builds a ChunkId from a precomputed hash and length, as
// decoded off the wire.
func NewChunkId(hash ObjectId, length uint64) ChunkId {
	return ChunkId{hash: hash, length: length}
}

// ChunkIdFromBytes computes a ChunkId directly from chunk content.
func ChunkIdFromBytes(data []byte) ChunkId {
	return ChunkId{hash: ObjectId(sha256.Sum256(data)), length: uint64(len(data))}
}

func (c ChunkId) Hash() ObjectId   { return c.hash }
func (c ChunkId) Length() uint64   { return c.length }
func (c ChunkId) Object() ObjectId { return c.hash }

func (c ChunkId) String() string {
	return fmt.Sprintf("chunk:%s:%d", c.hash.String()[:16], c.length)
}

func (c ChunkId) Equal(other ChunkId) bool {
	return c.hash == other.hash && c.length == other.length
}

// VerifyChunk checks the chunk invariant from spec §3: the SHA-256 of
// data must equal the id's hash payload, and len(data) must equal the
// id's declared length.
func (c ChunkId) VerifyChunk(data []byte) bool {
	if uint64(len(data)) != c.length {
		return false
	}
	sum := sha256.Sum256(data)
	return ObjectId(sum) == c.hash
}

// EndIndex returns ceil(length/payload) - 1, the highest stream piece
// index for this chunk at a given payload size.
func (c ChunkId) EndIndex(payload uint32) uint32 {
	return StreamEndCount(c.length, payload) - 1
}

// StreamEndCount returns ceil(length/payload), the number of stream
// pieces a chunk of this length decomposes into.
func StreamEndCount(length uint64, payload uint32) uint32 {
	if payload == 0 {
		return 0
	}
	n := (length + uint64(payload) - 1) / uint64(payload)
	return uint32(n)
}

// Transport identifies the underlying socket kind for an Endpoint.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Family is the address family of an Endpoint.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Endpoint is a (transport, family, socket address) triple. Endpoints
// are values, freely copied (spec §3).
type Endpoint struct {
	Transport Transport
	Addr      net.IP
	Port      uint16
}

func (e Endpoint) Family() Family {
	if e.Addr.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Transport, net.JoinHostPort(e.Addr.String(), fmt.Sprint(e.Port)))
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Transport == o.Transport && e.Addr.Equal(o.Addr) && e.Port == o.Port
}

func (e Endpoint) NetAddr() string {
	return net.JoinHostPort(e.Addr.String(), fmt.Sprint(e.Port))
}

func (e Endpoint) IsUDP() bool { return e.Transport == TransportUDP }
func (e Endpoint) IsTCP() bool { return e.Transport == TransportTCP }

// EndpointPair is an ordered (local, remote) pair: the identity of a
// tunnel within a container (spec §3).
type EndpointPair struct {
	Local  Endpoint
	Remote Endpoint
}

func (p EndpointPair) Key() string {
	return p.Local.String() + "->" + p.Remote.String()
}

func (p EndpointPair) Equal(o EndpointPair) bool {
	return p.Local.Equal(o.Local) && p.Remote.Equal(o.Remote)
}

// EncodeEndpoint implements the §6 wire encoding:
// | flag(1) | family(1) | [ip bytes] | port(2) |
func EncodeEndpoint(e Endpoint) []byte {
	var flag byte
	if e.IsTCP() {
		flag = 1
	}
	ip := e.Addr.To4()
	family := byte(0)
	if ip == nil {
		ip = e.Addr.To16()
		family = 1
	}
	buf := make([]byte, 2+len(ip)+2)
	buf[0] = flag
	buf[1] = family
	copy(buf[2:], ip)
	binary.BigEndian.PutUint16(buf[2+len(ip):], e.Port)
	return buf
}

// DecodeEndpoint decodes the §6 endpoint wire format and returns the
// remaining buffer.
func DecodeEndpoint(buf []byte) (Endpoint, []byte, error) {
	if len(buf) < 4 {
		return Endpoint{}, nil, fmt.Errorf("endpoint: short buffer")
	}
	flag := buf[0]
	family := buf[1]
	ipLen := 4
	if family == 1 {
		ipLen = 16
	}
	if len(buf) < 2+ipLen+2 {
		return Endpoint{}, nil, fmt.Errorf("endpoint: short buffer for family")
	}
	ip := make(net.IP, ipLen)
	copy(ip, buf[2:2+ipLen])
	port := binary.BigEndian.Uint16(buf[2+ipLen:])
	transport := TransportUDP
	if flag == 1 {
		transport = TransportTCP
	}
	return Endpoint{Transport: transport, Addr: ip, Port: port}, buf[2+ipLen+2:], nil
}

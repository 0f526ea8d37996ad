package protocol

import (
	"encoding/binary"
	"fmt"

	"bdt/bid"
)

// writer is a tiny append-only byte cursor used by every Encode method
// below; it keeps the wire-layout code free of repeated binary.BigEndian
// boilerplate while staying a flat byte slice (no reflection, no
// intermediate allocations beyond the final buffer).
type writer struct {
	buf []byte
}

func newWriter(capHint int) *writer {
	return &writer{buf: make([]byte, 0, capHint)}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) id(id bid.ObjectId) { w.buf = append(w.buf, id[:]...) }

// lenPrefixed writes a uint16 length followed by the bytes, used for
// the variable-length referer/group_path/device-descriptor fields.
func (w *writer) lenPrefixed(b []byte) {
	w.u16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

type reader struct {
	buf []byte
	off int
	err error
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.fail("protocol: short buffer, need %d have %d", n, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) id() bid.ObjectId {
	var id bid.ObjectId
	if !r.need(32) {
		return id
	}
	copy(id[:], r.buf[r.off:r.off+32])
	r.off += 32
	return id
}

func (r *reader) lenPrefixed() []byte {
	n := int(r.u16())
	if !r.need(n) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

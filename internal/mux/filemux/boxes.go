package filemux

import (
	"bytes"
	"encoding/binary"
)

// box is a tiny ISO BMFF box builder: Start begins a box by reserving
// its 4-byte size field, the caller writes the body through the
// embedded bytes.Buffer, and End patches the size back in. Nesting is
// just calling Start/End around child boxes writing into the same
// buffer.
type box struct {
	buf    *bytes.Buffer
	starts []int
}

func newBox() *box { return &box{buf: &bytes.Buffer{}} }

func (b *box) Start(fourcc string) {
	b.starts = append(b.starts, b.buf.Len())
	b.buf.Write([]byte{0, 0, 0, 0})
	b.buf.WriteString(fourcc)
}

func (b *box) End() {
	n := len(b.starts) - 1
	start := b.starts[n]
	b.starts = b.starts[:n]
	size := b.buf.Len() - start
	sizeBuf := b.buf.Bytes()[start : start+4]
	binary.BigEndian.PutUint32(sizeBuf, uint32(size))
}

func (b *box) u8(v uint8)   { b.buf.WriteByte(v) }
func (b *box) u16(v uint16) { var t [2]byte; binary.BigEndian.PutUint16(t[:], v); b.buf.Write(t[:]) }
func (b *box) u24(v uint32) { b.buf.Write([]byte{byte(v >> 16), byte(v >> 8), byte(v)}) }
func (b *box) u32(v uint32) { var t [4]byte; binary.BigEndian.PutUint32(t[:], v); b.buf.Write(t[:]) }
func (b *box) u64(v uint64) { var t [8]byte; binary.BigEndian.PutUint64(t[:], v); b.buf.Write(t[:]) }
func (b *box) raw(p []byte) { b.buf.Write(p) }

// fullBox writes the version/flags header common to "full boxes".
func (b *box) fullBox(version uint8, flags uint32) {
	b.u8(version)
	b.u24(flags)
}

func (b *box) bytes() []byte { return b.buf.Bytes() }

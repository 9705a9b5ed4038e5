// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package buffer provides the typed read/write cursor every wire structure
// in fleetnet is built from.
//
// A Buffer keeps the first error it encounters. Once an operation fails all
// further reads return zero values and writes are dropped, so a decoder can
// read a whole structure and check Err once at the end.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrShortBuffer = errors.New("buffer: not enough bytes")
	ErrReleased    = errors.New("buffer: used after release")
	ErrTooLarge    = errors.New("buffer: length prefix out of range")
	ErrNoMark      = errors.New("buffer: rollback without begin")
)

// MaxLength bounds every length prefix read from the wire.
const MaxLength = 64 * 1024 * 1024

type (
	// Buffer is a byte region with an append-only write side and a read cursor.
	// It is not safe for concurrent use; ownership moves with the packet that
	// carries it.
	Buffer struct {
		data  []byte
		r     int
		err   error
		marks []mark

		refs   atomic.Int32
		pooled bool
	}

	mark struct {
		r   int
		w   int
		err error
	}
)

const maxPooled = 64 * 1024

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 512)
		return &b
	},
}

// New returns an empty buffer backed by pooled memory. The caller owns one
// reference and must Release it.
func New() *Buffer {
	bp := pool.Get().(*[]byte)
	b := &Buffer{data: (*bp)[:0], pooled: true}
	b.refs.Store(1)
	return b
}

// Wrap returns a buffer reading from data. The slice is not copied and is
// never returned to the pool.
func Wrap(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.refs.Store(1)
	return b
}

// Retain adds a reference for an additional reader.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain after release")
	}
	return b
}

// Release drops one reference. When the last reference is gone the backing
// memory goes back to the pool. Releasing more often than retained returns
// ErrReleased and leaves the pool untouched.
func (b *Buffer) Release() error {
	n := b.refs.Add(-1)
	switch {
	case n < 0:
		b.refs.Store(-1)
		return ErrReleased
	case n > 0:
		return nil
	}
	data := b.data
	b.data = nil
	b.r = 0
	b.marks = nil
	b.err = ErrReleased
	if b.pooled && cap(data) <= maxPooled {
		data = data[:0]
		pool.Put(&data)
	}
	return nil
}

// Released reports whether the buffer has been given back.
func (b *Buffer) Released() bool { return b.refs.Load() <= 0 }

// Err returns the first error encountered by the buffer.
func (b *Buffer) Err() error { return b.err }

// Fail records err unless the buffer already failed.
func (b *Buffer) Fail(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

// Len is the number of unread bytes.
func (b *Buffer) Len() int { return len(b.data) - b.r }

// Size is the number of bytes written, read or not.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes returns the unread bytes without consuming them.
func (b *Buffer) Bytes() []byte { return b.data[b.r:] }

// Begin marks the current read and write positions. A later Rollback
// restores them, so a speculative decode that runs out of bytes can be
// retried once more data arrived.
func (b *Buffer) Begin() {
	b.marks = append(b.marks, mark{r: b.r, w: len(b.data), err: b.err})
}

// Rollback restores the positions saved by the matching Begin.
func (b *Buffer) Rollback() {
	if len(b.marks) == 0 {
		b.Fail(ErrNoMark)
		return
	}
	m := b.marks[len(b.marks)-1]
	b.marks = b.marks[:len(b.marks)-1]
	if b.Released() {
		return
	}
	b.r, b.data, b.err = m.r, b.data[:m.w], m.err
}

// Commit discards the mark saved by the matching Begin.
func (b *Buffer) Commit() {
	if len(b.marks) == 0 {
		b.Fail(ErrNoMark)
		return
	}
	b.marks = b.marks[:len(b.marks)-1]
}

func (b *Buffer) writable() bool {
	if b.err != nil {
		return false
	}
	if b.Released() {
		b.err = ErrReleased
		return false
	}
	return true
}

func (b *Buffer) next(n int) []byte {
	if b.err != nil {
		return nil
	}
	if b.Released() {
		b.err = ErrReleased
		return nil
	}
	if n < 0 || b.Len() < n {
		b.err = fmt.Errorf("%w: need %d have %d", ErrShortBuffer, n, b.Len())
		return nil
	}
	out := b.data[b.r : b.r+n]
	b.r += n
	return out
}

func (b *Buffer) WriteRaw(p []byte) {
	if b.writable() {
		b.data = append(b.data, p...)
	}
}

func (b *Buffer) ReadRaw(n int) []byte {
	p := b.next(n)
	if p == nil {
		return nil
	}
	return append([]byte(nil), p...)
}

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteUint8(1)
	} else {
		b.WriteUint8(0)
	}
}

func (b *Buffer) ReadBool() bool { return b.ReadUint8() != 0 }

func (b *Buffer) WriteUint8(v uint8) {
	if b.writable() {
		b.data = append(b.data, v)
	}
}

func (b *Buffer) ReadUint8() uint8 {
	p := b.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) WriteUint16(v uint16) {
	if b.writable() {
		b.data = binary.BigEndian.AppendUint16(b.data, v)
	}
}

func (b *Buffer) ReadUint16() uint16 {
	p := b.next(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (b *Buffer) WriteInt32(v int32) {
	if b.writable() {
		b.data = binary.BigEndian.AppendUint32(b.data, uint32(v))
	}
}

func (b *Buffer) ReadInt32() int32 {
	p := b.next(4)
	if p == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(p))
}

func (b *Buffer) WriteInt64(v int64) {
	if b.writable() {
		b.data = binary.BigEndian.AppendUint64(b.data, uint64(v))
	}
}

func (b *Buffer) ReadInt64() int64 {
	p := b.next(8)
	if p == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(p))
}

func (b *Buffer) WriteFloat32(v float32) { b.WriteInt32(int32(math.Float32bits(v))) }

func (b *Buffer) ReadFloat32() float32 { return math.Float32frombits(uint32(b.ReadInt32())) }

func (b *Buffer) WriteFloat64(v float64) { b.WriteInt64(int64(math.Float64bits(v))) }

func (b *Buffer) ReadFloat64() float64 { return math.Float64frombits(uint64(b.ReadInt64())) }

func (b *Buffer) WriteUvarint(v uint64) {
	if b.writable() {
		b.data = binary.AppendUvarint(b.data, v)
	}
}

func (b *Buffer) ReadUvarint() uint64 {
	if b.err != nil {
		return 0
	}
	if b.Released() {
		b.err = ErrReleased
		return 0
	}
	v, n := binary.Uvarint(b.data[b.r:])
	if n <= 0 {
		b.err = fmt.Errorf("%w: bad varint", ErrShortBuffer)
		return 0
	}
	b.r += n
	return v
}

// WriteBytes writes p prefixed by its varint length.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteUvarint(uint64(len(p)))
	b.WriteRaw(p)
}

func (b *Buffer) ReadBytes() []byte {
	n := b.readLength()
	if b.err != nil {
		return nil
	}
	out := b.ReadRaw(n)
	if out == nil && b.err == nil {
		out = []byte{}
	}
	return out
}

func (b *Buffer) WriteString(s string) {
	b.WriteUvarint(uint64(len(s)))
	if b.writable() {
		b.data = append(b.data, s...)
	}
}

func (b *Buffer) ReadString() string {
	n := b.readLength()
	return string(b.next(n))
}

// WriteUUID writes a 128-bit identifier as its most and least significant
// 64-bit halves.
func (b *Buffer) WriteUUID(id uuid.UUID) { b.WriteRaw(id[:]) }

func (b *Buffer) ReadUUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], b.next(len(id)))
	return id
}

// WriteBuffer writes the unread bytes of nested prefixed by their length.
// nested is left untouched.
func (b *Buffer) WriteBuffer(nested *Buffer) {
	if nested == nil {
		b.WriteBytes(nil)
		return
	}
	b.WriteBytes(nested.Bytes())
}

// ReadBuffer returns the next length prefixed region as an independent buffer.
func (b *Buffer) ReadBuffer() *Buffer {
	p := b.ReadBytes()
	if b.err != nil {
		return nil
	}
	return Wrap(p)
}

func (b *Buffer) readLength() int {
	n := b.ReadUvarint()
	if b.err != nil {
		return 0
	}
	if n > MaxLength {
		b.err = fmt.Errorf("%w: %d", ErrTooLarge, n)
		return 0
	}
	return int(n)
}

// WriteOptional writes a presence flag followed by v when it is not nil.
func WriteOptional[T any](b *Buffer, v *T, write func(*Buffer, T)) {
	b.WriteBool(v != nil)
	if v != nil {
		write(b, *v)
	}
}

// ReadOptional reads a value written by WriteOptional.
func ReadOptional[T any](b *Buffer, read func(*Buffer) T) *T {
	if !b.ReadBool() || b.err != nil {
		return nil
	}
	v := read(b)
	if b.err != nil {
		return nil
	}
	return &v
}

func (b *Buffer) WriteOptionalString(s *string) {
	WriteOptional(b, s, (*Buffer).WriteString)
}

func (b *Buffer) ReadOptionalString() *string {
	return ReadOptional(b, (*Buffer).ReadString)
}

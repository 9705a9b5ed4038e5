// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package chunk moves payloads too large for one frame as a session of
// indexed chunks on packet.ChannelChunk.
//
// Chunk 0 opens a session: it carries the header document and the number
// of data chunks but no data. Data chunks are numbered from 1, the last one
// is flagged as the end. Chunks may arrive in any order; a Session applies
// them to its Sink strictly by index and completes exactly once.
//
// The payload of a chunk packet is
//
//	[session id 16 bytes][index int32][end byte][header bytes + total int32, chunk 0 only][data bytes]
package chunk

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/luxfi/fleetnet/buffer"
)

var (
	ErrSessionClosed  = errors.New("chunk: session closed")
	ErrDuplicateChunk = errors.New("chunk: duplicate chunk")
	ErrMalformedChunk = errors.New("chunk: malformed chunk")
	ErrTotalMismatch  = errors.New("chunk: end chunk does not match announced total")
)

// Header is the metadata document carried by chunk 0.
type Header map[string]string

// Chunk is one fragment of a transfer.
type Chunk struct {
	Session uuid.UUID
	Index   int32
	End     bool

	// Header and Total are only carried by chunk 0. Total counts the data
	// chunks that follow it.
	Header Header
	Total  int32

	Data []byte
}

// GapError reports a session closed while chunks were still waiting for a
// predecessor.
type GapError struct {
	Session  uuid.UUID
	Expected int32
	Pending  []int32
}

func (e *GapError) Error() string {
	return fmt.Sprintf("chunk: session %s closed with gap: expected %d, buffered %v", e.Session, e.Expected, e.Pending)
}

// Write appends the wire form of c to b.
func (c *Chunk) Write(b *buffer.Buffer) error {
	b.WriteUUID(c.Session)
	b.WriteInt32(c.Index)
	b.WriteBool(c.End)
	if c.Index == 0 {
		header, err := msgpack.Marshal(c.Header)
		if err != nil {
			return fmt.Errorf("chunk: header: %w", err)
		}
		b.WriteBytes(header)
		b.WriteInt32(c.Total)
	}
	b.WriteBytes(c.Data)
	return b.Err()
}

// Read decodes a chunk from b. Data aliases b's memory.
func Read(b *buffer.Buffer) (*Chunk, error) {
	c := &Chunk{
		Session: b.ReadUUID(),
		Index:   b.ReadInt32(),
		End:     b.ReadBool(),
	}
	if c.Index == 0 {
		header := b.ReadBytes()
		c.Total = b.ReadInt32()
		if b.Err() == nil && len(header) > 0 {
			if err := msgpack.Unmarshal(header, &c.Header); err != nil {
				return nil, fmt.Errorf("%w: header: %v", ErrMalformedChunk, err)
			}
		}
	}
	c.Data = b.ReadBytes()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	switch {
	case c.Index < 0:
		return nil, fmt.Errorf("%w: negative index %d", ErrMalformedChunk, c.Index)
	case c.Index == 0 && c.Total < 0:
		return nil, fmt.Errorf("%w: negative total %d", ErrMalformedChunk, c.Total)
	case c.Index == 0 && len(c.Data) > 0:
		return nil, fmt.Errorf("%w: data on chunk 0", ErrMalformedChunk)
	}
	return c, nil
}

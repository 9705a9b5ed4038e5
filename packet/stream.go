// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Reader splits a byte stream into frame bodies.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader returns a reader rejecting bodies larger than max. A max of zero
// means DefaultMaxFrame.
func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Reader{r: bufio.NewReaderSize(r, 32*1024), max: max}
}

// ReadFrame returns the next frame body. io.EOF is returned only when the
// stream ends on a frame boundary.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if n > uint64(r.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// ReadPacket reads and decodes the next frame.
func (r *Reader) ReadPacket() (*Packet, error) {
	body, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(body)
}

// Writer writes length prefixed frame bodies. It is safe for concurrent use;
// every frame is written with a single Write call.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max int
	buf []byte
}

// NewWriter returns a writer rejecting bodies larger than max. A max of zero
// means DefaultMaxFrame.
func NewWriter(w io.Writer, max int) *Writer {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Writer{w: w, max: max}
}

// WriteFrame writes body prefixed by its length.
func (w *Writer) WriteFrame(body []byte) error {
	if len(body) > w.max {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = binary.AppendUvarint(w.buf[:0], uint64(len(body)))
	w.buf = append(w.buf, body...)
	_, err := w.w.Write(w.buf)
	if cap(w.buf) > 256*1024 {
		w.buf = nil
	}
	return err
}

// WritePacket encodes p and writes it as one frame.
func (w *Writer) WritePacket(p *Packet) error {
	body, err := Marshal(p)
	if err != nil {
		return err
	}
	return w.WriteFrame(body)
}

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc implements remote method calls over packet.ChannelRPC.
//
// A request is a chain of calls. The first call runs on the instance
// registered for its type; every further call runs on the value the
// previous one returned:
//
//	[chain length int32]
//	per call: [type string][method string][expects result byte][argc int32][argc tagged values]
//
// The response is
//
//	[true byte][tagged result]
//	[false byte][error type string][message string][frame string]
//
// Methods are resolved through Bindings registered up front, keyed by type,
// method and argument count.
package rpc

import (
	"errors"
	"fmt"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/query"
)

var (
	ErrTimeout        = errors.New("rpc: call timed out")
	ErrMalformedChain = errors.New("rpc: malformed call chain")
	ErrUnknownTarget  = errors.New("rpc: no instance registered for type")
	ErrUnknownMethod  = errors.New("rpc: unknown method")
	ErrNilTarget      = errors.New("rpc: call on nil result")
	ErrBadArgument    = errors.New("rpc: bad argument")
	ErrPanic          = errors.New("rpc: method panicked")
)

const maxChain = 64

// Error types reported for failures of the rpc layer itself. RemoteError
// unwraps to the matching sentinel so callers can test them with errors.Is.
var protocolErrors = []struct {
	name string
	err  error
}{
	{"rpc.MalformedChain", ErrMalformedChain},
	{"rpc.UnknownTarget", ErrUnknownTarget},
	{"rpc.UnknownMethod", ErrUnknownMethod},
	{"rpc.NilTarget", ErrNilTarget},
	{"rpc.BadArgument", ErrBadArgument},
	{"rpc.Panic", ErrPanic},
	{"codec.Unregistered", codec.ErrUnregistered},
	{"codec.UnknownTag", codec.ErrUnknownTag},
}

// Error is an application error with a type name that survives the trip to
// the caller.
type Error struct {
	Type    string
	Message string
}

func NewError(typ, message string) *Error {
	return &Error{Type: typ, Message: message}
}

func (e *Error) Error() string { return e.Type + ": " + e.Message }

// RemoteError is a failure raised by the callee.
type RemoteError struct {
	Type    string
	Message string
	// Frame names the remote call that failed.
	Frame string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s (at %s)", e.Type, e.Message, e.Frame)
}

func (e *RemoteError) Unwrap() error {
	for _, p := range protocolErrors {
		if p.name == e.Type {
			return p.err
		}
	}
	return nil
}

// remoteError describes err raised while running frame.
func remoteError(err error, frame string) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	out := &RemoteError{Type: fmt.Sprintf("%T", err), Message: err.Error(), Frame: frame}
	var typed *Error
	if errors.As(err, &typed) {
		out.Type, out.Message = typed.Type, typed.Message
		return out
	}
	for _, p := range protocolErrors {
		if errors.Is(err, p.err) {
			out.Type = p.name
			break
		}
	}
	return out
}

// Call is one link of a chain.
type Call struct {
	Type          string
	Method        string
	ExpectsResult bool
	Args          []any
}

func (c Call) String() string {
	return fmt.Sprintf("%s.%s/%d", c.Type, c.Method, len(c.Args))
}

func writeChain(b *buffer.Buffer, codecs *codec.Registry, calls []Call) error {
	b.WriteInt32(int32(len(calls)))
	for _, c := range calls {
		b.WriteString(c.Type)
		b.WriteString(c.Method)
		b.WriteBool(c.ExpectsResult)
		b.WriteInt32(int32(len(c.Args)))
		for i, arg := range c.Args {
			if err := codecs.Write(b, arg); err != nil {
				return fmt.Errorf("rpc: %s argument %d: %w", c, i, err)
			}
		}
	}
	return b.Err()
}

func readChain(b *buffer.Buffer, codecs *codec.Registry) ([]Call, error) {
	n := b.ReadInt32()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedChain, err)
	}
	if n <= 0 || n > maxChain {
		return nil, fmt.Errorf("%w: length %d", ErrMalformedChain, n)
	}
	calls := make([]Call, 0, n)
	for range n {
		c := Call{
			Type:          b.ReadString(),
			Method:        b.ReadString(),
			ExpectsResult: b.ReadBool(),
		}
		argc := b.ReadInt32()
		if err := b.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChain, err)
		}
		if argc < 0 || argc > 255 {
			return nil, fmt.Errorf("%w: %d arguments", ErrMalformedChain, argc)
		}
		c.Args = make([]any, argc)
		for i := range c.Args {
			arg, err := codecs.Read(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %s argument %d: %w", ErrMalformedChain, c, i, err)
			}
			c.Args[i] = arg
		}
		calls = append(calls, c)
	}
	if b.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedChain, b.Len())
	}
	return calls, nil
}

func writeResult(b *buffer.Buffer, codecs *codec.Registry, v any) error {
	b.WriteBool(true)
	return codecs.Write(b, v)
}

func writeFailure(b *buffer.Buffer, re *RemoteError) {
	b.WriteBool(false)
	b.WriteString(re.Type)
	b.WriteString(re.Message)
	b.WriteString(re.Frame)
}

// readResponse decodes a response payload into the result or the remote
// failure.
func readResponse(b *buffer.Buffer, codecs *codec.Registry) (any, error) {
	ok := b.ReadBool()
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("rpc: response: %w", err)
	}
	if ok {
		v, err := codecs.Read(b)
		if err != nil {
			return nil, fmt.Errorf("rpc: response: %w", err)
		}
		return v, nil
	}
	re := &RemoteError{
		Type:    b.ReadString(),
		Message: b.ReadString(),
		Frame:   b.ReadString(),
	}
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("rpc: response: %w", err)
	}
	return nil, re
}

// mapTimeout turns a query timeout into ErrTimeout.
func mapTimeout(err error) error {
	if errors.Is(err, query.ErrTimeout) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

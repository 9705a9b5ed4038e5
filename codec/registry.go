// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec is the object mapper: it translates application values to
// and from buffer bytes.
//
// Every value is written as a tagged variant, the registered type name
// followed by the value's own encoding. Types must be registered explicitly
// with an encode/decode pair; nothing is discovered at runtime.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/luxfi/fleetnet/buffer"
)

var (
	ErrUnregistered = errors.New("codec: type not registered")
	ErrUnknownTag   = errors.New("codec: unknown type tag")
	ErrDuplicate    = errors.New("codec: type already registered")
	ErrMismatch     = errors.New("codec: decoded value has unexpected type")
)

// NilTag is written for nil values.
const NilTag = ""

type (
	// Registry maps type names to encode/decode pairs. It is safe for
	// concurrent use; registration normally happens once at startup.
	Registry struct {
		mu     sync.RWMutex
		byName map[string]*entry
		byType map[reflect.Type]*entry
	}

	entry struct {
		name  string
		typ   reflect.Type
		write func(*buffer.Buffer, any) error
		read  func(*buffer.Buffer) (any, error)
	}
)

// NewRegistry returns a registry with the builtin scalar, list and map types.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]*entry),
		byType: make(map[reflect.Type]*entry),
	}
	registerBuiltins(r)
	return r
}

// Register adds a type with explicit write and read functions.
func Register[T any](r *Registry, name string, write func(*buffer.Buffer, T), read func(*buffer.Buffer) T) error {
	return r.add(&entry{
		name: name,
		typ:  reflect.TypeFor[T](),
		write: func(b *buffer.Buffer, v any) error {
			write(b, v.(T))
			return b.Err()
		},
		read: func(b *buffer.Buffer) (any, error) {
			v := read(b)
			if err := b.Err(); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

// RegisterCodec adds a type whose bytes are produced by a whole-value codec.
func RegisterCodec[T any](r *Registry, name string, c Codec) error {
	return r.add(&entry{
		name: name,
		typ:  reflect.TypeFor[T](),
		write: func(b *buffer.Buffer, v any) error {
			data, err := c.Encode(v)
			if err != nil {
				return fmt.Errorf("codec: encode %v: %w", name, err)
			}
			b.WriteBytes(data)
			return b.Err()
		},
		read: func(b *buffer.Buffer) (any, error) {
			data := b.ReadBytes()
			if err := b.Err(); err != nil {
				return nil, err
			}
			var v T
			if err := c.Decode(data, &v); err != nil {
				return nil, fmt.Errorf("codec: decode %v: %w", name, err)
			}
			return v, nil
		},
	})
}

// RegisterMsgpack adds a struct type encoded with msgpack.
func RegisterMsgpack[T any](r *Registry, name string) error {
	return RegisterCodec[T](r, name, Msgpack)
}

// MustRegister panics when err is not nil. Meant for init-time registration.
func MustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func (r *Registry) add(e *entry) error {
	if e.name == NilTag {
		return fmt.Errorf("codec: empty type name for %v", e.typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.byName[e.name]; found {
		return fmt.Errorf("%w: %v", ErrDuplicate, e.name)
	}
	if _, found := r.byType[e.typ]; found {
		return fmt.Errorf("%w: %v", ErrDuplicate, e.typ)
	}
	r.byName[e.name] = e
	r.byType[e.typ] = e
	return nil
}

// Name returns the tag used for values of v's type.
func (r *Registry) Name(v any) (string, bool) {
	if v == nil {
		return NilTag, true
	}
	r.mu.RLock()
	e := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if e == nil {
		return "", false
	}
	return e.name, true
}

// Write encodes v as a tagged variant.
func (r *Registry) Write(b *buffer.Buffer, v any) error {
	if v == nil {
		b.WriteString(NilTag)
		return b.Err()
	}
	r.mu.RLock()
	e := r.byType[reflect.TypeOf(v)]
	r.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("%w: %T", ErrUnregistered, v)
	}
	b.WriteString(e.name)
	return e.write(b, v)
}

// Read decodes a tagged variant written by Write.
func (r *Registry) Read(b *buffer.Buffer) (any, error) {
	name := b.ReadString()
	if err := b.Err(); err != nil {
		return nil, err
	}
	if name == NilTag {
		return nil, nil
	}
	r.mu.RLock()
	e := r.byName[name]
	r.mu.RUnlock()
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, name)
	}
	return e.read(b)
}

// Decode reads a tagged variant and asserts its type. A nil value decodes to
// the zero T.
func Decode[T any](r *Registry, b *buffer.Buffer) (T, error) {
	var zero T
	v, err := r.Read(b)
	if err != nil || v == nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T want %T", ErrMismatch, v, zero)
	}
	return out, nil
}

func registerBuiltins(r *Registry) {
	MustRegister(Register(r, "bool", (*buffer.Buffer).WriteBool, (*buffer.Buffer).ReadBool))
	MustRegister(Register(r, "int32", (*buffer.Buffer).WriteInt32, (*buffer.Buffer).ReadInt32))
	MustRegister(Register(r, "int64", (*buffer.Buffer).WriteInt64, (*buffer.Buffer).ReadInt64))
	MustRegister(Register(r, "int",
		func(b *buffer.Buffer, v int) { b.WriteInt64(int64(v)) },
		func(b *buffer.Buffer) int { return int(b.ReadInt64()) }))
	MustRegister(Register(r, "float32", (*buffer.Buffer).WriteFloat32, (*buffer.Buffer).ReadFloat32))
	MustRegister(Register(r, "float64", (*buffer.Buffer).WriteFloat64, (*buffer.Buffer).ReadFloat64))
	MustRegister(Register(r, "string", (*buffer.Buffer).WriteString, (*buffer.Buffer).ReadString))
	MustRegister(Register(r, "bytes", (*buffer.Buffer).WriteBytes, (*buffer.Buffer).ReadBytes))
	MustRegister(Register(r, "uuid", (*buffer.Buffer).WriteUUID, (*buffer.Buffer).ReadUUID))
	MustRegister(Register(r, "strings",
		func(b *buffer.Buffer, v []string) {
			b.WriteUvarint(uint64(len(v)))
			for _, s := range v {
				b.WriteString(s)
			}
		},
		func(b *buffer.Buffer) []string {
			n := b.ReadUvarint()
			if n > buffer.MaxLength {
				b.Fail(buffer.ErrTooLarge)
				return nil
			}
			out := make([]string, 0, min(n, 1024))
			for i := uint64(0); i < n && b.Err() == nil; i++ {
				out = append(out, b.ReadString())
			}
			return out
		}))
	MustRegister(r.add(&entry{
		name: "list",
		typ:  reflect.TypeFor[[]any](),
		write: func(b *buffer.Buffer, v any) error {
			items := v.([]any)
			b.WriteUvarint(uint64(len(items)))
			for _, item := range items {
				if err := r.Write(b, item); err != nil {
					return err
				}
			}
			return b.Err()
		},
		read: func(b *buffer.Buffer) (any, error) {
			n := b.ReadUvarint()
			if err := b.Err(); err != nil {
				return nil, err
			}
			if n > buffer.MaxLength {
				return nil, buffer.ErrTooLarge
			}
			out := make([]any, 0, min(n, 1024))
			for i := uint64(0); i < n; i++ {
				item, err := r.Read(b)
				if err != nil {
					return nil, err
				}
				out = append(out, item)
			}
			return out, nil
		},
	}))
	MustRegister(r.add(&entry{
		name: "document",
		typ:  reflect.TypeFor[map[string]any](),
		write: func(b *buffer.Buffer, v any) error {
			doc := v.(map[string]any)
			b.WriteUvarint(uint64(len(doc)))
			for k, item := range doc {
				b.WriteString(k)
				if err := r.Write(b, item); err != nil {
					return err
				}
			}
			return b.Err()
		},
		read: func(b *buffer.Buffer) (any, error) {
			n := b.ReadUvarint()
			if err := b.Err(); err != nil {
				return nil, err
			}
			if n > buffer.MaxLength {
				return nil, buffer.ErrTooLarge
			}
			out := make(map[string]any, min(n, 1024))
			for i := uint64(0); i < n; i++ {
				k := b.ReadString()
				item, err := r.Read(b)
				if err != nil {
					return nil, err
				}
				out[k] = item
			}
			return out, b.Err()
		},
	}))
}

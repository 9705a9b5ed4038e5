// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/luxfi/fleetnet/buffer"
	"github.com/luxfi/fleetnet/codec"
	"github.com/luxfi/fleetnet/packet"
	"github.com/luxfi/fleetnet/registry"
)

var ErrDuplicateBinding = errors.New("rpc: method already bound")

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger
func WithHandlerLogger(log *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// Handler executes call chains arriving on packet.ChannelRPC.
type Handler struct {
	codecs *codec.Registry
	log    *zap.Logger

	mu       sync.RWMutex
	targets  map[string]any
	bindings map[bindingKey]Func
}

func NewHandler(codecs *codec.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		codecs:   codecs,
		log:      zap.NewNop(),
		targets:  make(map[string]any),
		bindings: make(map[bindingKey]Func),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register makes target the instance chains starting with typ run on.
func (h *Handler) Register(typ string, target any, bindings ...Binding) error {
	if target == nil {
		return fmt.Errorf("rpc: registering nil %s", typ)
	}
	if err := h.Bind(bindings...); err != nil {
		return err
	}
	h.mu.Lock()
	h.targets[typ] = target
	h.mu.Unlock()
	return nil
}

// Unregister removes the instance for typ. Its bindings stay, they still
// serve values of typ returned by other calls.
func (h *Handler) Unregister(typ string) {
	h.mu.Lock()
	delete(h.targets, typ)
	h.mu.Unlock()
}

// Bind adds method bindings.
func (h *Handler) Bind(bindings ...Binding) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range bindings {
		if _, found := h.bindings[b.key()]; found {
			return fmt.Errorf("%w: %s.%s/%d", ErrDuplicateBinding, b.Type, b.Method, b.Argc)
		}
	}
	for _, b := range bindings {
		h.bindings[b.key()] = b.Fn
	}
	return nil
}

// Handle runs the chain carried by p. When p expects an answer the result
// or the failure is sent back on p's correlation id.
func (h *Handler) Handle(src registry.Source, p *packet.Packet) error {
	calls, err := readChain(p.Payload, h.codecs)
	var result any
	frame := "chain"
	if err == nil {
		frame = calls[len(calls)-1].String()
		result, frame, err = h.Execute(context.Background(), calls)
	}
	if err != nil {
		h.log.Warn("call failed",
			zap.String("frame", frame),
			zap.String("remote", src.RemoteAddr()),
			zap.Error(err),
		)
	}
	if !p.HasID() {
		return err
	}

	b := buffer.New()
	if err == nil {
		if !calls[len(calls)-1].ExpectsResult {
			result = nil
		}
		if werr := writeResult(b, h.codecs, result); werr != nil {
			b.Release()
			b = buffer.New()
			err = werr
		}
	}
	if err != nil {
		writeFailure(b, remoteError(err, frame))
	}
	if serr := src.Send(p.Reply(b)); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// Execute runs calls and returns the last result. On failure it also names
// the call that failed.
func (h *Handler) Execute(ctx context.Context, calls []Call) (result any, frame string, err error) {
	if len(calls) == 0 {
		return nil, "chain", fmt.Errorf("%w: empty chain", ErrMalformedChain)
	}
	h.mu.RLock()
	target, found := h.targets[calls[0].Type]
	h.mu.RUnlock()
	if !found {
		return nil, calls[0].String(), fmt.Errorf("%w: %s", ErrUnknownTarget, calls[0].Type)
	}
	for i, c := range calls {
		if i > 0 && isNil(target) {
			return nil, c.String(), fmt.Errorf("%w: %s returned nil", ErrNilTarget, calls[i-1])
		}
		target, err = h.invoke(ctx, target, c)
		if err != nil {
			return nil, c.String(), err
		}
	}
	return target, calls[len(calls)-1].String(), nil
}

func (h *Handler) invoke(ctx context.Context, target any, c Call) (result any, err error) {
	h.mu.RLock()
	fn, found := h.bindings[bindingKey{c.Type, c.Method, len(c.Args)}]
	h.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, c)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, target, c.Args)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

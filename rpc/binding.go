// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"
)

// Func invokes one method on target with decoded arguments.
type Func func(ctx context.Context, target any, args []any) (any, error)

// Binding makes a method callable remotely.
type Binding struct {
	Type   string
	Method string
	Argc   int
	Fn     Func
}

type bindingKey struct {
	typ    string
	method string
	argc   int
}

func (b Binding) key() bindingKey { return bindingKey{b.Type, b.Method, b.Argc} }

func receiver[T any](target any) (T, error) {
	t, ok := target.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: target is %T, want %T", ErrUnknownTarget, target, zero)
	}
	return t, nil
}

func argument[A any](args []any, i int) (A, error) {
	var zero A
	if args[i] == nil {
		return zero, nil
	}
	a, ok := args[i].(A)
	if !ok {
		return zero, fmt.Errorf("%w: argument %d is %T, want %T", ErrBadArgument, i, args[i], zero)
	}
	return a, nil
}

// Bind0 binds a method without arguments.
func Bind0[T, R any](typ, method string, fn func(ctx context.Context, t T) (R, error)) Binding {
	return Binding{Type: typ, Method: method, Argc: 0, Fn: func(ctx context.Context, target any, _ []any) (any, error) {
		t, err := receiver[T](target)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t)
	}}
}

// Bind1 binds a method with one argument.
func Bind1[T, A, R any](typ, method string, fn func(ctx context.Context, t T, a A) (R, error)) Binding {
	return Binding{Type: typ, Method: method, Argc: 1, Fn: func(ctx context.Context, target any, args []any) (any, error) {
		t, err := receiver[T](target)
		if err != nil {
			return nil, err
		}
		a, err := argument[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t, a)
	}}
}

// Bind2 binds a method with two arguments.
func Bind2[T, A, B, R any](typ, method string, fn func(ctx context.Context, t T, a A, b B) (R, error)) Binding {
	return Binding{Type: typ, Method: method, Argc: 2, Fn: func(ctx context.Context, target any, args []any) (any, error) {
		t, err := receiver[T](target)
		if err != nil {
			return nil, err
		}
		a, err := argument[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argument[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, t, a, b)
	}}
}

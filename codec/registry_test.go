// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/luxfi/fleetnet/buffer"
)

type serviceInfo struct {
	Name    string   `msgpack:"n" json:"name"`
	Port    int      `msgpack:"p" json:"port"`
	Players []string `msgpack:"pl" json:"players"`
}

type motd struct {
	Text string `json:"text"`
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	values := []any{
		nil,
		true,
		int32(-3),
		int64(1 << 40),
		42,
		float32(0.25),
		2.5,
		"lobby",
		[]byte("raw"),
		id,
		[]string{"a", "b"},
		[]any{"x", 1, nil},
		map[string]any{"maxPlayers": 20, "static": false},
	}

	b := buffer.New()
	defer b.Release()
	for _, v := range values {
		if err := r.Write(b, v); err != nil {
			t.Fatalf("Write(%T): %v", v, err)
		}
	}
	for _, want := range values {
		got, err := r.Read(b)
		if err != nil {
			t.Fatalf("Read(%T): %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %#v, want %#v", got, want)
		}
	}
}

func TestStructCodecs(t *testing.T) {
	r := NewRegistry()
	MustRegister(RegisterMsgpack[serviceInfo](r, "service-info"))
	MustRegister(RegisterCodec[motd](r, "motd", JSON))

	in := serviceInfo{Name: "Lobby-1", Port: 25565, Players: []string{"alice"}}
	b := buffer.New()
	defer b.Release()
	if err := r.Write(b, in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write(b, motd{Text: "welcome"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out, err := Decode[serviceInfo](r, b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("got %+v, want %+v", out, in)
	}
	m, err := Decode[motd](r, b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Text != "welcome" {
		t.Errorf("got %q, want welcome", m.Text)
	}
}

func TestUnregistered(t *testing.T) {
	r := NewRegistry()
	b := buffer.New()
	defer b.Release()

	if err := r.Write(b, motd{}); !errors.Is(err, ErrUnregistered) {
		t.Fatalf("got %v, want ErrUnregistered", err)
	}

	b.WriteString("nope")
	if _, err := r.Read(b); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("got %v, want ErrUnknownTag", err)
	}
}

func TestDuplicateAndMismatch(t *testing.T) {
	r := NewRegistry()
	if err := RegisterMsgpack[serviceInfo](r, "string"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("got %v, want ErrDuplicate", err)
	}

	b := buffer.New()
	defer b.Release()
	_ = r.Write(b, "text")
	if _, err := Decode[int](r, b); !errors.Is(err, ErrMismatch) {
		t.Fatalf("got %v, want ErrMismatch", err)
	}
}

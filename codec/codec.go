// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns one structured value into a length prefixed byte field and
// back. RegisterCodec binds a Codec to a type name in a Registry.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

type (
	msgpackCodec struct{}
	jsonCodec    struct{}
)

func (msgpackCodec) Encode(v any) ([]byte, error)    { return msgpack.Marshal(v) }
func (msgpackCodec) Decode(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (jsonCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

var (
	// Msgpack encodes structs by their msgpack tags. RegisterMsgpack uses it.
	Msgpack Codec = msgpackCodec{}
	// JSON encodes values by their json tags, for payloads shared with the
	// admin endpoint or other JSON consumers.
	JSON Codec = jsonCodec{}
)

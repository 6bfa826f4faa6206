// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"encoding/json"
)

// Codec encodes and decodes messages, arguments and results
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

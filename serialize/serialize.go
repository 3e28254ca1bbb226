// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package serialize provides the payload serializers selectable by the
// codec id of a frame.
package serialize

// Serializer encodes and decodes request and response payloads.
type Serializer interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// Names of the built-in serializers.
const (
	JSON     = "json"
	Gob      = "gob"
	Msgpack  = "msgpack"
	Protobuf = "protobuf"
)

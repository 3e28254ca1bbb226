// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serialize

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackSerializer is a compact binary serializer.
type MsgpackSerializer struct{}

func (MsgpackSerializer) Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackSerializer) Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

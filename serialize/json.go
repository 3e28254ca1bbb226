// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serialize

import (
	"bytes"
	"encoding/json"
)

// JSONSerializer is a JSON-based serializer
type JSONSerializer struct{}

func (JSONSerializer) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Decode keeps numbers inside interface values as float64, like json.Unmarshal.
func (JSONSerializer) Decode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	return dec.Decode(v)
}

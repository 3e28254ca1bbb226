// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serialize

import (
	"bytes"
	"encoding/gob"
)

// GobSerializer encodes with encoding/gob. Concrete types carried inside
// interface values (parameters, results) must be registered with Register.
type GobSerializer struct{}

func (GobSerializer) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer) Decode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Register records a concrete type for transport inside interface values.
func Register(v interface{}) {
	gob.Register(v)
}

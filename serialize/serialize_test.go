// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package serialize

import (
	"reflect"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type point struct {
	Name string   `json:"name" msgpack:"name"`
	Tags []string `json:"tags" msgpack:"tags"`
}

func TestRoundTrip(t *testing.T) {
	for name, s := range map[string]Serializer{
		JSON:     JSONSerializer{},
		Gob:      GobSerializer{},
		Msgpack:  MsgpackSerializer{},
		Protobuf: ProtobufSerializer{},
	} {
		t.Run(name, func(t *testing.T) {
			in := point{Name: "p1", Tags: []string{"a", "b"}}
			data, err := s.Encode(in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var out point
			if err := s.Decode(data, &out); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(in, out) {
				t.Errorf("got %+v, want %+v", out, in)
			}
		})
	}
}

func TestProtobufMessagePassthrough(t *testing.T) {
	in, err := structpb.NewStruct(map[string]interface{}{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := ProtobufSerializer{}.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	var out structpb.Struct
	if err := (ProtobufSerializer{}).Decode(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Errorf("got %v", out.AsMap())
	}
}

func TestProtobufRejectsNonObject(t *testing.T) {
	if _, err := (ProtobufSerializer{}).Encode([]int{1}); err == nil {
		t.Error("expected error for non-object value")
	}
}

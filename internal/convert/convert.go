// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package convert turns generically decoded values (maps, float64 numbers,
// []interface{}) back into the concrete Go types a method expects.
package convert

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
)

// To returns v converted to t.
func To(v interface{}, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if t.Kind() == reflect.Interface && rv.Type().Implements(t) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(t) && sameKindFamily(rv.Kind(), t.Kind()) {
		return rv.Convert(t), nil
	}

	out := reflect.New(t)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out.Interface(),
		TagName:          "json",
		WeaklyTypedInput: true,
		Squash:           true,
	})
	if err != nil {
		return reflect.Value{}, err
	}
	if err := dec.Decode(v); err != nil {
		return reflect.Value{}, fmt.Errorf("convert %T to %s: %w", v, t, err)
	}
	return out.Elem(), nil
}

// Into stores v in the value pointed to by out.
func Into(v interface{}, out interface{}) error {
	ptr := reflect.ValueOf(out)
	if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
		return fmt.Errorf("convert: non-nil pointer required, got %T", out)
	}
	cv, err := To(v, ptr.Elem().Type())
	if err != nil {
		return err
	}
	ptr.Elem().Set(cv)
	return nil
}

func sameKindFamily(a, b reflect.Kind) bool {
	return kindFamily(a) != 0 && kindFamily(a) == kindFamily(b)
}

func kindFamily(k reflect.Kind) int {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return 1
	case reflect.String:
		return 2
	case reflect.Bool:
		return 3
	}
	return 0
}

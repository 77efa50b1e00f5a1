// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters from functions accepting typed values to
// the synapse.Callback and synapse.UpdateFunc types.
//
// Reply and update fields are decoded into a value of type T, which may be
// wire.Fields, a string slice of the values in order, or a struct. Struct
// fields are matched to field names by a "synapse" tag, or else by the name
// of the struct field:
//
//	type Level struct {
//	   State string  `synapse:"state"`
//	   Volts float64 `synapse:"v,required"`
//	   Raw   []byte  `synapse:"-"`
//	}
//
// A struct field may be a string, []byte, bool, integer, floating-point, or
// time.Duration value, or a type whose pointer implements the
// encoding.TextUnmarshaler interface. A name absent from the input leaves its
// field unchanged, unless it is marked required.
package handler

import (
	"encoding"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creachadair/synapse"
	"github.com/creachadair/synapse/wire"
)

// ErrMissing is reported when a required field is absent.
var ErrMissing = errors.New("required field is missing")

// Result adapts a function f receiving a decoded reply of type T to a
// synapse.Callback. The error passed to f is the error of the call, or else
// an error decoding the reply. A silent command reports the zero T.
func Result[T any](f func(T, error)) synapse.Callback {
	return func(rsp *synapse.Response, err error) {
		var v T
		if err == nil && rsp != nil {
			err = decodeInto(rsp.Fields, rsp.Raw, &v)
		}
		f(v, err)
	}
}

// Update adapts a function f receiving a decoded update of type T to a
// synapse.UpdateFunc. The error passed to f reports a failure to decode the
// update fields.
func Update[T any](f func(T, error)) synapse.UpdateFunc {
	return func(data wire.Fields, raw string) {
		var v T
		err := decodeInto(data, raw, &v)
		f(v, err)
	}
}

// Decode decodes fields into v, which must be a non-nil pointer to a struct.
func Decode(fields wire.Fields, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("cannot decode into %T", v)
	}
	return decodeStruct(fields, rv.Elem())
}

// decodeInto decodes a message into v, a pointer to a value of any of the
// types supported by Result and Update.
func decodeInto(fields wire.Fields, raw string, v any) error {
	switch t := v.(type) {
	case *wire.Fields:
		*t = fields
		return nil
	case *[]string:
		*t = wire.Parse(raw).Values
		return nil
	case *string:
		*t = raw
		return nil
	}
	return Decode(fields, v)
}

var (
	textUnmarshaler = reflect.TypeFor[encoding.TextUnmarshaler]()
	durationType    = reflect.TypeFor[time.Duration]()
)

func decodeStruct(fields wire.Fields, sv reflect.Value) error {
	st := sv.Type()
	for i := range st.NumField() {
		sf := st.Field(i)
		if !sf.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(sf.Tag.Get("synapse"), ",")
		if name == "-" {
			continue
		} else if name == "" {
			name = sf.Name
		}
		text, ok := fields.Get(name)
		if !ok {
			if opts == "required" {
				return fmt.Errorf("field %q: %w", name, ErrMissing)
			}
			continue
		}
		if err := setField(sv.Field(i), text); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, text string) error {
	if fv.CanAddr() && fv.Addr().Type().Implements(textUnmarshaler) {
		return fv.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(text))
	}
	if fv.Type() == durationType {
		d, err := parseDuration(text)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(text)
	case reflect.Bool:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(text, 0, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(text, 0, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(text, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("unsupported type %v", fv.Type())
		}
		fv.SetBytes([]byte(text))
	case reflect.Pointer:
		nv := reflect.New(fv.Type().Elem())
		if err := setField(nv.Elem(), text); err != nil {
			return err
		}
		fv.Set(nv)
	default:
		return fmt.Errorf("unsupported type %v", fv.Type())
	}
	return nil
}

// parseDuration parses text as a duration string, or as a bare number of
// milliseconds as devices commonly report.
func parseDuration(text string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(text)
}

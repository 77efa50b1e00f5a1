// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package wire implements the textual message format exchanged with a device.
//
// A message is a sequence of comma-separated ASCII fields followed by a
// terminator. Outbound calls have the form
//
//	identifier[,token],arg,arg,...;
//
// where the token is present only for calls that expect a reply. Inbound
// messages have the form
//
//	key,value,value,...
//
// where key is either an echoed token (a reply) or a device-chosen identifier
// (a push). This package does not interpret the key; see [Parse].
package wire

import (
	"cmp"
	"encoding"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/creachadair/mds/value"
)

// DefaultTerminator is the message terminator used when none is specified.
const DefaultTerminator = ";"

// Separator is the field separator.
const Separator = ','

// ErrBadField is reported for a field whose text would corrupt the framing of
// a message, because it contains the field separator or the terminator.
var ErrBadField = errors.New("invalid field text")

// A Builder accumulates fields into a message. The zero value is ready for use
// as an empty builder using [DefaultTerminator].
type Builder struct {
	Term string // message terminator; "" means DefaultTerminator

	buf []byte
	n   int // number of fields added
}

func (b *Builder) term() string { return cmp.Or(b.Term, DefaultTerminator) }

// Field appends a field with the given text to b. It reports [ErrBadField] if
// s contains the separator or the terminator.
func (b *Builder) Field(s string) error {
	if strings.IndexByte(s, Separator) >= 0 || strings.Contains(s, b.term()) {
		return fmt.Errorf("%w: %q", ErrBadField, s)
	}
	b.put(s)
	return nil
}

func (b *Builder) put(s string) {
	if b.n > 0 {
		b.buf = append(b.buf, Separator)
	}
	b.buf = append(b.buf, s...)
	b.n++
}

// Uint appends an unsigned decimal field to b.
func (b *Builder) Uint(v uint64) { b.put(strconv.FormatUint(v, 10)) }

// Value appends the text form of v to b, as rendered by [Text].
func (b *Builder) Value(v any) error { return b.Field(Text(v)) }

// Terminate appends the terminator to b. The builder should not be given more
// fields after it is terminated, until it is reset.
func (b *Builder) Terminate() { b.buf = append(b.buf, b.term()...) }

// Len reports the number of bytes currently in the buffer.
func (b *Builder) Len() int { return len(b.buf) }

// NumFields reports the number of fields added to b.
func (b *Builder) NumFields() int { return b.n }

// Bytes reports the current contents of the buffer. The builder retains
// ownership of the reported slice, and the caller must not retain or modify
// its contents unless b will no longer be accessed.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset discards the contents of b and leaves it empty.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.n = 0
}

// Encode encodes an outbound call for the command with the given identifier.
// If token == "" the call is encoded without a token, as for a silent command.
// Each argument is rendered as by [Text]. The result includes the terminator
// term, or [DefaultTerminator] if term == "".
func Encode(term string, id uint32, token string, args ...any) ([]byte, error) {
	b := Builder{Term: term}
	b.Uint(uint64(id))
	if token != "" {
		if err := b.Field(token); err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
	}
	for i, arg := range args {
		if err := b.Value(arg); err != nil {
			return nil, fmt.Errorf("arg %d: %w", i+1, err)
		}
	}
	b.Terminate()
	return b.Bytes(), nil
}

// Text renders v as the text of a single field.
//
// Strings and byte slices are used verbatim. Booleans are "true" or "false".
// Integers are decimal, and floating-point values use the shortest form that
// round-trips. Values implementing [encoding.TextMarshaler] or [fmt.Stringer]
// use those methods (in that order of preference); anything else is formatted
// with [fmt.Sprint].
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case bool:
		return value.Cond(t, "true", "false")
	case int:
		return strconv.Itoa(t)
	case int8:
		return strconv.FormatInt(int64(t), 10)
	case int16:
		return strconv.FormatInt(int64(t), 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint8:
		return strconv.FormatUint(uint64(t), 10)
	case uint16:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case encoding.TextMarshaler:
		if text, err := t.MarshalText(); err == nil {
			return string(text)
		}
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"bufio"
	"bytes"
	"cmp"
	"strings"
)

// A Message is the parsed form of an inbound message.
type Message struct {
	Key    string   // the routing key (a reply token or a push identifier)
	Values []string // the remaining fields, in order
}

// Parse splits an already-framed inbound message into its routing key and
// value fields. Line endings surrounding the message are discarded, since many
// devices terminate their output with CR/LF in addition to the terminator.
// Parse does not interpret the key.
func Parse[Str ~string | ~[]byte](msg Str) Message {
	s := strings.Trim(string(msg), "\r\n")
	key, rest, ok := strings.Cut(s, string(Separator))
	if !ok {
		return Message{Key: key}
	}
	return Message{Key: key, Values: strings.Split(rest, string(Separator))}
}

// Assign maps the values of m onto the given field names by position.
func (m Message) Assign(returns []string) Fields { return Assign(returns, m.Values) }

// Fields maps return names to the text of their values.
type Fields map[string]string

// Get reports the value of the named field and whether it was present.
func (f Fields) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

// Assign pairs names with values by position. Values beyond len(names) are
// dropped. Names beyond len(values) are not assigned at all, so the absence of
// a value is observable with [Fields.Get]. The result is never nil.
func Assign(names, values []string) Fields {
	n := min(len(names), len(values))
	out := make(Fields, n)
	for i := range n {
		out[names[i]] = values[i]
	}
	return out
}

// SplitFunc returns a [bufio.SplitFunc] that splits a byte stream into messages
// delimited by term, or [DefaultTerminator] if term == "". The terminator is
// not included in the resulting tokens. Unterminated data at the end of the
// input is reported as a final message.
func SplitFunc(term string) bufio.SplitFunc {
	sep := []byte(cmp.Or(term, DefaultTerminator))
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil // request more data
	}
}

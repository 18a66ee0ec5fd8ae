// Package corrid encodes and decodes the correlation ids this system hands
// to the chat platform as component identifiers. The platform returns them
// verbatim on follow-up interactions; decoding routes the interaction back
// to the owning command's sub-handler.
//
// Wire form: "v1|audience|command|handler[|extra...]". The version tag is
// fixed so a future layout change cannot be mistaken for field data.
package corrid

import (
	"fmt"
	"strings"
)

const (
	version   = "v1"
	separator = "|"

	// minFields is version, audience, command, handler.
	minFields = 4
)

// ID is a decoded correlation id.
type ID struct {
	Audience string
	Command  string
	Handler  string
	// Extra carries optional positional arguments (e.g. an order id).
	Extra []string
}

// Encode builds the wire form. Field values must not contain the separator.
func Encode(audience, command, handler string, extra ...string) (string, error) {
	fields := append([]string{version, audience, command, handler}, extra...)
	for i, f := range fields {
		if f == "" {
			return "", fmt.Errorf("correlation id field %d is empty", i)
		}
		if strings.Contains(f, separator) {
			return "", fmt.Errorf("correlation id field %q contains separator", f)
		}
	}
	return strings.Join(fields, separator), nil
}

// MustEncode is Encode for call sites with compile-time-known fields.
func MustEncode(audience, command, handler string, extra ...string) string {
	id, err := Encode(audience, command, handler, extra...)
	if err != nil {
		panic(err)
	}
	return id
}

// Decode validates and parses a wire-form correlation id.
func Decode(raw string) (ID, error) {
	fields := strings.Split(raw, separator)
	if len(fields) < minFields {
		return ID{}, fmt.Errorf("correlation id %q: want at least %d fields, got %d", raw, minFields, len(fields))
	}
	if fields[0] != version {
		return ID{}, fmt.Errorf("correlation id %q: unsupported version %q", raw, fields[0])
	}
	for i, f := range fields[:minFields] {
		if f == "" {
			return ID{}, fmt.Errorf("correlation id %q: field %d is empty", raw, i)
		}
	}
	id := ID{
		Audience: fields[1],
		Command:  fields[2],
		Handler:  fields[3],
	}
	if len(fields) > minFields {
		id.Extra = fields[minFields:]
	}
	return id, nil
}

// String re-encodes the id. Decode(id.String()) round-trips.
func (id ID) String() string {
	return MustEncode(id.Audience, id.Command, id.Handler, id.Extra...)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys,
// shortest integer forms, no indefinite-length items. The same control
// payload always yields the same bytes.
var encMode = mustEncMode()

// Decoding accepts standard CBOR and ignores unknown struct fields, so
// a payload written by a newer peer decodes cleanly on an older one.
var decMode = mustDecMode()

func mustEncMode() cbor.EncMode {
	options := cbor.CoreDetEncOptions()
	// Text-marshaling types encode through MarshalText instead of
	// falling back to an empty map of their unexported fields.
	options.TextMarshaler = cbor.TextMarshalerTextString
	mode, err := options.EncMode()
	if err != nil {
		panic("codec: encoder setup: " + err.Error())
	}
	return mode
}

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: decoder setup: " + err.Error())
	}
	return mode
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose renders data in CBOR diagnostic notation (RFC 8949 §8).
// Debug logging uses it when a control payload fails to decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

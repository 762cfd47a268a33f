// Package vclone provides the value serialization used for stored records:
// a canonical CBOR encoding compressed with snappy, plus a deep clone built
// from an encode/decode round trip.
//
// CBOR is the single canonical format; there is no secondary fallback codec
// on the read path. Anything CBOR cannot represent (functions, channels,
// cyclic values) is simply not cloneable.
package vclone

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/golang/snappy"
	"github.com/ugorji/go/codec"
)

// ErrNotCloneable reports a value outside the cloneable domain. Callers
// surface it as DataCloneError.
var ErrNotCloneable = errors.New("value is not cloneable")

var cborHandle = newHandle()

func newHandle() *codec.CborHandle {
	h := &codec.CborHandle{}
	h.Canonical = true
	// Objects decode as map[string]any so key-path evaluation sees the same
	// shape that was stored.
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

// Serialize encodes a value to its stored byte form.
func Serialize(v any) ([]byte, error) {
	var raw []byte
	enc := codec.NewEncoderBytes(&raw, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCloneable, err)
	}
	return snappy.Encode(nil, raw), nil
}

// Deserialize decodes bytes produced by Serialize.
func Deserialize(b []byte) (any, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("decompress value: %w", err)
	}
	var v any
	dec := codec.NewDecoderBytes(raw, cborHandle)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// Clone deep-copies a value through the codec, without touching storage.
// A failed clone means the value is not structured-cloneable.
func Clone(v any) (any, error) {
	var raw []byte
	enc := codec.NewEncoderBytes(&raw, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCloneable, err)
	}
	var out any
	dec := codec.NewDecoderBytes(raw, cborHandle)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCloneable, err)
	}
	return out, nil
}

// Package cborcanon provides canonical CBOR encoding for membership events,
// votes, challenges and snapshots. Every honest node must derive identical
// bytes, and therefore identical digests, from the same logical value.
package cborcanon

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"lukechampine.com/blake3"
)

// DigestSize is the size of a content digest in bytes
const DigestSize = 32

// Digest identifies a value by the BLAKE3 hash of its canonical encoding
type Digest [DigestSize]byte

// IsZero returns true if the digest is unset
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex form of the first bytes of the digest
func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:6])
}

// encMode sorts map keys, uses the smallest integer encoding and forbids
// indefinite-length items (RFC 8949 §4.2 core deterministic encoding)
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]interface{} and rejects
// duplicate keys so a peer cannot smuggle two values for one field
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR format
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// MustMarshal is Marshal for values whose encoding cannot fail
func MustMarshal(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("canonical CBOR marshal failed: %v", err))
	}
	return data
}

// DigestOf returns the digest of v's canonical encoding
func DigestOf(v interface{}) (Digest, error) {
	data, err := Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to encode for digest: %w", err)
	}
	return Digest(blake3.Sum256(data)), nil
}

// CanonicalBytes ensures the input bytes represent canonical CBOR
// by unmarshaling and re-marshaling in canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}

// Package wire implements the vault message envelope. Every message travels in
// a canonical CBOR frame signed with the sender's Ed25519 key; the frame body
// is a tagged variant selected by the frame kind.
package wire

import (
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/fxamacker/cbor/v2"
)

// Frame represents the common structure for all vault protocol messages
type Frame struct {
	V    uint16          `cbor:"v"`    // Protocol version
	Kind uint16          `cbor:"kind"` // Message kind
	From string          `cbor:"from"` // Sender identity, carries the public key
	Seq  uint64          `cbor:"seq"`  // Sender-local sequence number
	TS   uint64          `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body cbor.RawMessage `cbor:"body"` // Kind-specific CBOR payload
	Sig  []byte          `cbor:"sig"`  // Ed25519 signature over the frame with an empty sig
}

// NewFrame encodes msg into a frame and signs it with the sender identity
func NewFrame(sender *identity.Identity, seq uint64, now time.Time, msg Message) (*Frame, error) {
	body, err := cborcanon.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", msg, err)
	}

	f := &Frame{
		V:    constants.ProtocolVersion,
		Kind: msg.Kind(),
		From: sender.ID(),
		Seq:  seq,
		TS:   uint64(now.UnixMilli()),
		Body: body,
	}

	sigData, err := f.signingBytes()
	if err != nil {
		return nil, err
	}
	f.Sig = sender.Sign(sigData)
	return f, nil
}

// signingBytes encodes the frame without its signature
func (f *Frame) signingBytes() ([]byte, error) {
	unsigned := *f
	unsigned.Sig = nil
	data, err := cborcanon.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame for signing: %w", err)
	}
	return data, nil
}

// Verify verifies the frame signature against the key embedded in From
func (f *Frame) Verify() error {
	if len(f.Sig) == 0 {
		return ErrInvalidSignature("frame has no signature")
	}

	pub, err := identity.ParseID(f.From)
	if err != nil {
		return ErrInvalidSignature(err.Error())
	}

	sigData, err := f.signingBytes()
	if err != nil {
		return err
	}

	if !identity.Verify(pub, sigData, f.Sig) {
		return ErrInvalidSignature("signature verification failed")
	}

	return nil
}

// Validate performs basic validation on the frame
func (f *Frame) Validate(now time.Time) error {
	if f.V != constants.ProtocolVersion {
		return ErrVersionMismatch(constants.ProtocolVersion, f.V)
	}

	if f.From == "" {
		return ErrInvalidSignature("missing sender identity")
	}

	if len(f.Sig) == 0 {
		return ErrInvalidSignature("missing signature")
	}

	// Check timestamp is reasonable (within max clock skew)
	nowMS := uint64(now.UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())

	if f.TS > nowMS+maxSkew {
		return NewError(constants.ErrorMalformed, "timestamp too far in future")
	}

	if nowMS > f.TS+maxSkew {
		return NewError(constants.ErrorMalformed, "timestamp too far in past")
	}

	return nil
}

// Marshal encodes the frame to canonical CBOR
func (f *Frame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// UnmarshalFrame decodes CBOR data into a frame
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := cborcanon.Unmarshal(data, &f); err != nil {
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("invalid frame: %v", err))
	}
	return &f, nil
}

// SenderName returns the XOR-space name of the frame's sender
func (f *Frame) SenderName() (xorname.Name, error) {
	pub, err := identity.ParseID(f.From)
	if err != nil {
		return xorname.Name{}, err
	}
	return identity.ClientName(pub), nil
}

// GetTimestamp returns the frame timestamp as a time.Time
func (f *Frame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

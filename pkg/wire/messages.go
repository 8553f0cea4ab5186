package wire

import (
	"fmt"

	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
)

// Message is the tagged variant carried in a frame body
type Message interface {
	Kind() uint16
}

// Role distinguishes prospective section members from clients
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleNode
)

// ConnectRequest is the first message a peer sends to a vault
type ConnectRequest struct {
	Role            Role     `cbor:"role"`
	Network         string   `cbor:"network"`
	Endpoint        string   `cbor:"endpoint"`
	KeyAgreementKey [32]byte `cbor:"ka"`
}

// Challenge carries a resource proof puzzle to a joining candidate
type Challenge struct {
	Seed       []byte       `cbor:"seed"`
	Difficulty uint8        `cbor:"difficulty"`
	Candidate  xorname.Name `cbor:"candidate"`
	IssuedAt   uint64       `cbor:"issued_at"` // ms since Unix epoch
	Deadline   uint64       `cbor:"deadline"`  // ms since Unix epoch
	// UtilizationPermille advertises how full the section is
	UtilizationPermille uint16 `cbor:"utilization"`
}

// ProofResponse answers a challenge
type ProofResponse struct {
	Seed  []byte `cbor:"seed"`
	Nonce uint64 `cbor:"nonce"`
}

// ConnectResponse reports the admission outcome to a peer
type ConnectResponse struct {
	Accepted bool           `cbor:"accepted"`
	Prefix   xorname.Prefix `cbor:"prefix"`
	Seq      uint64         `cbor:"seq"`
	Error    *Error         `cbor:"error,omitempty"`

	// Relocation is set when the section sent the candidate elsewhere
	Relocation *Relocation `cbor:"relocation,omitempty"`
}

// Relocation tells a candidate which section to join instead and whom to
// ask there. The candidate needs a name under Target to be admitted.
type Relocation struct {
	Target   xorname.Prefix `cbor:"target"`
	Contacts []string       `cbor:"contacts"`
}

// Proposal asks section members to vote on an event
type Proposal struct {
	Round uint64           `cbor:"round"`
	Event membership.Event `cbor:"event"`
}

// Vote is a member's signed endorsement of one event digest at one
// (prefix, seq, round) slot. The signature is detachable so a set of votes
// forms a quorum certificate.
type Vote struct {
	Prefix xorname.Prefix   `cbor:"prefix"`
	Seq    uint64           `cbor:"seq"`
	Round  uint64           `cbor:"round"`
	Digest cborcanon.Digest `cbor:"digest"`
	Voter  string           `cbor:"voter"`
	Sig    []byte           `cbor:"sig"`
}

// VotePayload is the part of a vote covered by its signature
type VotePayload struct {
	Network string           `cbor:"network"`
	Prefix  xorname.Prefix   `cbor:"prefix"`
	Seq     uint64           `cbor:"seq"`
	Round   uint64           `cbor:"round"`
	Digest  cborcanon.Digest `cbor:"digest"`
}

// SnapshotRequest asks a peer for a checkpoint of a section
type SnapshotRequest struct {
	Prefix  xorname.Prefix `cbor:"prefix"`
	FromSeq uint64         `cbor:"from_seq"`
}

// Snapshot carries a compressed membership snapshot
type Snapshot struct {
	Prefix xorname.Prefix `cbor:"prefix"`
	Seq    uint64         `cbor:"seq"`
	Data   []byte         `cbor:"data"`
}

// Heartbeat is exchanged between section members for liveness and so a
// lagging member notices it is behind
type Heartbeat struct {
	Prefix xorname.Prefix `cbor:"prefix"`
	Seq    uint64         `cbor:"seq"`
}

func (*ConnectRequest) Kind() uint16  { return constants.KindConnectRequest }
func (*Challenge) Kind() uint16       { return constants.KindChallenge }
func (*ProofResponse) Kind() uint16   { return constants.KindProofResponse }
func (*ConnectResponse) Kind() uint16 { return constants.KindConnectResponse }
func (*Proposal) Kind() uint16        { return constants.KindProposal }
func (*Vote) Kind() uint16            { return constants.KindVote }
func (*SnapshotRequest) Kind() uint16 { return constants.KindSnapshotRequest }
func (*Snapshot) Kind() uint16        { return constants.KindSnapshot }
func (*Heartbeat) Kind() uint16       { return constants.KindHeartbeat }
func (*Error) Kind() uint16           { return constants.KindError }

// Decode decodes the frame body into the message type selected by its kind
func (f *Frame) Decode() (Message, error) {
	var msg Message
	switch f.Kind {
	case constants.KindError:
		msg = &Error{}
	case constants.KindConnectRequest:
		msg = &ConnectRequest{}
	case constants.KindChallenge:
		msg = &Challenge{}
	case constants.KindProofResponse:
		msg = &ProofResponse{}
	case constants.KindConnectResponse:
		msg = &ConnectResponse{}
	case constants.KindProposal:
		msg = &Proposal{}
	case constants.KindVote:
		msg = &Vote{}
	case constants.KindSnapshotRequest:
		msg = &SnapshotRequest{}
	case constants.KindSnapshot:
		msg = &Snapshot{}
	case constants.KindHeartbeat:
		msg = &Heartbeat{}
	default:
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("unsupported message kind: %d", f.Kind))
	}

	if err := cborcanon.Unmarshal(f.Body, msg); err != nil {
		return nil, NewError(constants.ErrorMalformed, fmt.Sprintf("invalid %T body: %v", msg, err))
	}
	return msg, nil
}

// SigningBytes returns the canonical encoding covered by a vote signature
func (p VotePayload) SigningBytes() []byte {
	return cborcanon.MustMarshal(p)
}

// Payload extracts the signed part of a vote for the given network
func (v *Vote) Payload(network string) VotePayload {
	return VotePayload{
		Network: network,
		Prefix:  v.Prefix,
		Seq:     v.Seq,
		Round:   v.Round,
		Digest:  v.Digest,
	}
}

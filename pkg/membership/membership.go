// Package membership defines the section membership data model shared by the
// store, the consensus coordinator and the wire protocol: members, the
// append-only event log entries and immutable views of a section.
package membership

import (
	"fmt"
	"sort"

	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
)

// Member is a section member as recorded in the store
type Member struct {
	// ID is the textual identity and carries the member's public key
	ID   string       `cbor:"id" json:"id"`
	Name xorname.Name `cbor:"name" json:"name"`

	// JoinEpoch is the sequence number of the event that accepted the member
	JoinEpoch uint64 `cbor:"join_epoch" json:"join_epoch"`

	// Endpoint is a reachability hint, not an authority
	Endpoint string `cbor:"endpoint" json:"endpoint"`

	// KeyAgreementKey is the member's X25519 key for peer channels
	KeyAgreementKey [32]byte `cbor:"ka" json:"-"`
}

// EventKind tags a membership event
type EventKind uint8

const (
	EventCandidateJoinRequested EventKind = iota + 1
	EventCandidateAccepted
	EventMemberLost
	EventMemberRelocated
	EventSectionSplit
	EventSectionMerge
)

// String returns the string representation of the event kind
func (k EventKind) String() string {
	switch k {
	case EventCandidateJoinRequested:
		return "candidate_join_requested"
	case EventCandidateAccepted:
		return "candidate_accepted"
	case EventMemberLost:
		return "member_lost"
	case EventMemberRelocated:
		return "member_relocated"
	case EventSectionSplit:
		return "section_split"
	case EventSectionMerge:
		return "section_merge"
	default:
		return "unknown"
	}
}

// Merge carries what a section needs to absorb its sibling: the sibling's
// members and the watermark the merged section starts from.
type Merge struct {
	Sibling   xorname.Prefix `cbor:"sibling"`
	Members   []Member       `cbor:"members"`
	MergedSeq uint64         `cbor:"merged_seq"`
}

// Event is one entry of a section's membership log. Events are created by the
// consensus coordinator once agreed and never mutated afterwards.
type Event struct {
	Seq    uint64         `cbor:"seq"`
	Kind   EventKind      `cbor:"kind"`
	Prefix xorname.Prefix `cbor:"prefix"` // section the event belongs to

	Member *Member        `cbor:"member,omitempty"` // subject of join/accept/lost/relocate
	Target xorname.Prefix `cbor:"target"`           // relocation destination
	Reason string         `cbor:"reason,omitempty"` // why a member was lost
	Merge  *Merge         `cbor:"merge,omitempty"`  // merge payload, also used to drop a last member
}

// Validate checks that the kind-specific fields are present
func (e *Event) Validate() error {
	if e.Seq == 0 {
		return fmt.Errorf("event has no sequence number")
	}
	switch e.Kind {
	case EventCandidateJoinRequested, EventCandidateAccepted, EventMemberLost:
		if e.Member == nil {
			return fmt.Errorf("%s event has no member", e.Kind)
		}
	case EventMemberRelocated:
		if e.Member == nil {
			return fmt.Errorf("%s event has no member", e.Kind)
		}
		if e.Target.IsCompatible(e.Prefix) {
			return fmt.Errorf("relocation target %s overlaps section %s", e.Target.Display(), e.Prefix.Display())
		}
	case EventSectionSplit:
		if e.Prefix.Len >= xorname.Bits {
			return fmt.Errorf("section %s cannot split further", e.Prefix.Display())
		}
	case EventSectionMerge:
		if e.Merge == nil {
			return fmt.Errorf("merge event has no merge payload")
		}
		if e.Prefix.Len == 0 {
			return fmt.Errorf("root section cannot merge")
		}
		if !e.Merge.Sibling.Equal(e.Prefix.Sibling()) {
			return fmt.Errorf("merge partner %s is not the sibling of %s", e.Merge.Sibling.Display(), e.Prefix.Display())
		}
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
	if e.Merge != nil {
		for _, m := range e.Merge.Members {
			if !e.Merge.Sibling.Matches(m.Name) {
				return fmt.Errorf("merge member %s outside sibling %s", m.Name.Short(), e.Merge.Sibling.Display())
			}
		}
	}
	return nil
}

// Digest identifies the event content. Votes sign this digest.
func (e *Event) Digest() (cborcanon.Digest, error) {
	return cborcanon.DigestOf(e)
}

// String returns a compact description for logs
func (e *Event) String() string {
	if e.Member != nil {
		return fmt.Sprintf("%s#%d%s[%s]", e.Kind, e.Seq, e.Prefix.Display(), e.Member.Name.Short())
	}
	return fmt.Sprintf("%s#%d%s", e.Kind, e.Seq, e.Prefix.Display())
}

// View is an immutable snapshot of a section as seen by one node
type View struct {
	Prefix  xorname.Prefix `cbor:"prefix" json:"prefix"`
	Seq     uint64         `cbor:"seq" json:"seq"`
	Members []Member       `cbor:"members" json:"members"` // sorted by name
	Pending []Member       `cbor:"pending" json:"pending"` // candidates awaiting acceptance, sorted by name
}

// Size returns the number of members
func (v *View) Size() int {
	return len(v.Members)
}

// Contains reports whether the name belongs to a current member
func (v *View) Contains(name xorname.Name) bool {
	_, ok := v.Member(name)
	return ok
}

// Member looks up a member by name
func (v *View) Member(name xorname.Name) (Member, bool) {
	i := sort.Search(len(v.Members), func(i int) bool {
		return !v.Members[i].Name.Less(name)
	})
	if i < len(v.Members) && v.Members[i].Name == name {
		return v.Members[i], true
	}
	return Member{}, false
}

// MemberByID looks up a member by textual identity
func (v *View) MemberByID(id string) (Member, bool) {
	for _, m := range v.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Names returns the member names in order
func (v *View) Names() []xorname.Name {
	names := make([]xorname.Name, len(v.Members))
	for i, m := range v.Members {
		names[i] = m.Name
	}
	return names
}

// Snapshot is a checkpoint of a section used for resynchronization
type Snapshot struct {
	View View `cbor:"view"`
}

// SortMembers orders members by name
func SortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		return members[i].Name.Less(members[j].Name)
	})
}

// CloneMembers returns a sorted copy of members
func CloneMembers(members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	SortMembers(out)
	return out
}

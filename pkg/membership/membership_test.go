package membership

import (
	"testing"

	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(seed string) Member {
	return Member{ID: seed, Name: xorname.FromBytes([]byte(seed))}
}

// memberIn returns a member whose name falls under prefix
func memberIn(t *testing.T, prefix xorname.Prefix) Member {
	t.Helper()
	for i := 0; i < 1000; i++ {
		m := member(string(rune('a' + i%26)) + string(rune('0'+i/26)))
		if prefix.Matches(m.Name) {
			return m
		}
	}
	t.Fatalf("no member found under %s", prefix.Display())
	return Member{}
}

func TestEventValidate(t *testing.T) {
	m := member("alice")
	zero, one := xorname.MustParsePrefix("0"), xorname.MustParsePrefix("1")

	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"join", Event{Seq: 1, Kind: EventCandidateJoinRequested, Member: &m}, false},
		{"no seq", Event{Kind: EventCandidateAccepted, Member: &m}, true},
		{"no member", Event{Seq: 1, Kind: EventMemberLost}, true},
		{"split", Event{Seq: 1, Kind: EventSectionSplit}, false},
		{"relocate into own section", Event{Seq: 1, Kind: EventMemberRelocated, Prefix: zero, Target: xorname.MustParsePrefix("01"), Member: &m}, true},
		{"relocate", Event{Seq: 1, Kind: EventMemberRelocated, Prefix: zero, Target: one, Member: &m}, false},
		{"merge without payload", Event{Seq: 1, Kind: EventSectionMerge, Prefix: zero}, true},
		{"merge root", Event{Seq: 1, Kind: EventSectionMerge, Merge: &Merge{}}, true},
		{"merge with non-sibling", Event{Seq: 1, Kind: EventSectionMerge, Prefix: zero, Merge: &Merge{Sibling: xorname.MustParsePrefix("11")}}, true},
		{"merge", Event{Seq: 1, Kind: EventSectionMerge, Prefix: zero, Merge: &Merge{Sibling: one, MergedSeq: 2}}, false},
		{"unknown kind", Event{Seq: 1, Kind: EventKind(99)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEventValidate_MergeMembersOutsideSibling(t *testing.T) {
	zero, one := xorname.MustParsePrefix("0"), xorname.MustParsePrefix("1")
	ev := Event{Seq: 1, Kind: EventSectionMerge, Prefix: zero, Merge: &Merge{
		Sibling: one,
		Members: []Member{memberIn(t, zero)},
	}}
	assert.Error(t, ev.Validate())

	ev.Merge.Members = []Member{memberIn(t, one)}
	assert.NoError(t, ev.Validate())
}

func TestEventDigest(t *testing.T) {
	m := member("alice")
	a := Event{Seq: 3, Kind: EventCandidateAccepted, Member: &m}
	b := Event{Seq: 3, Kind: EventCandidateAccepted, Member: &m}

	da, err := a.Digest()
	require.NoError(t, err)
	db, err := b.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)

	b.Kind = EventMemberLost
	db, err = b.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestViewLookup(t *testing.T) {
	members := CloneMembers([]Member{member("c"), member("a"), member("b")})
	v := &View{Members: members}

	assert.Equal(t, 3, v.Size())
	for _, m := range members {
		assert.True(t, v.Contains(m.Name))
		got, ok := v.MemberByID(m.ID)
		require.True(t, ok)
		assert.Equal(t, m, got)
	}
	assert.False(t, v.Contains(member("d").Name))

	names := v.Names()
	for i := 1; i < len(names); i++ {
		assert.True(t, names[i-1].Less(names[i]))
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "section_split", EventSectionSplit.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}

package section

import (
	"sync"
	"testing"

	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(members []membership.Member) []xorname.Name {
	out := make([]xorname.Name, len(members))
	for i, m := range members {
		out[i] = m.Name
	}
	return out
}

func TestMap_SplitScenario(t *testing.T) {
	const minSectionSize = 4
	p := xorname.MustParsePrefix("1")
	members := append(
		membersUnder(p.Pushed(false), minSectionSize+1, "zero"),
		membersUnder(p.Pushed(true), minSectionSize, "one")...,
	)
	require.Len(t, members, 2*minSectionSize+1)

	m, err := NewMap(&MapConfig{},
		membership.View{Prefix: xorname.MustParsePrefix("0"), Seq: 3, Members: membersUnder(xorname.MustParsePrefix("0"), 2, "left")},
		membership.View{Prefix: p, Seq: 9, Members: members},
	)
	require.NoError(t, err)
	require.True(t, m.IsPartition())

	res, err := m.Apply(membership.Event{Seq: 10, Kind: membership.EventSectionSplit, Prefix: p})
	require.NoError(t, err)
	require.Len(t, res.Spawned, 1)

	assert.Equal(t, []xorname.Prefix{
		xorname.MustParsePrefix("0"),
		xorname.MustParsePrefix("10"),
		xorname.MustParsePrefix("11"),
	}, m.Prefixes())
	assert.True(t, m.IsPartition())

	zero := m.Get(xorname.MustParsePrefix("10")).CurrentView()
	one := m.Get(xorname.MustParsePrefix("11")).CurrentView()
	for _, mem := range zero.Members {
		assert.False(t, mem.Name.Bit(1))
	}
	for _, mem := range one.Members {
		assert.True(t, mem.Name.Bit(1))
	}
	assert.Equal(t, uint64(10), zero.Seq)
	assert.Equal(t, uint64(10), one.Seq)

	union := append(names(zero.Members), names(one.Members)...)
	assert.ElementsMatch(t, names(members), union)

	// A late copy of the split is stale for both children
	res, err = m.Apply(membership.Event{Seq: 10, Kind: membership.EventSectionSplit, Prefix: p})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestMap_SplitKeepsAnchorHalf(t *testing.T) {
	p := xorname.RootPrefix
	members := append(membersUnder(xorname.MustParsePrefix("0"), 3, "a"), membersUnder(xorname.MustParsePrefix("1"), 3, "b")...)
	anchor := members[4].Name

	m, err := NewMap(&MapConfig{Anchor: &anchor}, membership.View{Prefix: p, Members: members})
	require.NoError(t, err)
	own := m.Own()

	_, err = m.Apply(membership.Event{Seq: 1, Kind: membership.EventSectionSplit, Prefix: p})
	require.NoError(t, err)

	assert.Same(t, own, m.Own(), "own store survives the split")
	assert.True(t, own.Prefix().Equal(xorname.MustParsePrefix("1")))
	assert.True(t, own.CurrentView().Contains(anchor))
	assert.NotNil(t, m.Sibling(own.Prefix()))
}

func TestMap_MergeScenario(t *testing.T) {
	left := xorname.MustParsePrefix("0")
	right := xorname.MustParsePrefix("1")
	leftMembers := membersUnder(left, 3, "left")
	rightMembers := membersUnder(right, 2, "right")

	m, err := NewMap(&MapConfig{},
		membership.View{Prefix: left, Seq: 5, Members: leftMembers},
		membership.View{Prefix: right, Seq: 7, Members: rightMembers},
	)
	require.NoError(t, err)

	res, err := m.Apply(membership.Event{
		Seq:    6,
		Kind:   membership.EventSectionMerge,
		Prefix: left,
		Merge:  &membership.Merge{Sibling: right, Members: rightMembers, MergedSeq: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, []xorname.Prefix{right}, res.Absorbed)

	assert.Equal(t, []xorname.Prefix{xorname.RootPrefix}, m.Prefixes())
	assert.True(t, m.IsPartition())

	merged := m.Get(xorname.RootPrefix).CurrentView()
	assert.Equal(t, uint64(8), merged.Seq)
	assert.Len(t, merged.Members, 5)
	assert.ElementsMatch(t, append(names(leftMembers), names(rightMembers)...), names(merged.Members))

	// The sibling's own merge event arrives afterwards and changes nothing
	res, err = m.Apply(membership.Event{
		Seq:    8,
		Kind:   membership.EventSectionMerge,
		Prefix: right,
		Merge:  &membership.Merge{Sibling: left, Members: leftMembers, MergedSeq: 8},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Equal(t, *merged, *m.Get(xorname.RootPrefix).CurrentView())
}

func TestMap_PartitionThroughChurn(t *testing.T) {
	root := xorname.RootPrefix
	var members []membership.Member
	for _, p := range []string{"00", "01", "10", "11"} {
		members = append(members, membersUnder(xorname.MustParsePrefix(p), 3, "m"+p)...)
	}

	m, err := NewMap(&MapConfig{}, membership.View{Prefix: root, Members: members})
	require.NoError(t, err)

	apply := func(ev membership.Event) {
		t.Helper()
		_, err := m.Apply(ev)
		require.NoError(t, err)
		require.True(t, m.IsPartition(), "after %s: %v", ev.String(), m.Prefixes())
	}

	apply(membership.Event{Seq: 1, Kind: membership.EventSectionSplit, Prefix: root})
	apply(membership.Event{Seq: 2, Kind: membership.EventSectionSplit, Prefix: xorname.MustParsePrefix("0")})
	apply(membership.Event{Seq: 2, Kind: membership.EventSectionSplit, Prefix: xorname.MustParsePrefix("1")})
	assert.Len(t, m.Prefixes(), 4)

	sibling := m.Get(xorname.MustParsePrefix("01")).CurrentView()
	apply(membership.Event{
		Seq:    3,
		Kind:   membership.EventSectionMerge,
		Prefix: xorname.MustParsePrefix("00"),
		Merge:  &membership.Merge{Sibling: sibling.Prefix, Members: sibling.Members, MergedSeq: 3},
	})
	assert.Len(t, m.Prefixes(), 3)

	total := 0
	for _, v := range m.Views() {
		total += v.Size()
	}
	assert.Equal(t, len(members), total)
}

func TestMap_SectionsApplyIndependently(t *testing.T) {
	left := xorname.MustParsePrefix("0")
	right := xorname.MustParsePrefix("1")
	m, err := NewMap(&MapConfig{},
		membership.View{Prefix: left, Members: membersUnder(left, 1, "l")},
		membership.View{Prefix: right, Members: membersUnder(right, 1, "r")},
	)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, p := range []xorname.Prefix{left, right} {
		events := acceptEvents(p, 1, membersUnder(p, 50, "join"+p.String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, ev := range events {
				_, err := m.Apply(ev)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), m.Get(left).Seq())
	assert.Equal(t, uint64(50), m.Get(right).Seq())
}

func TestMap_Observe(t *testing.T) {
	left := xorname.MustParsePrefix("0")
	m, err := NewMap(&MapConfig{}, membership.View{Prefix: left, Seq: 2, Members: membersUnder(left, 2, "l")})
	require.NoError(t, err)
	assert.False(t, m.IsPartition())

	right := xorname.MustParsePrefix("1")
	_, err = m.Observe(&membership.Snapshot{View: membership.View{Prefix: right, Seq: 4, Members: membersUnder(right, 3, "r")}})
	require.NoError(t, err)
	assert.True(t, m.IsPartition())

	// A newer snapshot of an ancestor replaces both
	res, err := m.Observe(&membership.Snapshot{View: membership.View{Prefix: xorname.RootPrefix, Seq: 9, Members: membersUnder(xorname.RootPrefix, 4, "all")}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []xorname.Prefix{xorname.RootPrefix}, m.Prefixes())

	// An older one is ignored
	res, err = m.Observe(&membership.Snapshot{View: membership.View{Prefix: left, Seq: 3, Members: membersUnder(left, 1, "x")}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	_, err = m.Apply(membership.Event{Seq: 1, Kind: membership.EventCandidateAccepted, Prefix: xorname.MustParsePrefix("0"), Member: &membersUnder(left, 1, "x")[0]})
	assert.NoError(t, err, "stale event for a merged section")
}

func TestNewMap_RejectsOverlap(t *testing.T) {
	_, err := NewMap(&MapConfig{},
		membership.View{Prefix: xorname.RootPrefix, Members: membersUnder(xorname.RootPrefix, 1, "a")},
		membership.View{Prefix: xorname.MustParsePrefix("1"), Members: membersUnder(xorname.MustParsePrefix("1"), 1, "b")},
	)
	assert.Error(t, err)
}

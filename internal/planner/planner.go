// Package planner decides when a section must split or merge and computes
// the resulting membership. Every decision is a pure function of the
// section views, so all honest members reach the same proposal.
package planner

import (
	"fmt"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"go.uber.org/zap"
)

// Action is what the planner wants done with a section
type Action int

const (
	// ActionNone means the section is within bounds
	ActionNone Action = iota
	// ActionSplit means the section should split by one bit
	ActionSplit
	// ActionMerge means the section should merge with its sibling
	ActionMerge
	// ActionAwaitSibling means a merge is due but the sibling's current
	// view is unknown or the sibling has split further
	ActionAwaitSibling
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSplit:
		return "split"
	case ActionMerge:
		return "merge"
	case ActionAwaitSibling:
		return "await_sibling"
	default:
		return "unknown"
	}
}

// Plan is the outcome of Evaluate. Event is set for split and merge.
type Plan struct {
	Action Action
	Event  *membership.Event
	Reason string
}

// Config holds planner configuration
type Config struct {
	MinSectionSize int
	Logger         *zap.Logger
}

// Planner evaluates section size against its bounds
type Planner struct {
	minSize int
	logger  *zap.Logger
}

// New creates a planner. The minimum section size must be validated by the
// caller's configuration; values below the protocol floor are raised to it.
func New(config *Config) *Planner {
	minSize := config.MinSectionSize
	if minSize < constants.MinSectionSizeFloor {
		minSize = constants.MinSectionSizeFloor
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{minSize: minSize, logger: logger}
}

// MinSectionSize returns the lower bound
func (p *Planner) MinSectionSize() int {
	return p.minSize
}

// SplitThreshold returns the size a section must exceed before splitting
func (p *Planner) SplitThreshold() int {
	return constants.SplitFactor * p.minSize
}

// Evaluate looks at a section and its sibling, if known, and proposes the
// next reconfiguration. The returned event is numbered as the next event of
// the section.
func (p *Planner) Evaluate(view, sibling *membership.View) Plan {
	size := view.Size()

	if size > p.SplitThreshold() && view.Prefix.Len < xorname.Bits {
		zero, one := PartitionSplit(view.Prefix, view.Members)
		if len(zero) >= p.minSize && len(one) >= p.minSize {
			return Plan{
				Action: ActionSplit,
				Event: &membership.Event{
					Seq:    view.Seq + 1,
					Kind:   membership.EventSectionSplit,
					Prefix: view.Prefix,
				},
				Reason: fmt.Sprintf("%d members exceed %d; halves %d/%d", size, p.SplitThreshold(), len(zero), len(one)),
			}
		}
		p.logger.Debug("section over split threshold but halves unbalanced",
			zap.String("prefix", view.Prefix.Display()),
			zap.Int("zero", len(zero)),
			zap.Int("one", len(one)))
	}

	if size < p.minSize && view.Prefix.Len > 0 {
		want := view.Prefix.Sibling()
		if sibling == nil || !sibling.Prefix.Equal(want) {
			return Plan{
				Action: ActionAwaitSibling,
				Reason: fmt.Sprintf("%d members below %d; sibling %s unknown", size, p.minSize, want.Display()),
			}
		}
		// The sibling merges even when it is below the bound itself; the
		// merged section splits again once it has grown.
		return Plan{
			Action: ActionMerge,
			Event:  MergeEvent(view, sibling),
			Reason: fmt.Sprintf("%d members below %d", size, p.minSize),
		}
	}

	return Plan{Action: ActionNone}
}

// RelocationTarget decides whether a candidate joining view should be sent
// to the sibling section instead. That happens when the local vault is at
// or above RelocateUtilization and the sibling has members but no more
// than view has. Utilization is local, so members may disagree;
// the relocation is only proposed by the member that admits the candidate.
func RelocationTarget(view, sibling *membership.View, utilization float64) (xorname.Prefix, bool) {
	if utilization < constants.RelocateUtilization || view.Prefix.Len == 0 {
		return xorname.Prefix{}, false
	}
	if sibling == nil || !sibling.Prefix.Equal(view.Prefix.Sibling()) || sibling.Size() == 0 {
		return xorname.Prefix{}, false
	}
	if sibling.Size() > view.Size() {
		return xorname.Prefix{}, false
	}
	return sibling.Prefix, true
}

// MergeEvent builds the merge event of view absorbing sibling. The merged
// section continues from past both watermarks.
func MergeEvent(view, sibling *membership.View) *membership.Event {
	mergedSeq := view.Seq
	if sibling.Seq > mergedSeq {
		mergedSeq = sibling.Seq
	}
	return &membership.Event{
		Seq:    view.Seq + 1,
		Kind:   membership.EventSectionMerge,
		Prefix: view.Prefix,
		Merge: &membership.Merge{
			Sibling:   sibling.Prefix,
			Members:   membership.CloneMembers(sibling.Members),
			MergedSeq: mergedSeq + 1,
		},
	}
}

// PartitionSplit assigns each member to a child prefix by the value of the
// next address bit
func PartitionSplit(prefix xorname.Prefix, members []membership.Member) (zero, one []membership.Member) {
	for _, m := range members {
		if m.Name.Bit(prefix.Len) {
			one = append(one, m)
		} else {
			zero = append(zero, m)
		}
	}
	membership.SortMembers(zero)
	membership.SortMembers(one)
	return zero, one
}

// MergeMembers returns the union of two member lists sorted by name. A name
// present in both keeps the entry from a.
func MergeMembers(a, b []membership.Member) []membership.Member {
	seen := make(map[xorname.Name]struct{}, len(a)+len(b))
	out := make([]membership.Member, 0, len(a)+len(b))
	for _, list := range [][]membership.Member{a, b} {
		for _, m := range list {
			if _, dup := seen[m.Name]; dup {
				continue
			}
			seen[m.Name] = struct{}{}
			out = append(out, m)
		}
	}
	membership.SortMembers(out)
	return out
}

// Package section holds the authoritative local view of section membership.
// A Store applies agreed membership events for one section strictly in
// sequence order; a Map routes events to the stores of every section the
// node knows about and keeps them an exact partition of the address space.
package section

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"go.uber.org/zap"
)

var (
	// ErrSequenceGap is returned when an event arrives ahead of the
	// watermark. The event is buffered and a resync is requested.
	ErrSequenceGap = errors.New("membership sequence gap")

	// ErrInvariantViolation is returned when an event would leave the
	// section empty. The store halts until a snapshot is installed.
	ErrInvariantViolation = errors.New("section invariant violation")

	// ErrHalted is returned by Apply after an invariant violation
	ErrHalted = errors.New("section store halted")

	// ErrInvalidEvent is returned for events that do not fit the section.
	// The watermark does not advance.
	ErrInvalidEvent = errors.New("invalid membership event")

	// ErrNoEffect is returned by Check for events that would change nothing
	ErrNoEffect = errors.New("membership event has no effect")
)

// Outcome classifies what Apply did with an event
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeIgnored
	OutcomeBuffered
)

// String returns the string representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// ApplyResult describes the effect of Apply. One call may apply several
// events when buffered successors become contiguous.
type ApplyResult struct {
	Outcome Outcome
	Applied []membership.Event

	// Spawned holds the other half of every split applied
	Spawned []membership.View
	// Absorbed holds the sibling prefixes merged into this store
	Absorbed []xorname.Prefix
}

// Resyncer fetches a snapshot of a section from peers
type Resyncer interface {
	RequestResync(prefix xorname.Prefix, fromSeq uint64)
}

// Config holds store configuration
type Config struct {
	// Genesis is the initial view; its Seq is the starting watermark
	Genesis membership.View

	// Anchor selects which half is kept on a split. Without one, or when
	// the anchor is outside the section, the 0 half is kept.
	Anchor *xorname.Name

	Resyncer           Resyncer
	MaxBuffered        int // Future events held while waiting for a gap to fill
	CheckpointInterval int // Events between checkpoints

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Store is the membership state of one section
type Store struct {
	mu   sync.Mutex
	view atomic.Pointer[membership.View]

	prefix  xorname.Prefix
	seq     uint64
	members map[xorname.Name]membership.Member
	pending map[xorname.Name]membership.Member

	log        []membership.Event // applied since the last checkpoint
	checkpoint membership.Snapshot
	buffered   map[uint64]membership.Event

	resyncRequested bool
	resyncFrom      uint64
	halted          error

	anchor             *xorname.Name
	resyncer           Resyncer
	maxBuffered        int
	checkpointInterval int
	logger             *zap.Logger
	metrics            *metrics.Metrics
}

// New creates a store from its genesis view
func New(config *Config) (*Store, error) {
	if err := checkView(&config.Genesis); err != nil {
		return nil, fmt.Errorf("invalid genesis view: %w", err)
	}

	maxBuffered := config.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = constants.MaxBufferedEvents
	}
	interval := config.CheckpointInterval
	if interval <= 0 {
		interval = constants.CheckpointInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		buffered:           make(map[uint64]membership.Event),
		anchor:             config.Anchor,
		resyncer:           config.Resyncer,
		maxBuffered:        maxBuffered,
		checkpointInterval: interval,
		logger:             logger,
		metrics:            config.Metrics,
	}
	s.reset(&config.Genesis)
	return s, nil
}

// reset replaces the whole state with a view; callers hold s.mu or own s
func (s *Store) reset(v *membership.View) {
	s.prefix = v.Prefix
	s.seq = v.Seq
	s.members = make(map[xorname.Name]membership.Member, len(v.Members))
	for _, m := range v.Members {
		s.members[m.Name] = m
	}
	s.pending = make(map[xorname.Name]membership.Member, len(v.Pending))
	for _, m := range v.Pending {
		s.pending[m.Name] = m
	}
	s.log = nil
	s.resyncRequested = false
	s.halted = nil
	s.publish()
	s.checkpoint = membership.Snapshot{View: *s.view.Load()}
}

// publish swaps in a fresh immutable view; callers hold s.mu
func (s *Store) publish() {
	v := &membership.View{
		Prefix:  s.prefix,
		Seq:     s.seq,
		Members: make([]membership.Member, 0, len(s.members)),
		Pending: make([]membership.Member, 0, len(s.pending)),
	}
	for _, m := range s.members {
		v.Members = append(v.Members, m)
	}
	for _, m := range s.pending {
		v.Pending = append(v.Pending, m)
	}
	membership.SortMembers(v.Members)
	membership.SortMembers(v.Pending)
	s.view.Store(v)
	s.metrics.Section(len(v.Members), v.Prefix.Len)
}

// CurrentView returns the latest applied view without locking. The
// returned view must not be modified.
func (s *Store) CurrentView() *membership.View {
	return s.view.Load()
}

// Prefix returns the section prefix
func (s *Store) Prefix() xorname.Prefix {
	return s.view.Load().Prefix
}

// Seq returns the watermark
func (s *Store) Seq() uint64 {
	return s.view.Load().Seq
}

// IsManagerFor reports whether this section manages the named client
func (s *Store) IsManagerFor(name xorname.Name) bool {
	return s.view.Load().Prefix.Matches(name)
}

// Halted returns the violation that halted the store, or nil
func (s *Store) Halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Log returns the events applied since the last checkpoint
func (s *Store) Log() []membership.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]membership.Event, len(s.log))
	copy(out, s.log)
	return out
}

// LastCheckpoint returns the most recent checkpoint
func (s *Store) LastCheckpoint() membership.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint
}

// Snapshot returns the current view as a snapshot for resync responses
func (s *Store) Snapshot() *membership.Snapshot {
	return &membership.Snapshot{View: *s.view.Load()}
}

// Buffered returns the number of future events waiting for a gap to fill
func (s *Store) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

// Check reports whether ev can be agreed as the next event of the section.
// Unlike Apply it rejects events that would change nothing.
func (s *Store) Check(ev *membership.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, s.halted)
	}
	if ev.Seq != s.seq+1 {
		return fmt.Errorf("%w: event %d is not next after %d", ErrInvalidEvent, ev.Seq, s.seq)
	}
	return s.validate(ev, true)
}

// Apply applies an agreed event. Events at or below the watermark are
// ignored; events past the next expected one are buffered and trigger a
// resync request. Each event is applied entirely or not at all.
func (s *Store) Apply(ev membership.Event) (ApplyResult, error) {
	s.mu.Lock()
	res, resync, err := s.applyLocked(ev)
	prefix, from := s.prefix, s.resyncFrom
	s.mu.Unlock()

	if resync && s.resyncer != nil {
		s.resyncer.RequestResync(prefix, from)
	}
	return res, err
}

// applyLocked reports whether a resync should be requested; callers hold s.mu
func (s *Store) applyLocked(ev membership.Event) (ApplyResult, bool, error) {
	if s.halted != nil {
		return ApplyResult{}, false, fmt.Errorf("%w: %v", ErrHalted, s.halted)
	}
	if ev.Seq <= s.seq {
		return ApplyResult{Outcome: OutcomeIgnored}, false, nil
	}
	if !ev.Prefix.IsCompatible(s.prefix) {
		return ApplyResult{}, false, fmt.Errorf("%w: event for %s sent to section %s", ErrInvalidEvent, ev.Prefix.Display(), s.prefix.Display())
	}

	if ev.Seq > s.seq+1 {
		if _, ok := s.buffered[ev.Seq]; !ok && len(s.buffered) < s.maxBuffered {
			s.buffered[ev.Seq] = ev
		}
		resync := !s.resyncRequested || s.resyncFrom != s.seq
		if resync {
			s.resyncRequested = true
			s.resyncFrom = s.seq
			s.logger.Info("sequence gap, requesting resync",
				zap.String("prefix", s.prefix.Display()),
				zap.Uint64("seq", s.seq),
				zap.Uint64("received", ev.Seq))
		}
		return ApplyResult{Outcome: OutcomeBuffered}, resync, fmt.Errorf("%w: at %d, received %d", ErrSequenceGap, s.seq, ev.Seq)
	}

	res := ApplyResult{Outcome: OutcomeApplied}
	if err := s.step(ev, &res); err != nil {
		return ApplyResult{}, false, err
	}
	err := s.drain(&res)
	return res, false, err
}

// drain applies buffered events that have become contiguous; callers hold s.mu
func (s *Store) drain(res *ApplyResult) error {
	for {
		next, ok := s.buffered[s.seq+1]
		if !ok {
			break
		}
		delete(s.buffered, next.Seq)
		if err := s.step(next, res); err != nil {
			if errors.Is(err, ErrInvariantViolation) {
				return err
			}
			s.logger.Warn("dropping buffered event",
				zap.String("event", next.String()),
				zap.Error(err))
			break
		}
	}
	for seq := range s.buffered {
		if seq <= s.seq {
			delete(s.buffered, seq)
		}
	}
	return nil
}

// step applies the next event in sequence; callers hold s.mu
func (s *Store) step(ev membership.Event, res *ApplyResult) error {
	if err := s.validate(&ev, false); err != nil {
		if errors.Is(err, ErrInvariantViolation) {
			s.halt(err)
		}
		return err
	}

	seq := ev.Seq
	switch ev.Kind {
	case membership.EventCandidateJoinRequested:
		if _, ok := s.members[ev.Member.Name]; !ok {
			s.pending[ev.Member.Name] = *ev.Member
		}

	case membership.EventCandidateAccepted:
		if _, ok := s.members[ev.Member.Name]; !ok {
			m := *ev.Member
			m.JoinEpoch = ev.Seq
			s.members[m.Name] = m
		}
		delete(s.pending, ev.Member.Name)

	case membership.EventMemberLost, membership.EventMemberRelocated:
		name := ev.Member.Name
		delete(s.pending, name)
		if _, ok := s.members[name]; ok {
			delete(s.members, name)
			if len(s.members) == 0 {
				s.absorb(ev.Merge, res)
				seq = ev.Merge.MergedSeq
			}
		}

	case membership.EventSectionSplit:
		res.Spawned = append(res.Spawned, s.split(seq))

	case membership.EventSectionMerge:
		s.absorb(ev.Merge, res)
		seq = ev.Merge.MergedSeq
	}

	s.seq = seq
	s.log = append(s.log, ev)
	s.resyncRequested = false
	s.publish()
	res.Applied = append(res.Applied, ev)
	s.metrics.EventApplied(ev.Kind.String())

	s.logger.Debug("applied membership event",
		zap.String("event", ev.String()),
		zap.String("prefix", s.prefix.Display()),
		zap.Uint64("seq", s.seq),
		zap.Int("members", len(s.members)))

	if len(s.log) >= s.checkpointInterval {
		s.checkpoint = membership.Snapshot{View: *s.view.Load()}
		s.log = nil
		s.logger.Debug("checkpointed section",
			zap.String("prefix", s.prefix.Display()),
			zap.Uint64("seq", s.seq))
	}
	return nil
}

// validate checks an event against the current state without changing it.
// With strict set, events that would change nothing are rejected too.
// Callers hold s.mu.
func (s *Store) validate(ev *membership.Event, strict bool) error {
	if !ev.Prefix.Equal(s.prefix) {
		return fmt.Errorf("%w: event for %s at section %s", ErrInvalidEvent, ev.Prefix.Display(), s.prefix.Display())
	}
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	switch ev.Kind {
	case membership.EventCandidateJoinRequested, membership.EventCandidateAccepted:
		name := ev.Member.Name
		if !s.prefix.Matches(name) {
			return fmt.Errorf("%w: candidate %s outside %s", ErrInvalidEvent, name.Short(), s.prefix.Display())
		}
		if strict {
			if _, ok := s.members[name]; ok {
				return fmt.Errorf("%w: %s is already a member", ErrNoEffect, name.Short())
			}
			if _, ok := s.pending[name]; ok && ev.Kind == membership.EventCandidateJoinRequested {
				return fmt.Errorf("%w: %s is already pending", ErrNoEffect, name.Short())
			}
		}

	case membership.EventMemberLost, membership.EventMemberRelocated:
		name := ev.Member.Name
		_, isMember := s.members[name]
		if !isMember {
			if _, isPending := s.pending[name]; strict && !isPending {
				return fmt.Errorf("%w: %s is not in the section", ErrNoEffect, name.Short())
			}
			return nil
		}
		if len(s.members) == 1 {
			if ev.Merge == nil {
				return fmt.Errorf("%w: removing last member %s of %s without a merge target",
					ErrInvariantViolation, name.Short(), s.prefix.Display())
			}
			return s.validateMerge(ev)
		}

	case membership.EventSectionSplit:
		zero, one := s.halves()
		if len(zero) == 0 || len(one) == 0 {
			return fmt.Errorf("%w: splitting %s would leave an empty half", ErrInvalidEvent, s.prefix.Display())
		}

	case membership.EventSectionMerge:
		return s.validateMerge(ev)
	}
	return nil
}

// validateMerge checks a merge payload against the current state
func (s *Store) validateMerge(ev *membership.Event) error {
	merge := ev.Merge
	if s.prefix.Len == 0 {
		return fmt.Errorf("%w: root section cannot merge", ErrInvalidEvent)
	}
	if !merge.Sibling.Equal(s.prefix.Sibling()) {
		return fmt.Errorf("%w: %s is not the sibling of %s", ErrInvalidEvent, merge.Sibling.Display(), s.prefix.Display())
	}
	if merge.MergedSeq < ev.Seq {
		return fmt.Errorf("%w: merged watermark %d behind event %d", ErrInvalidEvent, merge.MergedSeq, ev.Seq)
	}
	remaining := len(s.members)
	if ev.Kind != membership.EventSectionMerge {
		remaining--
	}
	if remaining+len(merge.Members) == 0 {
		return fmt.Errorf("%w: merging %s would leave an empty section", ErrInvariantViolation, s.prefix.Popped().Display())
	}
	return nil
}

// halves partitions the members by the next prefix bit; callers hold s.mu
func (s *Store) halves() (zero, one []membership.Member) {
	for _, m := range s.members {
		if m.Name.Bit(s.prefix.Len) {
			one = append(one, m)
		} else {
			zero = append(zero, m)
		}
	}
	return zero, one
}

// split narrows the store to one half and returns the view of the other
func (s *Store) split(seq uint64) membership.View {
	keepBit := false
	if s.anchor != nil && s.prefix.Matches(*s.anchor) {
		keepBit = s.anchor.Bit(s.prefix.Len)
	}
	bit := s.prefix.Len
	other := membership.View{Prefix: s.prefix.Pushed(!keepBit), Seq: seq}

	for name, m := range s.members {
		if name.Bit(bit) != keepBit {
			other.Members = append(other.Members, m)
			delete(s.members, name)
		}
	}
	for name, m := range s.pending {
		if name.Bit(bit) != keepBit {
			other.Pending = append(other.Pending, m)
			delete(s.pending, name)
		}
	}
	membership.SortMembers(other.Members)
	membership.SortMembers(other.Pending)

	s.prefix = s.prefix.Pushed(keepBit)
	s.logger.Info("section split",
		zap.String("kept", s.prefix.Display()),
		zap.String("spawned", other.Prefix.Display()),
		zap.Int("members", len(s.members)),
		zap.Int("spawned_members", len(other.Members)))
	return other
}

// absorb widens the store to the parent prefix with the sibling's members
func (s *Store) absorb(merge *membership.Merge, res *ApplyResult) {
	for _, m := range merge.Members {
		s.members[m.Name] = m
	}
	res.Absorbed = append(res.Absorbed, merge.Sibling)
	s.prefix = s.prefix.Popped()
	s.logger.Info("section merged",
		zap.String("prefix", s.prefix.Display()),
		zap.String("sibling", merge.Sibling.Display()),
		zap.Int("members", len(s.members)))
}

// halt stops further application until a snapshot is installed
func (s *Store) halt(err error) {
	s.halted = err
	s.logger.Error("section store halted, resync required",
		zap.String("prefix", s.prefix.Display()),
		zap.Uint64("seq", s.seq),
		zap.Error(err))
}

// InstallSnapshot replaces the state with a snapshot at a higher watermark.
// It is the only way out of a halt.
func (s *Store) InstallSnapshot(snap *membership.Snapshot) (ApplyResult, error) {
	if err := checkView(&snap.View); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := snap.View
	if s.halted == nil {
		if v.Seq <= s.seq {
			return ApplyResult{Outcome: OutcomeIgnored}, nil
		}
		if !v.Prefix.IsCompatible(s.prefix) {
			return ApplyResult{}, fmt.Errorf("%w: snapshot of %s offered to section %s", ErrInvalidEvent, v.Prefix.Display(), s.prefix.Display())
		}
	}

	wasHalted := s.halted != nil
	s.reset(&v)
	if wasHalted {
		s.logger.Info("section store resumed from snapshot",
			zap.String("prefix", s.prefix.Display()),
			zap.Uint64("seq", s.seq))
	}

	res := ApplyResult{Outcome: OutcomeApplied}
	err := s.drain(&res)
	return res, err
}

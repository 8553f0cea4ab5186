// Package liveness detects section members that have gone silent. Each
// member moves alive -> suspect -> failed as its silence grows; a failed
// member is reported once so the section can propose it as lost.
package liveness

import (
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State is the liveness state of a member
type State int

const (
	StateAlive State = iota
	StateSuspect
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Member is the liveness record of one section member
type Member struct {
	Name      xorname.Name
	State     State
	StateTime time.Time // when State last changed
	LastSeen  time.Time
	Reported  bool // failure already handed out by Expired
}

// Config holds tracker configuration
type Config struct {
	SuspectAfter time.Duration // Silence before suspicion (default: 30s)
	FailAfter    time.Duration // Silence before failure (default: 90s)
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Tracker follows the liveness of the members of one section
type Tracker struct {
	mu      sync.Mutex
	members map[xorname.Name]*Member
	self    xorname.Name

	suspectAfter time.Duration
	failAfter    time.Duration
	clock        clock.Clock
	logger       *zap.Logger
}

// New creates a tracker. The node never tracks itself.
func New(self xorname.Name, config *Config) *Tracker {
	suspectAfter := config.SuspectAfter
	if suspectAfter <= 0 {
		suspectAfter = constants.DefaultSuspectAfter
	}
	failAfter := config.FailAfter
	if failAfter <= suspectAfter {
		failAfter = constants.DefaultFailAfter
		if failAfter <= suspectAfter {
			failAfter = 3 * suspectAfter
		}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		members:      make(map[xorname.Name]*Member),
		self:         self,
		suspectAfter: suspectAfter,
		failAfter:    failAfter,
		clock:        clk,
		logger:       logger,
	}
}

// Sync makes the tracked set equal to the section's members. New members
// start alive as of now.
func (t *Tracker) Sync(names []xorname.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	keep := make(map[xorname.Name]struct{}, len(names))
	for _, name := range names {
		if name == t.self {
			continue
		}
		keep[name] = struct{}{}
		if _, ok := t.members[name]; !ok {
			t.members[name] = &Member{Name: name, State: StateAlive, StateTime: now, LastSeen: now}
		}
	}
	for name := range t.members {
		if _, ok := keep[name]; !ok {
			delete(t.members, name)
		}
	}
}

// Observe records traffic from a member. A suspect member becomes alive
// again; a failed one stays failed until it is removed from the section.
func (t *Tracker) Observe(name xorname.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[name]
	if !ok {
		return
	}
	now := t.clock.Now()
	m.LastSeen = now
	if m.State == StateSuspect {
		m.State = StateAlive
		m.StateTime = now
		t.logger.Debug("suspect member is alive again", zap.String("member", name.Short()))
	}
}

// Suspect marks a member suspect immediately, e.g. after it equivocated
func (t *Tracker) Suspect(name xorname.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.members[name]; ok && m.State == StateAlive {
		m.State = StateSuspect
		m.StateTime = t.clock.Now()
	}
}

// Expired advances states by silence and returns members that have newly
// failed. Each failure is returned once.
func (t *Tracker) Expired() []xorname.Name {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var failed []xorname.Name
	for name, m := range t.members {
		silence := now.Sub(m.LastSeen)
		switch {
		case silence >= t.failAfter && m.State != StateFailed:
			m.State = StateFailed
			m.StateTime = now
		case silence >= t.suspectAfter && m.State == StateAlive:
			m.State = StateSuspect
			m.StateTime = now
			t.logger.Debug("member suspected", zap.String("member", name.Short()), zap.Duration("silence", silence))
		}
		if m.State == StateFailed && !m.Reported {
			m.Reported = true
			failed = append(failed, name)
			t.logger.Info("member failed", zap.String("member", name.Short()), zap.Duration("silence", silence))
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Less(failed[j]) })
	return failed
}

// Rearm allows a failed member to be reported again, e.g. after its
// MemberLost proposal was abandoned
func (t *Tracker) Rearm(name xorname.Name) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.members[name]; ok {
		m.Reported = false
	}
}

// Get returns a copy of a member's record
func (t *Tracker) Get(name xorname.Name) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.members[name]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Counts returns how many members are in each state
func (t *Tracker) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[State]int)
	for _, m := range t.members {
		counts[m.State]++
	}
	return counts
}

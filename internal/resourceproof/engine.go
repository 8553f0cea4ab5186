package resourceproof

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	// ErrThrottled is returned when a candidate already holds too many
	// outstanding challenges or is temporarily banned
	ErrThrottled = errors.New("resource proof throttled")

	// ErrExpired is returned when a solution arrives after the deadline.
	// The challenge is discarded and must be reissued.
	ErrExpired = errors.New("resource proof challenge expired")

	// ErrUnknownChallenge is returned for seeds this engine never issued
	ErrUnknownChallenge = errors.New("unknown resource proof challenge")
)

// Verdict is the outcome of verifying a solution
type Verdict int

const (
	// VerdictAccept is returned exactly once per solved challenge
	VerdictAccept Verdict = iota
	// VerdictReject means the solution was wrong; the challenge is discarded
	VerdictReject
	// VerdictDuplicate means the challenge was already accepted; the
	// resubmission changes nothing
	VerdictDuplicate
)

// String returns the string representation of the verdict
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result is a verification verdict with the reason for rejections
type Result struct {
	Verdict Verdict
	Reason  string
}

// Challenge is a puzzle issued to one candidate
type Challenge struct {
	Seed       []byte
	Difficulty uint8
	Candidate  xorname.Name
	IssuedAt   time.Time
	Deadline   time.Time
}

// Config holds resource proof engine configuration
type Config struct {
	// Disabled treats every candidate as proof-satisfied. Only for
	// controlled test deployments.
	Disabled bool

	Params         Params
	Timeout        time.Duration // Challenge window (default: 60s)
	MaxOutstanding int           // Per-candidate outstanding challenges (default: 2)
	MaxFailures    int           // Rejections before a ban (default: 3)
	BanDuration    time.Duration // Ban length (default: 10m)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Engine issues and verifies resource proof challenges
type Engine struct {
	mu sync.Mutex

	disabled       bool
	params         Params
	timeout        time.Duration
	maxOutstanding int
	maxFailures    int
	banDuration    time.Duration

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	difficulty  uint8
	challenges  map[string]*Challenge     // seed hex -> challenge
	outstanding map[xorname.Name]int      // candidate -> open challenges
	accepted    map[string]acceptedRecord // seed hex -> acceptance
	failures    map[xorname.Name]int
	banned      map[xorname.Name]time.Time
}

type acceptedRecord struct {
	candidate xorname.Name
	at        time.Time
}

// New creates a new resource proof engine
func New(config *Config) *Engine {
	params := config.Params
	if params == (Params{}) {
		params = DefaultParams()
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultChallengeTimeout
	}

	maxOutstanding := config.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = constants.MaxOutstandingChallenges
	}

	maxFailures := config.MaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.MaxProofFailures
	}

	banDuration := config.BanDuration
	if banDuration <= 0 {
		banDuration = constants.BanDuration
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		disabled:       config.Disabled,
		params:         params,
		timeout:        timeout,
		maxOutstanding: maxOutstanding,
		maxFailures:    maxFailures,
		banDuration:    banDuration,
		clock:          clk,
		logger:         logger,
		metrics:        config.Metrics,
		difficulty:     params.BaseBits,
		challenges:     make(map[string]*Challenge),
		outstanding:    make(map[xorname.Name]int),
		accepted:       make(map[string]acceptedRecord),
		failures:       make(map[xorname.Name]int),
		banned:         make(map[xorname.Name]time.Time),
	}

	if e.disabled {
		e.logger.Warn("RESOURCE PROOF DISABLED: every joining candidate is admitted without proof; never run this outside a controlled test network")
	}

	e.metrics.Difficulty(e.difficulty)
	return e
}

// Disabled reports whether resource proofs are bypassed
func (e *Engine) Disabled() bool {
	return e.disabled
}

// Difficulty returns the difficulty new challenges are issued with
func (e *Engine) Difficulty() uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.difficulty
}

// Recalibrate updates the difficulty from the section's current health
func (e *Engine) Recalibrate(sectionSize, minSectionSize int, utilization float64) uint8 {
	d := Calibrate(e.params, sectionSize, minSectionSize, utilization)

	e.mu.Lock()
	changed := d != e.difficulty
	e.difficulty = d
	e.mu.Unlock()

	if changed {
		e.logger.Debug("recalibrated resource proof difficulty",
			zap.Uint8("difficulty", d),
			zap.Int("section_size", sectionSize),
			zap.Float64("utilization", utilization))
	}
	e.metrics.Difficulty(d)
	return d
}

// IssueChallenge creates a fresh challenge for the candidate
func (e *Engine) IssueChallenge(candidate xorname.Name) (*Challenge, error) {
	seed := make([]byte, constants.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate challenge seed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if until, ok := e.banned[candidate]; ok {
		if now.Before(until) {
			e.metrics.Challenge("throttled")
			return nil, fmt.Errorf("%w: candidate %s banned until %s", ErrThrottled, candidate.Short(), until.Format(time.RFC3339))
		}
		delete(e.banned, candidate)
		delete(e.failures, candidate)
	}

	if e.outstanding[candidate] >= e.maxOutstanding {
		e.metrics.Challenge("throttled")
		return nil, fmt.Errorf("%w: candidate %s has %d outstanding challenges", ErrThrottled, candidate.Short(), e.outstanding[candidate])
	}

	difficulty := e.difficulty
	if e.disabled {
		difficulty = 0
	}

	ch := &Challenge{
		Seed:       seed,
		Difficulty: difficulty,
		Candidate:  candidate,
		IssuedAt:   now,
		Deadline:   now.Add(e.timeout),
	}
	e.challenges[hex.EncodeToString(seed)] = ch
	e.outstanding[candidate]++
	e.metrics.Challenge("issued")

	return ch, nil
}

// Verify checks a candidate's solution to a previously issued challenge
func (e *Engine) Verify(seed []byte, candidate xorname.Name, nonce uint64) (Result, error) {
	key := hex.EncodeToString(seed)

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.accepted[key]; ok && rec.candidate == candidate {
		return Result{Verdict: VerdictDuplicate, Reason: "challenge already accepted"}, nil
	}

	ch, ok := e.challenges[key]
	if !ok {
		return Result{}, ErrUnknownChallenge
	}

	if ch.Candidate != candidate {
		// A solution submitted under someone else's name says nothing about
		// the real recipient; leave its challenge open.
		return Result{Verdict: VerdictReject, Reason: "challenge issued to another candidate"}, nil
	}

	now := e.clock.Now()
	e.discard(key, ch)

	if now.After(ch.Deadline) {
		e.metrics.Challenge("expired")
		return Result{}, ErrExpired
	}

	if !e.disabled && !Check(ch.Seed, candidate, nonce, ch.Difficulty) {
		e.recordFailure(candidate, now)
		e.metrics.Challenge("rejected")
		return Result{Verdict: VerdictReject, Reason: fmt.Sprintf("solution does not reach difficulty %d", ch.Difficulty)}, nil
	}

	e.accepted[key] = acceptedRecord{candidate: candidate, at: now}
	delete(e.failures, candidate)
	e.metrics.Challenge("accepted")
	return Result{Verdict: VerdictAccept}, nil
}

// discard removes an open challenge; callers hold e.mu
func (e *Engine) discard(key string, ch *Challenge) {
	delete(e.challenges, key)
	if e.outstanding[ch.Candidate] <= 1 {
		delete(e.outstanding, ch.Candidate)
	} else {
		e.outstanding[ch.Candidate]--
	}
}

// recordFailure counts a rejection and bans repeat offenders; callers hold e.mu
func (e *Engine) recordFailure(candidate xorname.Name, now time.Time) {
	e.failures[candidate]++
	if e.failures[candidate] >= e.maxFailures {
		e.banned[candidate] = now.Add(e.banDuration)
		e.logger.Warn("banning candidate after repeated resource proof failures",
			zap.String("candidate", candidate.Short()),
			zap.Int("failures", e.failures[candidate]),
			zap.Duration("ban", e.banDuration))
	}
}

// Sweep expires challenges past their deadline and forgets old acceptances.
// It returns the number of challenges expired.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	expired := 0
	for key, ch := range e.challenges {
		if now.After(ch.Deadline) {
			e.discard(key, ch)
			expired++
			e.metrics.Challenge("expired")
		}
	}

	cutoff := now.Add(-constants.AcceptedRetention)
	for key, rec := range e.accepted {
		if rec.at.Before(cutoff) {
			delete(e.accepted, key)
		}
	}

	for name, until := range e.banned {
		if !now.Before(until) {
			delete(e.banned, name)
			delete(e.failures, name)
		}
	}

	return expired
}

// Outstanding returns the number of open challenges for a candidate
func (e *Engine) Outstanding(candidate xorname.Name) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding[candidate]
}

// IsBanned reports whether the candidate is currently banned
func (e *Engine) IsBanned(candidate xorname.Name) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.banned[candidate]
	return ok && e.clock.Now().Before(until)
}

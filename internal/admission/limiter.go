// Package admission sheds abusive client load at the edge of a vault: a
// token bucket per client identity and a lifetime mutation cap. Decisions
// are local to this node and never shared with the section.
package admission

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	// ErrRateExceeded is returned when a client's token bucket is empty.
	// It clears once the bucket refills.
	ErrRateExceeded = errors.New("client rate exceeded")

	// ErrMutationCapExceeded is returned once a client has used all of its
	// mutations. It never clears on its own.
	ErrMutationCapExceeded = errors.New("client mutation cap exceeded")
)

// Rejection is a refused admission. It unwraps to ErrRateExceeded or
// ErrMutationCapExceeded.
type Rejection struct {
	Err        error
	Client     xorname.Name
	RetryAfter time.Duration // zero when retrying cannot help
}

// Error implements the error interface
func (r *Rejection) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%v for %s (retry after %s)", r.Err, r.Client.Short(), r.RetryAfter)
	}
	return fmt.Sprintf("%v for %s", r.Err, r.Client.Short())
}

// Unwrap returns the sentinel reason
func (r *Rejection) Unwrap() error {
	return r.Err
}

// Cost is what an operation charges against a client's quota
type Cost struct {
	Tokens    float64 // rate tokens, usually 1 per request
	Mutations uint64  // mutations, 0 for reads
}

// Request is the cost of a single read
var Request = Cost{Tokens: 1}

// Mutation is the cost of a single mutation
var Mutation = Cost{Tokens: 1, Mutations: 1}

// Config holds limiter configuration
type Config struct {
	Burst         int     // Bucket capacity (default: 10)
	RefillPerSec  float64 // Tokens added per second (default: 1)
	MaxMutations  uint64  // Lifetime mutations per client (default: 500)
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// DisableRateLimit and DisableMutationLimit switch off the respective
	// check. Both must be set explicitly; the zero value enforces.
	DisableRateLimit     bool
	DisableMutationLimit bool

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// quota is the per-client state
type quota struct {
	tokens     float64
	lastRefill time.Time
	mutations  uint64
}

// Limiter implements per-client admission
type Limiter struct {
	mu     sync.Mutex
	quotas map[xorname.Name]*quota
	banned map[xorname.Name]time.Time

	burst         float64
	refillPerSec  float64
	maxMutations  uint64
	idleTimeout   time.Duration
	sweepInterval time.Duration
	rateOff       bool
	mutationOff   bool

	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics
	lastSweep time.Time
}

// New creates a new limiter
func New(config *Config) *Limiter {
	burst := config.Burst
	if burst <= 0 {
		burst = constants.DefaultRateBurst
	}
	refill := config.RefillPerSec
	if refill <= 0 {
		refill = constants.DefaultRateRefillPerSec
	}
	maxMutations := config.MaxMutations
	if maxMutations == 0 {
		maxMutations = constants.DefaultMaxMutations
	}
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = constants.ClientBucketIdleTimeout
	}
	sweep := config.SweepInterval
	if sweep <= 0 {
		sweep = constants.ClientBucketSweepEvery
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Limiter{
		quotas:        make(map[xorname.Name]*quota),
		banned:        make(map[xorname.Name]time.Time),
		burst:         float64(burst),
		refillPerSec:  refill,
		maxMutations:  maxMutations,
		idleTimeout:   idle,
		sweepInterval: sweep,
		rateOff:       config.DisableRateLimit,
		mutationOff:   config.DisableMutationLimit,
		clock:         clk,
		logger:        logger,
		metrics:       config.Metrics,
		lastSweep:     clk.Now(),
	}

	if l.rateOff {
		l.logger.Warn("client rate limiter disabled")
	}
	if l.mutationOff {
		l.logger.Warn("client mutation limit disabled; clients may mutate without bound")
	}
	return l
}

// refill tops up the bucket for the time elapsed since the last refill.
// The fractional remainder is kept so refill math is exact over time.
func (l *Limiter) refill(q *quota, now time.Time) {
	elapsed := now.Sub(q.lastRefill)
	if elapsed <= 0 {
		return
	}
	q.tokens = math.Min(l.burst, q.tokens+elapsed.Seconds()*l.refillPerSec)
	q.lastRefill = now
}

// get returns the client's quota, creating a full bucket; callers hold l.mu
func (l *Limiter) get(client xorname.Name, now time.Time) *quota {
	q, ok := l.quotas[client]
	if !ok {
		q = &quota{tokens: l.burst, lastRefill: now}
		l.quotas[client] = q
		return q
	}
	l.refill(q, now)
	return q
}

// Admit charges cost to the client's quota. Either both checks pass and the
// cost is charged, or the client is rejected and nothing is charged.
func (l *Limiter) Admit(client xorname.Name, cost Cost) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.lastSweep) > l.sweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	if until, ok := l.banned[client]; ok {
		if now.Before(until) {
			l.metrics.Admission("banned")
			return &Rejection{Err: ErrRateExceeded, Client: client, RetryAfter: until.Sub(now)}
		}
		delete(l.banned, client)
	}

	q := l.get(client, now)

	if !l.rateOff && q.tokens < cost.Tokens {
		missing := cost.Tokens - q.tokens
		wait := time.Duration(missing / l.refillPerSec * float64(time.Second))
		l.metrics.Admission("rate_exceeded")
		return &Rejection{Err: ErrRateExceeded, Client: client, RetryAfter: wait}
	}

	if !l.mutationOff && cost.Mutations > 0 && q.mutations+cost.Mutations > l.maxMutations {
		l.metrics.Admission("mutation_cap_exceeded")
		return &Rejection{Err: ErrMutationCapExceeded, Client: client}
	}

	if !l.rateOff {
		q.tokens -= cost.Tokens
	}
	q.mutations += cost.Mutations
	l.metrics.Admission("allow")
	return nil
}

// Tokens returns the tokens currently available to the client
func (l *Limiter) Tokens(client xorname.Name) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.quotas[client]
	if !ok {
		return l.burst
	}
	now := l.clock.Now()
	return math.Min(l.burst, q.tokens+now.Sub(q.lastRefill).Seconds()*l.refillPerSec)
}

// AccountInfo reports a client's mutation usage
type AccountInfo struct {
	MutationsDone      uint64 `json:"mutations_done"`
	MutationsAvailable uint64 `json:"mutations_available"`
}

// AccountInfo returns the client's mutation usage. With the mutation limit
// disabled the available count is reported as unbounded.
func (l *Limiter) AccountInfo(client xorname.Name) AccountInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	var done uint64
	if q, ok := l.quotas[client]; ok {
		done = q.mutations
	}
	if l.mutationOff {
		return AccountInfo{MutationsDone: done, MutationsAvailable: math.MaxUint64}
	}
	available := uint64(0)
	if done < l.maxMutations {
		available = l.maxMutations - done
	}
	return AccountInfo{MutationsDone: done, MutationsAvailable: available}
}

// Ban rejects the client for the given duration
func (l *Limiter) Ban(client xorname.Name, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.banned[client] = l.clock.Now().Add(duration)
	l.logger.Info("banned client", zap.String("client", client.Short()), zap.Duration("duration", duration))
}

// IsBanned reports whether the client is currently banned
func (l *Limiter) IsBanned(client xorname.Name) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	until, ok := l.banned[client]
	return ok && l.clock.Now().Before(until)
}

// Reset forgets a client's bucket. The mutation counter is kept: it only
// ever grows.
func (l *Limiter) Reset(client xorname.Name) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if q, ok := l.quotas[client]; ok {
		q.tokens = l.burst
		q.lastRefill = l.clock.Now()
	}
}

// Sweep drops idle full buckets and expired bans
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.sweepLocked(now)
	l.lastSweep = now
}

// sweepLocked removes state that carries no information; callers hold l.mu.
// Buckets with mutations are kept so the cap cannot be reset by idling.
func (l *Limiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTimeout)
	for client, q := range l.quotas {
		if q.mutations == 0 && q.lastRefill.Before(cutoff) {
			delete(l.quotas, client)
		}
	}
	for client, until := range l.banned {
		if !now.Before(until) {
			delete(l.banned, client)
		}
	}
}

// Stats returns limiter statistics
func (l *Limiter) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"clients":        len(l.quotas),
		"banned":         len(l.banned),
		"burst":          l.burst,
		"refill_per_sec": l.refillPerSec,
		"max_mutations":  l.maxMutations,
		"rate_limit":     !l.rateOff,
		"mutation_limit": !l.mutationOff,
	}
}

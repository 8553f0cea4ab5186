// Package consensus agrees membership events among the members of a
// section. Every event occupies the next sequence slot of the section log;
// within a slot each member votes once per round for the proposal with the
// lowest proposer name it has seen, and an event is agreed once a quorum of
// current members signed the same digest. A round that times out is
// abandoned and the slot is re-proposed in the next round.
package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/internal/section"
	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

var (
	// ErrQuorumAbandoned is reported when a round times out without quorum
	ErrQuorumAbandoned = errors.New("quorum abandoned")

	// ErrRetryBudgetExhausted is reported when a slot has been abandoned
	// more often than the retry budget allows. It needs an operator.
	ErrRetryBudgetExhausted = errors.New("proposal retry budget exhausted")

	// ErrNotMember is returned for proposals and votes from non-members
	ErrNotMember = errors.New("sender is not a section member")

	// ErrBehind is returned for messages about slots past the next one.
	// The local store has missed agreed events and needs a resync.
	ErrBehind = errors.New("local section log is behind")

	// ErrStale is returned for messages about slots or rounds already past
	ErrStale = errors.New("stale consensus message")
)

// Section is the local section state the coordinator agrees events for
type Section interface {
	CurrentView() *membership.View
	Check(ev *membership.Event) error
	Apply(ev membership.Event) (section.ApplyResult, error)
}

// Sender delivers consensus messages to section members
type Sender interface {
	Broadcast(to []membership.Member, msg wire.Message) error
}

// State is the outcome of a Tick
type State int

const (
	// StateIdle means no slot is open
	StateIdle State = iota
	// StatePending means a slot is open and waiting for votes
	StatePending
	// StateAgreed means at least one event was agreed since the last tick
	StateAgreed
	// StateAbandoned means the open round timed out
	StateAbandoned
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateAgreed:
		return "agreed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Phase is where the open slot stands for the local node
type Phase int

const (
	PhaseProposed Phase = iota // proposals seen, no vote cast yet
	PhaseVoting                // vote cast, collecting votes
)

// String returns the string representation of the phase
func (p Phase) String() string {
	if p == PhaseVoting {
		return "voting"
	}
	return "proposed"
}

// Outcome is the result of a Tick
type Outcome struct {
	State State
	Seq   uint64
	// Round counts abandoned attempts at Seq. An abandoned slot keeps its
	// sequence number and is re-proposed under Round+1.
	Round  uint64
	Agreed []membership.Event
}

// Config holds coordinator configuration
type Config struct {
	Identity *identity.Identity
	Network  string
	Section  Section
	Sender   Sender

	QuorumNumerator   int           // default: 1
	QuorumDenominator int           // default: 2
	ProposalTimeout   time.Duration // Round length (default: 20s)
	RetryBudget       int           // Abandoned rounds per slot before giving up (default: 5)

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// candidate is a proposal seen in the current round
type candidate struct {
	event    membership.Event
	proposer xorname.Name
	digest   cborcanon.Digest
}

// slot is the open sequence slot
type slot struct {
	seq      uint64
	round    uint64
	deadline time.Time
	phase    Phase

	candidates map[cborcanon.Digest]*candidate
	proposers  map[xorname.Name]cborcanon.Digest
	votes      map[cborcanon.Digest]map[xorname.Name]*wire.Vote
	voted      map[xorname.Name]cborcanon.Digest
	abandons   int
}

// Coordinator drives agreement for one section
type Coordinator struct {
	mu sync.Mutex

	id      *identity.Identity
	self    xorname.Name
	network string
	section Section
	sender  Sender

	quorumNum   int
	quorumDen   int
	timeout     time.Duration
	retryBudget int

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	open    *slot
	queue   []membership.Event // local proposals waiting for a free slot
	agreed  []membership.Event // agreed since the last tick
	lost    map[xorname.Name]string
	stalled error
	subs    []chan membership.Event
	outbox  []outgoing
	closed  bool
}

type outgoing struct {
	to  []membership.Member
	msg wire.Message
}

// New creates a coordinator
func New(config *Config) (*Coordinator, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Section == nil {
		return nil, fmt.Errorf("section is required")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}

	num, den := config.QuorumNumerator, config.QuorumDenominator
	if num <= 0 || den <= 0 {
		num, den = constants.DefaultQuorumNumerator, constants.DefaultQuorumDenominator
	}
	if num*2 < den || num >= den {
		return nil, fmt.Errorf("quorum fraction %d/%d outside [1/2, 1)", num, den)
	}

	timeout := config.ProposalTimeout
	if timeout <= 0 {
		timeout = constants.DefaultProposalTimeout
	}
	budget := config.RetryBudget
	if budget <= 0 {
		budget = constants.DefaultRetryBudget
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		id:          config.Identity,
		self:        config.Identity.Name(),
		network:     config.Network,
		section:     config.Section,
		sender:      config.Sender,
		quorumNum:   num,
		quorumDen:   den,
		timeout:     timeout,
		retryBudget: budget,
		clock:       clk,
		logger:      logger.With(zap.String("node", config.Identity.Tag())),
		metrics:     config.Metrics,
		lost:        make(map[xorname.Name]string),
	}, nil
}

// Quorum returns the number of matching votes needed among n members:
// strictly more than n*num/den, and never more than n
func Quorum(n, num, den int) int {
	if n <= 0 {
		return 1
	}
	q := n*num/den + 1
	if q > n {
		q = n
	}
	return q
}

// Quorum returns the quorum for the current section size
func (c *Coordinator) Quorum() int {
	return c.QuorumOf(c.section.CurrentView().Size())
}

// QuorumOf applies the configured quorum fraction to n members
func (c *Coordinator) QuorumOf(n int) int {
	return Quorum(n, c.quorumNum, c.quorumDen)
}

// Subscribe returns a stream of agreed events and a cancel function. A
// subscriber that falls more than the buffer behind loses events.
//
// Only events agreed through this coordinator are streamed. A view installed
// from a resync snapshot skips the events in between; subscribers notice it
// as a jump from the last streamed Seq to a higher CurrentView().Seq.
func (c *Coordinator) Subscribe(buffer int) (<-chan membership.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan membership.Event, buffer)

	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Close closes every subscription
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

// Propose queues a local proposal. Its sequence number and prefix are
// assigned when a slot is free, so the same event can be proposed again
// after the section has moved on. A proposal asking for the same change as
// a queued one replaces its payload; a round already under way keeps what
// it proposed.
func (c *Coordinator) Propose(ev membership.Event) error {
	view := c.section.CurrentView()
	if !view.Contains(c.self) {
		return fmt.Errorf("%w: %s", ErrNotMember, c.self.Short())
	}
	ev.Seq = view.Seq + 1
	ev.Prefix = view.Prefix
	if err := c.section.Check(&ev); err != nil {
		return err
	}

	c.mu.Lock()
	if i := c.queuedLocked(&ev); i >= 0 {
		c.queue[i] = ev
	} else {
		c.queue = append(c.queue, ev)
		c.logger.Debug("queued proposal", zap.String("event", ev.String()))
	}
	c.pump()
	out := c.takeOutbox()
	c.mu.Unlock()

	c.flush(out)
	return nil
}

// queuedLocked returns the queue index of a proposal with the same intent,
// or -1; callers hold c.mu
func (c *Coordinator) queuedLocked(ev *membership.Event) int {
	for i := range c.queue {
		if sameIntent(&c.queue[i], ev) {
			return i
		}
	}
	return -1
}

// sameIntent reports whether two local proposals ask for the same change.
// Splits and merges carry no member, so any two of a kind match.
func sameIntent(a, b *membership.Event) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Member != nil && b.Member != nil {
		return a.Member.Name == b.Member.Name
	}
	return a.Member == nil && b.Member == nil
}

// pump proposes the head of the queue into the next slot, opening it if
// needed. Nothing is proposed into a round this node already voted in.
// Callers hold c.mu.
func (c *Coordinator) pump() {
	view := c.section.CurrentView()
	if c.open != nil && c.open.seq != view.Seq+1 {
		c.open = nil
	}
	if c.open != nil {
		if _, proposed := c.open.proposers[c.self]; proposed || c.open.phase != PhaseProposed {
			return
		}
	}

	for len(c.queue) > 0 {
		ev := c.queue[0]
		ev.Seq = view.Seq + 1
		ev.Prefix = view.Prefix
		if ev.Kind == membership.EventSectionMerge && ev.Merge != nil && ev.Merge.MergedSeq < ev.Seq {
			ev.Merge.MergedSeq = ev.Seq
		}
		if err := c.section.Check(&ev); err != nil {
			c.logger.Debug("dropping queued proposal", zap.String("event", ev.String()), zap.Error(err))
			c.queue = c.queue[1:]
			continue
		}
		if c.open == nil {
			c.openSlot(view.Seq+1, 0)
		}
		c.proposeLocked(ev, view)
		return
	}
}

// openSlot starts a fresh round for seq; callers hold c.mu
func (c *Coordinator) openSlot(seq, round uint64) {
	abandons := 0
	if c.open != nil && c.open.seq == seq {
		abandons = c.open.abandons
	}
	c.open = &slot{
		seq:        seq,
		round:      round,
		deadline:   c.clock.Now().Add(c.timeout),
		phase:      PhaseProposed,
		candidates: make(map[cborcanon.Digest]*candidate),
		proposers:  make(map[xorname.Name]cborcanon.Digest),
		votes:      make(map[cborcanon.Digest]map[xorname.Name]*wire.Vote),
		voted:      make(map[xorname.Name]cborcanon.Digest),
		abandons:   abandons,
	}
}

// proposeLocked records and broadcasts a local proposal; callers hold c.mu
func (c *Coordinator) proposeLocked(ev membership.Event, view *membership.View) {
	digest, err := ev.Digest()
	if err != nil {
		c.logger.Error("failed to digest proposal", zap.Error(err))
		return
	}
	s := c.open
	s.candidates[digest] = &candidate{event: ev, proposer: c.self, digest: digest}
	s.proposers[c.self] = digest

	c.send(view, &wire.Proposal{Round: s.round, Event: ev})
	c.metrics.Proposal("proposed")
	c.logger.Debug("proposed event",
		zap.String("event", ev.String()),
		zap.Uint64("round", s.round))
}

// HandleProposal records a proposal from a section member
func (c *Coordinator) HandleProposal(from xorname.Name, p *wire.Proposal) error {
	c.mu.Lock()
	err := c.handleProposal(from, p)
	out := c.takeOutbox()
	c.mu.Unlock()

	c.flush(out)
	return err
}

func (c *Coordinator) handleProposal(from xorname.Name, p *wire.Proposal) error {
	view := c.section.CurrentView()
	if !view.Contains(from) {
		return fmt.Errorf("%w: proposer %s", ErrNotMember, from.Short())
	}
	if err := c.admitSlot(view, p.Event.Seq, p.Round); err != nil {
		return err
	}
	if err := c.section.Check(&p.Event); err != nil {
		return fmt.Errorf("rejected proposal %s from %s: %w", p.Event.String(), from.Short(), err)
	}

	digest, err := p.Event.Digest()
	if err != nil {
		return err
	}

	s := c.open
	if prev, ok := s.proposers[from]; ok {
		if prev != digest {
			c.equivocated(from, view, "conflicting proposals")
		}
		return nil
	}
	s.proposers[from] = digest
	if _, ok := s.candidates[digest]; !ok {
		s.candidates[digest] = &candidate{event: p.Event, proposer: from, digest: digest}
	} else if from.Less(s.candidates[digest].proposer) {
		s.candidates[digest].proposer = from
	}

	return c.checkQuorum(view)
}

// admitSlot makes sure the open slot matches (seq, round), opening or
// advancing it when a peer is ahead within the next slot; callers hold c.mu
func (c *Coordinator) admitSlot(view *membership.View, seq, round uint64) error {
	next := view.Seq + 1
	switch {
	case seq <= view.Seq:
		return fmt.Errorf("%w: slot %d already agreed", ErrStale, seq)
	case seq > next:
		return fmt.Errorf("%w: message for slot %d, local watermark %d", ErrBehind, seq, view.Seq)
	}

	if c.open == nil || c.open.seq != next {
		c.openSlot(next, round)
		return nil
	}
	switch {
	case round < c.open.round:
		return fmt.Errorf("%w: round %d, current %d", ErrStale, round, c.open.round)
	case round > c.open.round:
		c.logger.Debug("joining later round",
			zap.Uint64("seq", next),
			zap.Uint64("from", c.open.round),
			zap.Uint64("to", round))
		c.openSlot(next, round)
	}
	return nil
}

// HandleVote records a signed vote from a section member
func (c *Coordinator) HandleVote(v *wire.Vote) error {
	c.mu.Lock()
	err := c.handleVote(v)
	out := c.takeOutbox()
	c.mu.Unlock()

	c.flush(out)
	return err
}

func (c *Coordinator) handleVote(v *wire.Vote) error {
	pub, err := identity.ParseID(v.Voter)
	if err != nil {
		return wire.ErrInvalidSignature(fmt.Sprintf("bad voter id: %v", err))
	}
	if !identity.Verify(pub, v.Payload(c.network).SigningBytes(), v.Sig) {
		return wire.ErrInvalidSignature("vote signature verification failed")
	}

	voter := identity.ClientName(pub)
	view := c.section.CurrentView()
	if m, ok := view.Member(voter); !ok || m.ID != v.Voter {
		return fmt.Errorf("%w: voter %s", ErrNotMember, voter.Short())
	}
	if !v.Prefix.Equal(view.Prefix) {
		return fmt.Errorf("%w: vote for %s in section %s", ErrStale, v.Prefix.Display(), view.Prefix.Display())
	}
	if err := c.admitSlot(view, v.Seq, v.Round); err != nil {
		return err
	}

	s := c.open
	if prev, ok := s.voted[voter]; ok {
		if prev != v.Digest {
			c.equivocated(voter, view, "conflicting votes")
		}
		return nil
	}
	s.voted[voter] = v.Digest
	if s.votes[v.Digest] == nil {
		s.votes[v.Digest] = make(map[xorname.Name]*wire.Vote)
	}
	s.votes[v.Digest][voter] = v

	return c.checkQuorum(view)
}

// equivocated queues the member as lost; callers hold c.mu
func (c *Coordinator) equivocated(name xorname.Name, view *membership.View, reason string) {
	if _, done := c.lost[name]; done {
		return
	}
	m, ok := view.Member(name)
	if !ok {
		return
	}
	c.lost[name] = reason
	c.logger.Warn("member equivocated",
		zap.String("member", name.Short()),
		zap.String("reason", reason),
		zap.Uint64("seq", c.open.seq),
		zap.Uint64("round", c.open.round))
	if name == c.self {
		return
	}
	c.queue = append(c.queue, membership.Event{
		Kind:   membership.EventMemberLost,
		Member: &m,
		Reason: reason,
	})
}

// Equivocators returns members caught sending conflicting messages
func (c *Coordinator) Equivocators() []xorname.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]xorname.Name, 0, len(c.lost))
	for name := range c.lost {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// checkQuorum agrees the open slot once a known event has a quorum of
// votes from current members; callers hold c.mu
func (c *Coordinator) checkQuorum(view *membership.View) error {
	s := c.open
	if s == nil {
		return nil
	}
	quorum := Quorum(view.Size(), c.quorumNum, c.quorumDen)

	for digest, voters := range s.votes {
		count := 0
		for name := range voters {
			if view.Contains(name) {
				count++
			}
		}
		if count < quorum {
			continue
		}
		cand, ok := s.candidates[digest]
		if !ok {
			// Quorum for an event we never saw; it arrives by resync
			continue
		}
		return c.agree(cand, count, quorum)
	}
	return nil
}

// agree applies an agreed event and moves to the next slot; callers hold c.mu
func (c *Coordinator) agree(cand *candidate, votes, quorum int) error {
	s := c.open
	res, err := c.section.Apply(cand.event)
	if err != nil && !errors.Is(err, section.ErrSequenceGap) {
		c.logger.Error("failed to apply agreed event",
			zap.String("event", cand.event.String()),
			zap.Error(err))
		return err
	}

	c.logger.Info("agreed membership event",
		zap.String("event", cand.event.String()),
		zap.Uint64("round", s.round),
		zap.Int("votes", votes),
		zap.Int("quorum", quorum))
	c.metrics.Proposal("agreed")
	c.stalled = nil

	if len(c.queue) > 0 && cand.proposer == c.self && sameIntent(&c.queue[0], &cand.event) {
		c.queue = c.queue[1:]
	}
	if cand.event.Member != nil && cand.event.Kind == membership.EventMemberLost {
		delete(c.lost, cand.event.Member.Name)
	}

	for _, ev := range res.Applied {
		c.agreed = append(c.agreed, ev)
		c.publish(ev)
	}
	c.open = nil
	c.pump()
	return nil
}

// publish hands an agreed event to subscribers; callers hold c.mu
func (c *Coordinator) publish(ev membership.Event) {
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn("event subscriber is full, dropping event", zap.String("event", ev.String()))
		}
	}
}

// Tick casts a pending vote, times out the open round and reports what
// happened since the previous tick
func (c *Coordinator) Tick() (Outcome, error) {
	c.mu.Lock()
	outcome, err := c.tick()
	out := c.takeOutbox()
	c.mu.Unlock()

	c.flush(out)
	return outcome, err
}

func (c *Coordinator) tick() (Outcome, error) {
	view := c.section.CurrentView()
	if c.open != nil && c.open.seq != view.Seq+1 {
		// The store moved on without us, e.g. after a resync
		c.open = nil
	}
	c.pump()

	if c.open != nil && c.open.phase == PhaseProposed {
		c.vote(view)
		if err := c.checkQuorum(view); err != nil {
			return Outcome{}, err
		}
	}

	if len(c.agreed) > 0 {
		agreed := c.agreed
		c.agreed = nil
		return Outcome{State: StateAgreed, Seq: agreed[len(agreed)-1].Seq, Agreed: agreed}, nil
	}

	s := c.open
	if s == nil {
		return Outcome{State: StateIdle}, nil
	}
	if c.clock.Now().Before(s.deadline) {
		return Outcome{State: StatePending, Seq: s.seq, Round: s.round}, nil
	}
	return c.abandon(view)
}

// vote casts this node's vote for the lowest proposer's candidate; callers
// hold c.mu
func (c *Coordinator) vote(view *membership.View) {
	s := c.open
	if !view.Contains(c.self) || len(s.candidates) == 0 {
		return
	}

	var best *candidate
	for _, cand := range s.candidates {
		if best == nil || cand.proposer.Less(best.proposer) ||
			(cand.proposer == best.proposer && lessDigest(cand.digest, best.digest)) {
			best = cand
		}
	}

	v := &wire.Vote{
		Prefix: view.Prefix,
		Seq:    s.seq,
		Round:  s.round,
		Digest: best.digest,
		Voter:  c.id.ID(),
	}
	v.Sig = c.id.Sign(v.Payload(c.network).SigningBytes())

	s.phase = PhaseVoting
	s.voted[c.self] = best.digest
	if s.votes[best.digest] == nil {
		s.votes[best.digest] = make(map[xorname.Name]*wire.Vote)
	}
	s.votes[best.digest][c.self] = v

	c.send(view, v)
	c.logger.Debug("voted",
		zap.String("event", best.event.String()),
		zap.String("proposer", best.proposer.Short()),
		zap.Uint64("round", s.round))
}

func lessDigest(a, b cborcanon.Digest) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// abandon times out the open round; callers hold c.mu
func (c *Coordinator) abandon(view *membership.View) (Outcome, error) {
	s := c.open
	c.metrics.Proposal("abandoned")
	s.abandons++
	c.logger.Info("abandoned round without quorum",
		zap.Uint64("seq", s.seq),
		zap.Uint64("round", s.round),
		zap.Int("abandons", s.abandons),
		zap.Int("candidates", len(s.candidates)))

	outcome := Outcome{State: StateAbandoned, Seq: s.seq, Round: s.round}
	var mine *membership.Event
	if d, ok := s.proposers[c.self]; ok {
		ev := s.candidates[d].event
		mine = &ev
	}

	if s.abandons > c.retryBudget {
		err := fmt.Errorf("%w: slot %d of %s abandoned %d times", ErrRetryBudgetExhausted, s.seq, view.Prefix.Display(), s.abandons)
		c.stalled = err
		c.metrics.Proposal("exhausted")
		c.logger.Error("giving up on proposal, operator intervention required", zap.Error(err))
		if mine != nil && len(c.queue) > 0 && sameIntent(&c.queue[0], mine) {
			c.queue = c.queue[1:]
		}
		c.open = nil
		return outcome, err
	}

	c.openSlot(s.seq, s.round+1)
	c.pump()
	return outcome, fmt.Errorf("%w: slot %d round %d", ErrQuorumAbandoned, s.seq, s.round)
}

// send queues a message for every other member; callers hold c.mu
func (c *Coordinator) send(view *membership.View, msg wire.Message) {
	to := make([]membership.Member, 0, len(view.Members))
	for _, m := range view.Members {
		if m.Name != c.self {
			to = append(to, m)
		}
	}
	if len(to) > 0 {
		c.outbox = append(c.outbox, outgoing{to: to, msg: msg})
	}
}

func (c *Coordinator) takeOutbox() []outgoing {
	out := c.outbox
	c.outbox = nil
	return out
}

// flush sends queued messages without holding the lock
func (c *Coordinator) flush(out []outgoing) {
	for _, o := range out {
		if err := c.sender.Broadcast(o.to, o.msg); err != nil {
			c.logger.Warn("failed to broadcast consensus message", zap.Error(err))
		}
	}
}

// Status describes the coordinator for operators
type Status struct {
	Seq       uint64 `json:"seq"`
	Round     uint64 `json:"round"`
	Phase     string `json:"phase"`
	Proposals int    `json:"proposals"`
	Votes     int    `json:"votes"`
	Queued    int    `json:"queued"`
	Quorum    int    `json:"quorum"`
	Stalled   string `json:"stalled,omitempty"`
}

// Status returns the current state of the open slot
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Queued: len(c.queue),
		Quorum: Quorum(c.section.CurrentView().Size(), c.quorumNum, c.quorumDen),
		Phase:  "idle",
	}
	if c.stalled != nil {
		st.Stalled = c.stalled.Error()
	}
	if s := c.open; s != nil {
		st.Seq = s.seq
		st.Round = s.round
		st.Phase = s.phase.String()
		st.Proposals = len(s.candidates)
		st.Votes = len(s.voted)
	}
	return st
}

// Stalled returns the retry budget failure awaiting an operator, or nil
func (c *Coordinator) Stalled() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/admission"
	"github.com/WebFirstLanguage/beevault/internal/consensus"
	"github.com/WebFirstLanguage/beevault/internal/planner"
	"github.com/WebFirstLanguage/beevault/internal/resourceproof"
	"github.com/WebFirstLanguage/beevault/internal/section"
	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/transport"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"go.uber.org/zap"
)

// HandleMessage dispatches one message from an authenticated peer. The
// reply, if any, goes back to the same peer.
func (v *Vault) HandleMessage(ctx context.Context, from transport.Peer, msg wire.Message) (wire.Message, error) {
	switch m := msg.(type) {
	case *wire.ConnectRequest:
		return v.handleConnect(from, m)
	case *wire.Challenge:
		return nil, v.handleChallenge(ctx, from, m)
	case *wire.ProofResponse:
		return v.handleProof(from, m)
	case *wire.ConnectResponse:
		return nil, v.handleConnectResponse(ctx, from, m)
	case *wire.Proposal:
		return nil, v.handleProposal(from, m)
	case *wire.Vote:
		return nil, v.handleVote(m)
	case *wire.SnapshotRequest:
		return v.handleSnapshotRequest(from, m)
	case *wire.Snapshot:
		return nil, v.handleSnapshot(ctx, from, m)
	case *wire.Heartbeat:
		return nil, v.handleHeartbeat(from, m)
	case *wire.Error:
		v.logger.Debug("peer reported error",
			zap.String("peer", from.Name.Short()),
			zap.String("code", wire.ErrorCodeName(m.Code)),
			zap.String("reason", m.Reason))
		return nil, nil
	default:
		return nil, wire.NewError(constants.ErrorMalformed, fmt.Sprintf("unexpected message %T", msg))
	}
}

// handleConnect admits a client or starts admitting a joining node
func (v *Vault) handleConnect(from transport.Peer, req *wire.ConnectRequest) (wire.Message, error) {
	if req.Network != v.network {
		return nil, wire.NewError(constants.ErrorMalformed,
			fmt.Sprintf("network %q, this vault serves %q", req.Network, v.network))
	}
	if err := v.limiter.Admit(from.Name, admission.Request); err != nil {
		return nil, err
	}

	st := v.sections.Own()
	if st == nil || !v.IsMember() {
		return nil, wire.NewError(constants.ErrorNotInSection, "vault has not joined a section yet")
	}
	view := st.CurrentView()

	if req.Role == wire.RoleClient {
		v.metrics.Admission("client_connected")
		return &wire.ConnectResponse{Accepted: true, Prefix: view.Prefix, Seq: view.Seq}, nil
	}

	if !view.Prefix.Matches(from.Name) {
		return nil, wire.ErrNotInSection(view.Prefix.Display())
	}
	if view.Contains(from.Name) {
		return &wire.ConnectResponse{Accepted: true, Prefix: view.Prefix, Seq: view.Seq}, nil
	}

	cand := membership.Member{
		ID:              from.ID,
		Name:            from.Name,
		Endpoint:        req.Endpoint,
		KeyAgreementKey: req.KeyAgreementKey,
	}
	if cand.Endpoint == "" && from.Addr != nil {
		cand.Endpoint = from.Addr.String()
	}

	if target, ok := v.relocationTarget(view); ok {
		v.relocate(view, cand, target)
		return nil, nil
	}

	if v.engine.Disabled() {
		v.track(cand, v.clock.Now().Add(v.settings.ChallengeTimeout), true)
		v.propose(membership.EventCandidateJoinRequested, cand)
		v.propose(membership.EventCandidateAccepted, cand)
		return nil, nil
	}

	v.engine.Recalibrate(view.Size(), v.planner.MinSectionSize(), v.governor.Utilization())
	ch, err := v.engine.IssueChallenge(from.Name)
	if err != nil {
		return nil, err
	}
	v.track(cand, ch.Deadline.Add(v.settings.ProposalTimeout), false)
	v.propose(membership.EventCandidateJoinRequested, cand)

	v.logger.Info("issued resource proof challenge",
		zap.String("candidate", from.Name.Short()),
		zap.Uint8("difficulty", ch.Difficulty))
	return &wire.Challenge{
		Seed:                ch.Seed,
		Difficulty:          ch.Difficulty,
		Candidate:           ch.Candidate,
		IssuedAt:            uint64(ch.IssuedAt.UnixMilli()),
		Deadline:            uint64(ch.Deadline.UnixMilli()),
		UtilizationPermille: uint16(v.governor.Utilization() * 1000),
	}, nil
}

// track records a candidate this vault is admitting
func (v *Vault) track(m membership.Member, deadline time.Time, accepted bool) {
	v.jmu.Lock()
	defer v.jmu.Unlock()
	if c, ok := v.candidates[m.Name]; ok {
		c.member = m
		c.deadline = deadline
		c.accepted = c.accepted || accepted
		return
	}
	v.candidates[m.Name] = &candidate{member: m, deadline: deadline, accepted: accepted}
}

// relocationTarget picks the sibling section a new candidate should join
// instead, when this vault is nearly full and the sibling is no larger
func (v *Vault) relocationTarget(view *membership.View) (xorname.Prefix, bool) {
	if view.Prefix.Len == 0 {
		return xorname.Prefix{}, false
	}
	st := v.sections.Sibling(view.Prefix)
	if st == nil || st.Halted() != nil {
		return xorname.Prefix{}, false
	}
	return planner.RelocationTarget(view, st.CurrentView(), v.governor.Utilization())
}

// relocate starts sending a candidate to target. The candidate is logged as
// pending first; its relocation is proposed once that is agreed.
func (v *Vault) relocate(view *membership.View, cand membership.Member, target xorname.Prefix) {
	v.track(cand, v.clock.Now().Add(v.settings.ChallengeTimeout), false)
	v.jmu.Lock()
	if c, ok := v.candidates[cand.Name]; ok {
		c.relocateTo = &target
	}
	v.jmu.Unlock()

	v.logger.Info("relocating candidate",
		zap.String("candidate", cand.Name.Short()),
		zap.String("target", target.Display()))
	for _, p := range view.Pending {
		if p.Name == cand.Name {
			v.proposeEvent(membership.Event{Kind: membership.EventMemberRelocated, Member: &cand, Target: target})
			return
		}
	}
	v.propose(membership.EventCandidateJoinRequested, cand)
}

// propose queues a membership event for the local section. Events that
// would change nothing are not an error.
func (v *Vault) propose(kind membership.EventKind, m membership.Member) {
	ev := membership.Event{Kind: kind, Member: &m}
	if kind == membership.EventMemberLost {
		ev.Reason = "liveness timeout"
	}
	v.proposeEvent(ev)
}

func (v *Vault) proposeEvent(ev membership.Event) {
	if err := v.coord.Propose(ev); err != nil && !errors.Is(err, section.ErrNoEffect) {
		v.logger.Warn("failed to propose membership event",
			zap.String("kind", ev.Kind.String()),
			zap.Error(err))
	}
}

// handleProof verifies a candidate's solution and proposes its acceptance
func (v *Vault) handleProof(from transport.Peer, resp *wire.ProofResponse) (wire.Message, error) {
	v.jmu.Lock()
	cand, ok := v.candidates[from.Name]
	v.jmu.Unlock()
	if !ok {
		return nil, wire.NewError(constants.ErrorProofRejected, "no admission in progress")
	}

	res, err := v.engine.Verify(resp.Seed, from.Name, resp.Nonce)
	if err != nil {
		return nil, err
	}

	switch res.Verdict {
	case resourceproof.VerdictAccept:
		v.jmu.Lock()
		cand.accepted = true
		member := cand.member
		v.jmu.Unlock()
		v.logger.Info("resource proof accepted", zap.String("candidate", from.Name.Short()))
		v.propose(membership.EventCandidateAccepted, member)
		return nil, nil

	case resourceproof.VerdictDuplicate:
		return nil, nil

	default:
		if v.engine.IsBanned(from.Name) {
			v.limiter.Ban(from.Name, constants.BanDuration)
			v.jmu.Lock()
			delete(v.candidates, from.Name)
			v.jmu.Unlock()
		}
		return nil, wire.NewError(constants.ErrorProofRejected, res.Reason)
	}
}

// handleChallenge solves a challenge issued to this vault while joining.
// Only the peers the join went to may issue one, and one solve runs at a
// time.
func (v *Vault) handleChallenge(ctx context.Context, from transport.Peer, ch *wire.Challenge) error {
	if ch.Candidate != v.self.Name {
		return wire.NewError(constants.ErrorProofRejected, "challenge issued to another candidate")
	}
	if ch.Difficulty > constants.DefaultProofMaxBits {
		return wire.NewError(constants.ErrorProofRejected,
			fmt.Sprintf("difficulty %d exceeds %d bits", ch.Difficulty, constants.DefaultProofMaxBits))
	}
	reply := from.Addr.String()

	v.jmu.Lock()
	var refuse string
	switch {
	case v.joinSent.IsZero():
		refuse = "not joining"
	case !v.joinedViaLocked(reply):
		refuse = "challenge from a peer the join did not go to"
	case v.solving:
		refuse = "a challenge is already being solved"
	default:
		v.solving = true
	}
	v.jmu.Unlock()
	if refuse != "" {
		return wire.NewError(constants.ErrorProofRejected, refuse)
	}

	window := v.settings.ChallengeTimeout
	if ch.Deadline > ch.IssuedAt {
		if ms := ch.Deadline - ch.IssuedAt; ms < uint64(window/time.Millisecond) {
			window = time.Duration(ms) * time.Millisecond
		}
	}
	v.logger.Info("solving resource proof",
		zap.String("issuer", from.Name.Short()),
		zap.Uint8("difficulty", ch.Difficulty),
		zap.Duration("window", window),
		zap.Uint16("section_utilization_permille", ch.UtilizationPermille))

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		defer func() {
			v.jmu.Lock()
			v.solving = false
			v.jmu.Unlock()
		}()
		solveCtx, cancel := context.WithTimeout(v.runContext(), window)
		defer cancel()

		start := time.Now()
		nonce, err := resourceproof.Solve(solveCtx, ch.Seed, v.self.Name, ch.Difficulty)
		if err != nil {
			v.logger.Warn("failed to solve resource proof", zap.Error(err))
			return
		}
		v.logger.Debug("solved resource proof", zap.Duration("took", time.Since(start)))
		if err := v.send(ctx, reply, &wire.ProofResponse{Seed: ch.Seed, Nonce: nonce}); err != nil {
			v.logger.Warn("failed to send proof", zap.Error(err))
		}
	}()
	return nil
}

// handleConnectResponse completes a join by fetching the section snapshot
func (v *Vault) handleConnectResponse(ctx context.Context, from transport.Peer, resp *wire.ConnectResponse) error {
	if resp.Relocation != nil {
		return v.handleRelocation(from, resp.Relocation)
	}
	if !resp.Accepted {
		if resp.Error != nil {
			v.logger.Warn("join refused", zap.String("peer", from.Name.Short()), zap.Error(resp.Error))
		}
		return nil
	}
	if v.IsMember() {
		return nil
	}
	v.logger.Info("join accepted, fetching section snapshot",
		zap.String("prefix", resp.Prefix.Display()),
		zap.Uint64("seq", resp.Seq))

	to := from.Addr.String()
	v.jmu.Lock()
	r := v.newResyncLocked(resp.Prefix, 0)
	r.sentAt = v.clock.Now()
	r.asked[to] = true
	v.resyncs[resp.Prefix.String()] = r
	v.jmu.Unlock()
	return v.send(ctx, to, &wire.SnapshotRequest{Prefix: resp.Prefix})
}

// handleRelocation records that a section sent this vault elsewhere. The
// vault stops joining; whoever runs it rejoins the target under a new name.
func (v *Vault) handleRelocation(from transport.Peer, r *wire.Relocation) error {
	if v.IsMember() {
		return nil
	}
	if r.Target.Len > constants.MaxRelocationPrefixLen || len(r.Contacts) == 0 {
		return wire.NewError(constants.ErrorMalformed, "relocation without a usable target")
	}

	v.jmu.Lock()
	if !v.joinedHostLocked(from.Addr.String()) {
		v.jmu.Unlock()
		return wire.NewError(constants.ErrorMalformed, "relocation from a host the join did not go to")
	}
	if v.relocation != nil {
		v.jmu.Unlock()
		return nil
	}
	reloc := wire.Relocation{Target: r.Target, Contacts: append([]string(nil), r.Contacts...)}
	v.relocation = &reloc
	v.joinSent = time.Time{}
	v.jmu.Unlock()

	v.logger.Info("relocated by section",
		zap.String("peer", from.Name.Short()),
		zap.String("target", reloc.Target.Display()),
		zap.Strings("contacts", reloc.Contacts))
	select {
	case v.relocated <- reloc:
	default:
	}
	return nil
}

func (v *Vault) handleProposal(from transport.Peer, p *wire.Proposal) error {
	err := v.coord.HandleProposal(from.Name, p)
	if errors.Is(err, consensus.ErrBehind) {
		v.RequestResync(p.Event.Prefix, p.Event.Seq)
	}
	return ignoreStale(err)
}

func (v *Vault) handleVote(vote *wire.Vote) error {
	err := v.coord.HandleVote(vote)
	if errors.Is(err, consensus.ErrBehind) {
		v.RequestResync(vote.Prefix, vote.Seq)
	}
	return ignoreStale(err)
}

// ignoreStale drops errors about messages that arrived after their slot.
// They are normal under reordering and not worth an error reply.
func ignoreStale(err error) error {
	if errors.Is(err, consensus.ErrStale) {
		return nil
	}
	return err
}

// handleSnapshotRequest serves the current view of a known section. A
// request for a section that has since split is answered with the half the
// requester belongs to.
func (v *Vault) handleSnapshotRequest(from transport.Peer, req *wire.SnapshotRequest) (wire.Message, error) {
	st := v.sections.Get(req.Prefix)
	if st == nil && req.Prefix.Matches(from.Name) {
		st = v.sections.Lookup(from.Name)
	}
	if st == nil {
		st = v.sections.Lookup(req.Prefix.Bits)
	}
	if st != nil && !st.Prefix().IsCompatible(req.Prefix) {
		st = nil
	}
	if st == nil {
		return nil, wire.NewError(constants.ErrorNotInSection, fmt.Sprintf("no view of section %s", req.Prefix.Display()))
	}
	if err := st.Halted(); err != nil {
		return nil, err
	}
	snap := st.Snapshot()
	data, err := section.EncodeSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return &wire.Snapshot{Prefix: snap.View.Prefix, Seq: snap.View.Seq, Data: data}, nil
}

// handleSnapshot collects a requested snapshot and installs it once a
// quorum of the reference members sent the same view. Unsolicited
// snapshots are ignored.
func (v *Vault) handleSnapshot(ctx context.Context, from transport.Peer, msg *wire.Snapshot) error {
	if !v.expecting(msg) {
		v.logger.Debug("ignoring unsolicited snapshot",
			zap.String("peer", from.Name.Short()),
			zap.String("prefix", msg.Prefix.Display()))
		return nil
	}

	snap, err := section.DecodeSnapshot(msg.Data)
	if err != nil {
		return wire.NewError(constants.ErrorMalformed, err.Error())
	}
	if !snap.View.Prefix.Equal(msg.Prefix) || snap.View.Seq != msg.Seq {
		return wire.NewError(constants.ErrorMalformed, "snapshot header does not match its content")
	}

	endorsed, prefix, ask, err := v.endorse(from, snap)
	if err != nil {
		return err
	}
	if endorsed == nil {
		if len(ask) > 0 {
			v.logger.Debug("snapshot needs more endorsements",
				zap.String("prefix", snap.View.Prefix.Display()),
				zap.Strings("asking", ask))
			if err := v.broadcast(ctx, ask, &wire.SnapshotRequest{Prefix: prefix}); err != nil {
				v.logger.Debug("snapshot request not delivered to every member", zap.Error(err))
			}
		}
		return nil
	}

	wasMember := v.IsMember()
	res, err := v.sections.Observe(endorsed)
	if err != nil {
		return err
	}
	v.jmu.Lock()
	for key, r := range v.resyncs {
		if r.prefix.IsCompatible(endorsed.View.Prefix) {
			delete(v.resyncs, key)
		}
	}
	v.jmu.Unlock()

	v.logger.Info("installed section snapshot",
		zap.String("peer", from.Name.Short()),
		zap.String("prefix", endorsed.View.Prefix.Display()),
		zap.Uint64("seq", endorsed.View.Seq),
		zap.String("outcome", res.Outcome.String()))

	if !wasMember && v.IsMember() {
		v.jmu.Lock()
		v.joinSent = time.Time{}
		v.jmu.Unlock()
		v.logger.Info("joined section", zap.String("prefix", v.View().Prefix.Display()))
	}
	return nil
}

// endorse records one peer's answer to a resync. It returns the snapshot
// once enough endorsers agree on it; otherwise the endpoints still worth
// asking.
func (v *Vault) endorse(from transport.Peer, snap *membership.Snapshot) (*membership.Snapshot, xorname.Prefix, []string, error) {
	digest, err := cborcanon.DigestOf(&snap.View)
	if err != nil {
		return nil, xorname.Prefix{}, nil, wire.NewError(constants.ErrorMalformed, err.Error())
	}

	v.jmu.Lock()
	defer v.jmu.Unlock()
	var r *resync
	for _, pending := range v.resyncs {
		if !pending.sentAt.IsZero() && pending.prefix.IsCompatible(snap.View.Prefix) {
			r = pending
			break
		}
	}
	if r == nil {
		return nil, xorname.Prefix{}, nil, nil
	}
	if len(r.reference) == 0 {
		r.reference = membership.CloneMembers(snap.View.Members)
	}

	r.answers[from.Name] = digest
	r.offers[digest] = snap
	for d := range r.offers {
		if !answered(r.answers, d) {
			delete(r.offers, d)
		}
	}

	endorsers := endorsersOf(r.reference, snap, v.self.Name)
	count := 0
	for _, m := range endorsers {
		if r.answers[m.Name] == digest {
			count++
		}
	}
	if len(endorsers) > 0 && count >= v.coord.QuorumOf(len(endorsers)) {
		return snap, r.prefix, nil, nil
	}

	var ask []string
	for _, m := range endorsers {
		if _, ok := r.answers[m.Name]; ok || m.Endpoint == "" || r.asked[m.Endpoint] {
			continue
		}
		r.asked[m.Endpoint] = true
		ask = append(ask, m.Endpoint)
	}
	return nil, r.prefix, ask, nil
}

func answered(answers map[xorname.Name]cborcanon.Digest, d cborcanon.Digest) bool {
	for _, a := range answers {
		if a == d {
			return true
		}
	}
	return false
}

// endorsersOf returns the members whose answers vouch for snap: the
// reference members under the snapshot's prefix, else every other
// reference member, else the snapshot's own members. Self never counts.
func endorsersOf(reference []membership.Member, snap *membership.Snapshot, self xorname.Name) []membership.Member {
	var under, rest []membership.Member
	for _, m := range reference {
		switch {
		case m.Name == self:
		case snap.View.Prefix.Matches(m.Name):
			under = append(under, m)
		default:
			rest = append(rest, m)
		}
	}
	if len(under) > 0 {
		return under
	}
	if len(rest) > 0 {
		return rest
	}
	for _, m := range snap.View.Members {
		if m.Name != self {
			under = append(under, m)
		}
	}
	return under
}

// handleHeartbeat records liveness and notices when the local log is behind
func (v *Vault) handleHeartbeat(from transport.Peer, hb *wire.Heartbeat) error {
	view := v.View()
	if view == nil {
		return nil
	}
	if view.Contains(from.Name) {
		v.tracker.Observe(from.Name)
	}
	switch {
	case hb.Prefix.Equal(view.Prefix) && hb.Seq > view.Seq:
		v.RequestResync(view.Prefix, view.Seq+1)
	case view.Prefix.IsAncestorOf(hb.Prefix) && !hb.Prefix.Equal(view.Prefix):
		// The sender's section split and this vault missed it
		v.RequestResync(view.Prefix, view.Seq+1)
	}
	return nil
}

package vault

import (
	"context"
	"errors"

	"github.com/WebFirstLanguage/beevault/internal/consensus"
	"github.com/WebFirstLanguage/beevault/internal/planner"
	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"go.uber.org/zap"
)

// Tick advances every deadline-driven part of the vault: consensus rounds,
// liveness, split and merge planning, challenge expiry and resyncs. The run
// loop calls it every tick interval.
func (v *Vault) Tick(ctx context.Context) {
	outcome, err := v.coord.Tick()
	switch {
	case errors.Is(err, consensus.ErrRetryBudgetExhausted):
		v.logger.Error("membership agreement stalled, operator intervention required", zap.Error(err))
		v.setState(StateError)
	case errors.Is(err, consensus.ErrQuorumAbandoned):
		v.logger.Info("membership round abandoned", zap.Uint64("seq", outcome.Seq), zap.Uint64("round", outcome.Round))
	case err != nil:
		v.logger.Warn("consensus tick failed", zap.Error(err))
	}

	v.drainEvents(ctx)

	if st := v.sections.Own(); st != nil {
		if err := st.Halted(); err != nil {
			v.RequestResync(st.Prefix(), 0)
		} else if v.IsMember() {
			v.tickMember(ctx, st.CurrentView())
		}
	}

	v.engine.Sweep()
	v.limiter.Sweep()
	v.expireCandidates()
	v.flushResyncs(ctx)
	v.retryJoin(ctx)

	if v.State() == StateError && v.Health() == nil {
		v.logger.Info("section state recovered")
		v.setState(StateRunning)
	}
}

// tickMember runs the duties of a section member
func (v *Vault) tickMember(ctx context.Context, view *membership.View) {
	v.syncTracker(view)

	for _, name := range v.tracker.Expired() {
		m, ok := view.Member(name)
		if !ok {
			continue
		}
		v.logger.Info("member unresponsive, proposing removal", zap.String("member", name.Short()))
		v.propose(membership.EventMemberLost, m)
	}

	var sibling *membership.View
	if st := v.sections.Sibling(view.Prefix); st != nil {
		sibling = st.CurrentView()
	}
	plan := v.planner.Evaluate(view, sibling)
	switch plan.Action {
	case planner.ActionSplit, planner.ActionMerge:
		v.logger.Info("proposing section reconfiguration",
			zap.String("action", plan.Action.String()),
			zap.String("prefix", view.Prefix.Display()),
			zap.String("reason", plan.Reason))
		v.proposeEvent(*plan.Event)
	case planner.ActionAwaitSibling:
		v.RequestResync(view.Prefix.Sibling(), 0)
	}

	util := v.governor.Utilization()
	v.engine.Recalibrate(view.Size(), v.planner.MinSectionSize(), util)
	v.metrics.Section(view.Size(), view.Prefix.Len)
	v.metrics.Utilization(util)

	var peers []string
	for _, m := range view.Members {
		if m.Name != v.self.Name && m.Endpoint != "" {
			peers = append(peers, m.Endpoint)
		}
	}
	if len(peers) > 0 {
		if err := v.broadcast(ctx, peers, &wire.Heartbeat{Prefix: view.Prefix, Seq: view.Seq}); err != nil {
			v.logger.Debug("heartbeat not delivered to every member", zap.Error(err))
		}
	}
}

// syncTracker follows membership changes in the liveness tracker
func (v *Vault) syncTracker(view *membership.View) {
	v.jmu.Lock()
	changed := view.Seq != v.syncedSeq || !view.Prefix.Equal(v.syncedPfx)
	v.syncedSeq, v.syncedPfx = view.Seq, view.Prefix
	v.jmu.Unlock()
	if changed {
		v.tracker.Sync(view.Names())
	}
}

// drainEvents answers candidates whose acceptance was agreed
func (v *Vault) drainEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-v.events:
			if !ok {
				return
			}
			v.onAgreed(ctx, ev)
		default:
			return
		}
	}
}

func (v *Vault) onAgreed(ctx context.Context, ev membership.Event) {
	if ev.Member == nil {
		v.logger.Info("section reconfigured", zap.String("event", ev.String()))
		return
	}
	name := ev.Member.Name

	v.jmu.Lock()
	cand, ok := v.candidates[name]
	var member membership.Member
	var relocateTo *xorname.Prefix
	if ok {
		member, relocateTo = cand.member, cand.relocateTo
		if ev.Kind != membership.EventCandidateJoinRequested {
			delete(v.candidates, name)
		}
	}
	v.jmu.Unlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case membership.EventCandidateJoinRequested:
		if relocateTo != nil {
			v.proposeEvent(membership.Event{Kind: membership.EventMemberRelocated, Member: &member, Target: *relocateTo})
		}
	case membership.EventMemberRelocated:
		v.notifyRelocated(ctx, member, ev.Target)
	case membership.EventCandidateAccepted:
		view := v.View()
		if view == nil {
			return
		}
		resp := &wire.ConnectResponse{Accepted: true, Prefix: view.Prefix, Seq: view.Seq}
		if err := v.send(ctx, member.Endpoint, resp); err != nil {
			v.logger.Warn("failed to notify accepted candidate",
				zap.String("candidate", name.Short()),
				zap.Error(err))
		}
	}
}

// notifyRelocated tells a relocated candidate which section to join and
// whom to ask there
func (v *Vault) notifyRelocated(ctx context.Context, m membership.Member, target xorname.Prefix) {
	var contacts []string
	if st := v.sections.Get(target); st != nil {
		for _, peer := range st.CurrentView().Members {
			if peer.Endpoint != "" {
				contacts = append(contacts, peer.Endpoint)
			}
		}
	}
	resp := &wire.ConnectResponse{Relocation: &wire.Relocation{Target: target, Contacts: contacts}}
	if view := v.View(); view != nil {
		resp.Prefix, resp.Seq = view.Prefix, view.Seq
	}
	if err := v.send(ctx, m.Endpoint, resp); err != nil {
		v.logger.Warn("failed to notify relocated candidate",
			zap.String("candidate", m.Name.Short()),
			zap.Error(err))
	}
}

// expireCandidates drops admissions whose window passed. A candidate that
// never proved its work is removed from the pending list again.
func (v *Vault) expireCandidates() {
	now := v.clock.Now()
	var expired []membership.Member

	v.jmu.Lock()
	for name, c := range v.candidates {
		if now.After(c.deadline) {
			if !c.accepted {
				expired = append(expired, c.member)
			}
			delete(v.candidates, name)
		}
	}
	v.jmu.Unlock()

	for _, m := range expired {
		v.logger.Info("candidate admission expired", zap.String("candidate", m.Name.Short()))
		v.proposeEvent(membership.Event{Kind: membership.EventMemberLost, Member: &m, Reason: "admission expired"})
	}
}

// RequestResync queues a snapshot request for a section. It is called by
// section stores on sequence gaps and halts, and never blocks.
func (v *Vault) RequestResync(prefix xorname.Prefix, fromSeq uint64) {
	v.jmu.Lock()
	defer v.jmu.Unlock()
	key := prefix.String()
	if _, ok := v.resyncs[key]; ok {
		return
	}
	v.resyncs[key] = v.newResyncLocked(prefix, fromSeq)
}

// newResyncLocked starts a resync whose reference is every member this
// vault knows under or above prefix. Callers hold jmu.
func (v *Vault) newResyncLocked(prefix xorname.Prefix, fromSeq uint64) *resync {
	r := &resync{
		prefix:  prefix,
		fromSeq: fromSeq,
		answers: make(map[xorname.Name]cborcanon.Digest),
		offers:  make(map[cborcanon.Digest]*membership.Snapshot),
		asked:   make(map[string]bool),
	}
	seen := make(map[xorname.Name]bool)
	for _, view := range v.sections.Views() {
		if !view.Prefix.IsCompatible(prefix) {
			continue
		}
		for _, m := range view.Members {
			if !seen[m.Name] {
				seen[m.Name] = true
				r.reference = append(r.reference, m)
			}
		}
	}
	return r
}

// Resync forces a full resynchronization of the local section
func (v *Vault) Resync(ctx context.Context) error {
	st := v.sections.Own()
	if st == nil {
		return v.Join(ctx)
	}
	v.jmu.Lock()
	delete(v.resyncs, st.Prefix().String())
	v.jmu.Unlock()
	v.RequestResync(st.Prefix(), 0)
	v.flushResyncs(ctx)
	return nil
}

// flushResyncs sends queued snapshot requests and retries unanswered ones.
// Requests go to every reference member, or to one peer when the vault
// knows nobody in the section yet.
func (v *Vault) flushResyncs(ctx context.Context) {
	now := v.clock.Now()
	type send struct {
		to  []string
		req *wire.SnapshotRequest
	}
	var out []send

	v.jmu.Lock()
	for key, r := range v.resyncs {
		if !r.sentAt.IsZero() && now.Sub(r.sentAt) < v.settings.ProposalTimeout {
			continue
		}
		to := referenceEndpoints(r, v.self.Name)
		if len(to) == 0 {
			peer, ok := v.pickPeerLocked(r.prefix)
			if !ok {
				if !r.sentAt.IsZero() {
					delete(v.resyncs, key)
				}
				continue
			}
			to = []string{peer}
		}
		r.sentAt = now
		r.asked = make(map[string]bool, len(to))
		for _, ep := range to {
			r.asked[ep] = true
		}
		out = append(out, send{to: to, req: &wire.SnapshotRequest{Prefix: r.prefix, FromSeq: r.fromSeq}})
	}
	v.jmu.Unlock()

	for _, s := range out {
		v.logger.Debug("requesting section snapshot",
			zap.String("prefix", s.req.Prefix.Display()),
			zap.Strings("peers", s.to))
		if err := v.broadcast(ctx, s.to, s.req); err != nil {
			v.logger.Warn("failed to request snapshot", zap.Error(err))
		}
	}
}

// referenceEndpoints lists the endpoints of a resync's reference members
// under its prefix, or of all of them when none is
func referenceEndpoints(r *resync, self xorname.Name) []string {
	var under, rest []string
	for _, m := range r.reference {
		if m.Name == self || m.Endpoint == "" {
			continue
		}
		if r.prefix.Matches(m.Name) {
			under = append(under, m.Endpoint)
		} else {
			rest = append(rest, m.Endpoint)
		}
	}
	if len(under) > 0 {
		return under
	}
	return rest
}

// pickPeerLocked chooses a peer that should know a section: one of its
// members if known, else a member of the local section. Callers hold jmu.
func (v *Vault) pickPeerLocked(prefix xorname.Prefix) (string, bool) {
	var view *membership.View
	if st := v.sections.Get(prefix); st != nil && st.Halted() == nil {
		view = st.CurrentView()
	} else if st := v.sections.Lookup(prefix.Bits); st != nil && st.Halted() == nil {
		view = st.CurrentView()
	}
	var peers []string
	if view != nil {
		for _, m := range view.Members {
			if m.Name != v.self.Name && m.Endpoint != "" {
				peers = append(peers, m.Endpoint)
			}
		}
	}
	if len(peers) == 0 {
		if own := v.sections.Own(); own != nil {
			for _, m := range own.CurrentView().Members {
				if m.Name != v.self.Name && m.Endpoint != "" {
					peers = append(peers, m.Endpoint)
				}
			}
		}
	}
	if len(peers) == 0 {
		peers = v.settings.Contacts
	}
	if len(peers) == 0 {
		return "", false
	}
	v.peerIdx++
	return peers[v.peerIdx%len(peers)], true
}

// retryJoin repeats the join request while the vault is not a member
func (v *Vault) retryJoin(ctx context.Context) {
	if v.IsMember() || len(v.settings.Contacts) == 0 {
		return
	}
	v.jmu.Lock()
	due := v.relocation == nil &&
		(v.joinSent.IsZero() || v.clock.Now().Sub(v.joinSent) >= v.settings.ChallengeTimeout)
	v.jmu.Unlock()
	if !due {
		return
	}
	if err := v.Join(ctx); err != nil {
		v.logger.Warn("join attempt failed", zap.Error(err))
	}
}

package vault

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/admission"
	"github.com/WebFirstLanguage/beevault/internal/capacity"
	"github.com/WebFirstLanguage/beevault/internal/consensus"
	"github.com/WebFirstLanguage/beevault/internal/resourceproof"
	"github.com/WebFirstLanguage/beevault/internal/section"
	"github.com/WebFirstLanguage/beevault/pkg/config"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/transport"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

const roundStep = 100 * time.Millisecond

// memnet is an in-memory network. Messages are queued and delivered in
// order by step, so a test controls exactly when the vaults make progress.
type memnet struct {
	mu    sync.Mutex
	queue []envelope
	nodes map[string]*Vault
	order []string
	down  map[string]bool
	clock *clock.Mock
}

type envelope struct {
	from, to string
	msg      wire.Message
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memLink is one vault's view of the memnet
type memLink struct {
	net  *memnet
	from string
}

func (l memLink) Send(_ context.Context, endpoint string, msg wire.Message) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if _, ok := l.net.nodes[endpoint]; !ok {
		return fmt.Errorf("no vault at %s", endpoint)
	}
	l.net.queue = append(l.net.queue, envelope{from: l.from, to: endpoint, msg: msg})
	return nil
}

func (l memLink) Broadcast(ctx context.Context, endpoints []string, msg wire.Message) error {
	var err error
	for _, ep := range endpoints {
		err = multierr.Append(err, l.Send(ctx, ep, msg))
	}
	return err
}

func newMemnet() *memnet {
	return &memnet{
		nodes: make(map[string]*Vault),
		down:  make(map[string]bool),
		clock: clock.NewMock(),
	}
}

func testSettings(contacts ...string) *config.Config {
	s := config.Default()
	s.NetworkName = "testnet"
	s.Contacts = contacts
	s.ProposalTimeout = 2 * time.Second
	s.TickInterval = roundStep
	s.ChallengeTimeout = 30 * time.Second
	s.Liveness.SuspectAfter = 3 * time.Second
	s.Liveness.FailAfter = 6 * time.Second
	return s
}

func (n *memnet) add(t *testing.T, id *identity.Identity, settings *config.Config) (*Vault, string) {
	t.Helper()
	return n.addConfig(t, &Config{Identity: id, Settings: settings})
}

// addSection adds a vault that founds the section at prefix alone
func (n *memnet) addSection(t *testing.T, id *identity.Identity, settings *config.Config, prefix string) (*Vault, string) {
	t.Helper()
	return n.addConfig(t, &Config{
		Identity: id,
		Settings: settings,
		Genesis: &membership.View{
			Prefix: xorname.MustParsePrefix(prefix),
			Members: []membership.Member{{
				ID:       id.ID(),
				Name:     id.Name(),
				Endpoint: n.nextEndpoint(),
			}},
		},
	})
}

func (n *memnet) nextEndpoint() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fmt.Sprintf("vault-%d", len(n.order))
}

func (n *memnet) addConfig(t *testing.T, cfg *Config) (*Vault, string) {
	t.Helper()
	endpoint := n.nextEndpoint()
	cfg.Endpoint = endpoint
	cfg.Network = memLink{net: n, from: endpoint}
	cfg.Clock = n.clock

	v, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	n.mu.Lock()
	n.nodes[endpoint] = v
	n.order = append(n.order, endpoint)
	n.mu.Unlock()
	return v, endpoint
}

// section grows a section of size vaults admitted without proof of work
func (n *memnet) section(t *testing.T, size int) ([]*Vault, []string) {
	t.Helper()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	settings := testSettings()
	settings.DisableResourceProof = true
	founder, founderEP := n.add(t, founderID, settings)

	vaults, endpoints := []*Vault{founder}, []string{founderEP}
	for len(vaults) < size {
		id, err := identity.GenerateIdentity()
		require.NoError(t, err)
		s := testSettings(founderEP)
		s.DisableResourceProof = true
		joiner, ep := n.add(t, id, s)
		require.NoError(t, joiner.Join(context.Background()))
		n.until(t, 300, "joiner becomes a member", joiner.IsMember)
		vaults = append(vaults, joiner)
		endpoints = append(endpoints, ep)
	}
	n.until(t, 200, "every vault sees the whole section", func() bool {
		for _, v := range vaults {
			if v.View().Size() != size {
				return false
			}
		}
		return true
	})
	return vaults, endpoints
}

// peerOf is how a memnet vault appears to the others
func peerOf(v *Vault, endpoint string) transport.Peer {
	self := v.Self()
	return transport.Peer{
		ID:     self.ID,
		Name:   self.Name,
		Addr:   memAddr(endpoint),
		Access: transport.Access{Node: true},
	}
}

func (n *memnet) setDown(endpoint string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[endpoint] = down
}

// deliver hands one queued message to its recipient and queues the reply
func (n *memnet) deliver() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	env := n.queue[0]
	n.queue = n.queue[1:]
	dropped := n.down[env.from] || n.down[env.to]
	target, sender := n.nodes[env.to], n.nodes[env.from]
	n.mu.Unlock()
	if dropped {
		return true
	}

	self := sender.Self()
	peer := transport.Peer{
		ID:     self.ID,
		Name:   self.Name,
		Addr:   memAddr(env.from),
		Access: transport.Access{Node: true, Client: true},
	}
	reply, err := target.HandleMessage(context.Background(), peer, env.msg)
	if err != nil {
		if _, isErr := env.msg.(*wire.Error); isErr {
			return true
		}
		reply = wire.ErrorFrameBody(err, Classify)
	}
	if reply != nil {
		n.mu.Lock()
		n.queue = append(n.queue, envelope{from: env.to, to: env.from, msg: reply})
		n.mu.Unlock()
	}
	return true
}

// step delivers everything queued, advances the clock and ticks every
// vault that is up
func (n *memnet) step() {
	for i := 0; i < 10000 && n.deliver(); i++ {
	}
	n.clock.Add(roundStep)

	n.mu.Lock()
	var up []*Vault
	for _, ep := range n.order {
		if !n.down[ep] {
			up = append(up, n.nodes[ep])
		}
	}
	n.mu.Unlock()
	for _, v := range up {
		v.Tick(context.Background())
	}
	// Proof solving runs on its own goroutine
	time.Sleep(time.Millisecond)
}

func (n *memnet) until(t *testing.T, rounds int, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if cond() {
			return
		}
		n.step()
	}
	require.True(t, cond(), "condition not reached after %d rounds: %s", rounds, what)
}

func memberNames(v *Vault) []xorname.Name {
	view := v.View()
	if view == nil {
		return nil
	}
	return view.Names()
}

// identityWithBit generates identities until one has the wanted first bit
func identityWithBit(t *testing.T, bit bool) *identity.Identity {
	t.Helper()
	for {
		id, err := identity.GenerateIdentity()
		require.NoError(t, err)
		if id.Name().Bit(0) == bit {
			return id
		}
	}
}

func TestVault_FoundsRootSection(t *testing.T) {
	n := newMemnet()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	v, _ := n.add(t, id, testSettings())

	view := v.View()
	require.NotNil(t, view)
	assert.True(t, view.Prefix.Equal(xorname.RootPrefix))
	assert.Equal(t, []xorname.Name{id.Name()}, view.Names())
	assert.True(t, v.IsMember())
	assert.NoError(t, v.Health())
	assert.Equal(t, StateStopped, v.State())
}

func TestVault_InvalidSettings(t *testing.T) {
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)

	s := testSettings()
	s.MinSectionSize = 0
	_, err = New(&Config{Identity: id, Settings: s})
	assert.Error(t, err)

	_, err = New(&Config{Settings: testSettings()})
	assert.Error(t, err)
}

func TestVault_JoinWithResourceProof(t *testing.T) {
	n := newMemnet()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	founder, founderEP := n.add(t, founderID, testSettings())

	vaults := []*Vault{founder}
	for i := 0; i < 3; i++ {
		id, err := identity.GenerateIdentity()
		require.NoError(t, err)
		joiner, _ := n.add(t, id, testSettings(founderEP))
		require.Nil(t, joiner.View())
		require.NoError(t, joiner.Join(context.Background()))

		n.until(t, 500, "joiner becomes a member", joiner.IsMember)
		vaults = append(vaults, joiner)

		n.until(t, 200, "every vault sees the joiner", func() bool {
			for _, v := range vaults {
				if !v.IsMember() || !v.View().Contains(id.Name()) {
					return false
				}
			}
			return true
		})
	}

	// Every honest vault converges on the same view
	ref := founder.View()
	assert.Equal(t, 4, ref.Size())
	assert.Empty(t, ref.Pending)
	for _, v := range vaults[1:] {
		got := v.View()
		assert.Equal(t, ref.Seq, got.Seq)
		assert.Equal(t, ref.Members, got.Members)
	}
	assert.True(t, founder.Sections().IsPartition())
}

func TestVault_EvictsUnresponsiveMember(t *testing.T) {
	n := newMemnet()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)

	settings := testSettings()
	settings.DisableResourceProof = true
	founder, founderEP := n.add(t, founderID, settings)

	vaults := []*Vault{founder}
	var endpoints []string
	for i := 0; i < 3; i++ {
		id, err := identity.GenerateIdentity()
		require.NoError(t, err)
		s := testSettings(founderEP)
		s.DisableResourceProof = true
		joiner, ep := n.add(t, id, s)
		require.NoError(t, joiner.Join(context.Background()))
		n.until(t, 300, "joiner becomes a member", joiner.IsMember)
		vaults = append(vaults, joiner)
		endpoints = append(endpoints, ep)
	}
	n.until(t, 200, "four members everywhere", func() bool {
		for _, v := range vaults {
			if v.View().Size() != 4 {
				return false
			}
		}
		return true
	})

	lost := vaults[1]
	n.setDown(endpoints[0], true)

	survivors := []*Vault{vaults[0], vaults[2], vaults[3]}
	n.until(t, 600, "unresponsive member removed", func() bool {
		for _, v := range survivors {
			if v.View().Contains(lost.Self().Name) {
				return false
			}
		}
		return true
	})

	ref := survivors[0].View()
	assert.Equal(t, 3, ref.Size())
	for _, v := range survivors[1:] {
		assert.Equal(t, ref.Members, v.View().Members)
	}
}

func TestVault_SplitsWhenSectionGrows(t *testing.T) {
	n := newMemnet()
	newSettings := func(contacts ...string) *config.Config {
		s := testSettings(contacts...)
		s.MinSectionSize = 1
		s.DisableResourceProof = true
		return s
	}

	founder, founderEP := n.add(t, identityWithBit(t, false), newSettings())
	zero, _ := n.add(t, identityWithBit(t, false), newSettings(founderEP))
	one, _ := n.add(t, identityWithBit(t, true), newSettings(founderEP))

	require.NoError(t, zero.Join(context.Background()))
	n.until(t, 300, "second vault joins", zero.IsMember)
	assert.Equal(t, 2, founder.View().Size(), "two members do not exceed the split threshold")

	require.NoError(t, one.Join(context.Background()))
	p0, p1 := xorname.MustParsePrefix("0"), xorname.MustParsePrefix("1")
	n.until(t, 500, "section splits", func() bool {
		return one.IsMember() && founder.View().Prefix.Equal(p0) &&
			zero.View().Prefix.Equal(p0) && one.View().Prefix.Equal(p1)
	})

	assert.ElementsMatch(t, []xorname.Name{founder.Self().Name, zero.Self().Name}, memberNames(founder))
	assert.Equal(t, founder.View().Members, zero.View().Members)
	assert.Equal(t, []xorname.Name{one.Self().Name}, memberNames(one))

	for _, v := range []*Vault{founder, zero} {
		assert.True(t, v.Sections().IsPartition())
		assert.Equal(t, []xorname.Prefix{p0, p1}, v.Sections().Prefixes())
	}
}

func TestVault_Admit(t *testing.T) {
	n := newMemnet()
	self := identityWithBit(t, false)
	settings := testSettings()
	settings.RateLimit.Burst = 3
	settings.MaxMutations = 2

	genesis := &membership.View{
		Prefix: xorname.MustParsePrefix("0"),
		Members: []membership.Member{{
			ID:   self.ID(),
			Name: self.Name(),
		}},
	}
	v, err := New(&Config{
		Identity: self,
		Settings: settings,
		Genesis:  genesis,
		Network:  memLink{net: n, from: "vault-0"},
		Clock:    n.clock,
	})
	require.NoError(t, err)
	defer v.Close()

	managed := identityWithBit(t, false).Name()
	foreign := identityWithBit(t, true).Name()

	t.Run("not manager", func(t *testing.T) {
		err := v.Admit(foreign, admission.Mutation)
		require.ErrorIs(t, err, ErrNotManager)
		code, _ := Classify(err)
		assert.Equal(t, uint16(constants.ErrorNotManager), code)

		// Reads do not need the manager
		assert.NoError(t, v.Admit(foreign, admission.Request))
	})

	t.Run("mutation cap", func(t *testing.T) {
		require.NoError(t, v.Admit(managed, admission.Mutation))
		require.NoError(t, v.Admit(managed, admission.Mutation))
		err := v.Admit(managed, admission.Mutation)
		require.ErrorIs(t, err, admission.ErrMutationCapExceeded)
		code, retry := Classify(err)
		assert.Equal(t, uint16(constants.ErrorMutationCapExceeded), code)
		assert.Zero(t, retry)
		assert.False(t, wire.ErrorFrameBody(err, Classify).Retryable())
	})

	t.Run("rate", func(t *testing.T) {
		// The managed client spent two of its three tokens above
		require.NoError(t, v.Admit(managed, admission.Request))
		err := v.Admit(managed, admission.Request)
		require.ErrorIs(t, err, admission.ErrRateExceeded)
		code, retry := Classify(err)
		assert.Equal(t, uint16(constants.ErrorRateExceeded), code)
		assert.Positive(t, retry)
		assert.True(t, wire.ErrorFrameBody(err, Classify).Retryable())

		n.clock.Add(time.Second)
		assert.NoError(t, v.Admit(managed, admission.Request))
	})
}

func TestVault_TryReserve(t *testing.T) {
	n := newMemnet()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	settings := testSettings()
	settings.MaxCapacity = 100
	v, _ := n.add(t, id, settings)

	require.NoError(t, v.TryReserve(60))
	err = v.TryReserve(50)
	require.ErrorIs(t, err, capacity.ErrCapacityExceeded)
	code, _ := Classify(err)
	assert.Equal(t, uint16(constants.ErrorCapacityExceeded), code)

	v.Release(60)
	assert.NoError(t, v.TryReserve(50))
	assert.InDelta(t, 0.5, v.Governor().Utilization(), 1e-9)
}

func TestVault_HandleMessage(t *testing.T) {
	n := newMemnet()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	v, _ := n.add(t, id, testSettings())

	clientID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := transport.Peer{
		ID:     clientID.ID(),
		Name:   clientID.Name(),
		Addr:   memAddr("client"),
		Access: transport.Access{Client: true},
	}
	ctx := context.Background()

	reply, err := v.HandleMessage(ctx, peer, &wire.ConnectRequest{Role: wire.RoleClient, Network: "testnet"})
	require.NoError(t, err)
	resp, ok := reply.(*wire.ConnectResponse)
	require.True(t, ok)
	assert.True(t, resp.Accepted)
	assert.True(t, resp.Prefix.Equal(xorname.RootPrefix))

	_, err = v.HandleMessage(ctx, peer, &wire.ConnectRequest{Role: wire.RoleClient, Network: "othernet"})
	var werr *wire.Error
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, uint16(constants.ErrorMalformed), werr.Code)

	_, err = v.HandleMessage(ctx, peer, &wire.ProofResponse{Seed: []byte("seed")})
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, uint16(constants.ErrorProofRejected), werr.Code)

	reply, err = v.HandleMessage(ctx, peer, &wire.SnapshotRequest{Prefix: xorname.RootPrefix})
	require.NoError(t, err)
	snapMsg, ok := reply.(*wire.Snapshot)
	require.True(t, ok)
	snap, err := section.DecodeSnapshot(snapMsg.Data)
	require.NoError(t, err)
	assert.Equal(t, v.View().Members, snap.View.Members)

	// Snapshots nobody asked for are ignored
	_, err = v.HandleMessage(ctx, peer, snapMsg)
	assert.NoError(t, err)

	// Consensus messages from strangers are refused
	_, err = v.HandleMessage(ctx, peer, &wire.Proposal{Event: membership.Event{
		Seq: 1, Kind: membership.EventSectionSplit, Prefix: xorname.RootPrefix,
	}})
	assert.ErrorIs(t, err, consensus.ErrNotMember)

	_, err = v.HandleMessage(ctx, peer, &wire.Error{Code: constants.ErrorThrottled})
	assert.NoError(t, err)
}

func TestVault_RejectsBadProofs(t *testing.T) {
	n := newMemnet()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	founder, _ := n.add(t, founderID, testSettings())

	candID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	peer := transport.Peer{
		ID:     candID.ID(),
		Name:   candID.Name(),
		Addr:   memAddr("candidate"),
		Access: transport.Access{Node: true},
	}
	ctx := context.Background()

	for i := 0; i < constants.MaxProofFailures; i++ {
		reply, err := founder.HandleMessage(ctx, peer, &wire.ConnectRequest{
			Role: wire.RoleNode, Network: "testnet", Endpoint: "candidate",
		})
		require.NoError(t, err)
		ch, ok := reply.(*wire.Challenge)
		require.True(t, ok)
		assert.Equal(t, candID.Name(), ch.Candidate)

		nonce := uint64(0)
		for resourceproof.Check(ch.Seed, candID.Name(), nonce, ch.Difficulty) {
			nonce++
		}
		_, err = founder.HandleMessage(ctx, peer, &wire.ProofResponse{Seed: ch.Seed, Nonce: nonce})
		var werr *wire.Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, uint16(constants.ErrorProofRejected), werr.Code)
	}

	assert.True(t, founder.Engine().IsBanned(candID.Name()))
	assert.True(t, founder.Limiter().IsBanned(candID.Name()))

	_, err = founder.HandleMessage(ctx, peer, &wire.ConnectRequest{Role: wire.RoleNode, Network: "testnet"})
	code, _ := Classify(err)
	assert.Equal(t, uint16(constants.ErrorRateExceeded), code)
}

func TestVault_StartStop(t *testing.T) {
	n := newMemnet()
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	v, _ := n.add(t, id, testSettings())
	ctx := context.Background()

	require.NoError(t, v.Start(ctx))
	assert.Equal(t, StateRunning, v.State())
	assert.Error(t, v.Start(ctx))

	require.NoError(t, v.Stop(ctx))
	assert.Equal(t, StateStopped, v.State())
	assert.Error(t, v.Stop(ctx))
}

func TestVault_StartOverTCP(t *testing.T) {
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	settings := testSettings()
	settings.Transport = "tcp"
	settings.ListenPort = 0
	settings.ServiceDiscoveryPort = 0

	v, err := New(&Config{Identity: id, Settings: settings, Endpoint: "127.0.0.1:0"})
	require.NoError(t, err)
	defer v.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, v.Start(ctx))
	assert.Equal(t, StateRunning, v.State())
	require.NoError(t, v.Stop(ctx))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err   error
		code  uint16
		retry bool
	}{
		{&admission.Rejection{Err: admission.ErrRateExceeded, RetryAfter: time.Second}, constants.ErrorRateExceeded, true},
		{&admission.Rejection{Err: admission.ErrMutationCapExceeded}, constants.ErrorMutationCapExceeded, false},
		{fmt.Errorf("reserve: %w", capacity.ErrCapacityExceeded), constants.ErrorCapacityExceeded, false},
		{resourceproof.ErrThrottled, constants.ErrorThrottled, true},
		{resourceproof.ErrExpired, constants.ErrorExpired, false},
		{section.ErrSequenceGap, constants.ErrorSequenceGap, false},
		{consensus.ErrBehind, constants.ErrorSequenceGap, false},
		{consensus.ErrQuorumAbandoned, constants.ErrorQuorumAbandoned, false},
		{section.ErrInvariantViolation, constants.ErrorInvariantViolation, false},
		{consensus.ErrNotMember, constants.ErrorNotInSection, false},
		{ErrNotManager, constants.ErrorNotManager, false},
		{fmt.Errorf("something else"), constants.ErrorMalformed, false},
	}
	for _, tt := range tests {
		t.Run(wire.ErrorCodeName(tt.code), func(t *testing.T) {
			code, retry := Classify(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.retry, retry > 0)
		})
	}
}

func TestVault_RelocatesCandidateToSibling(t *testing.T) {
	n := newMemnet()
	ctx := context.Background()
	newSettings := func(contacts ...string) *config.Config {
		s := testSettings(contacts...)
		s.MinSectionSize = 1
		s.DisableResourceProof = true
		s.MaxCapacity = 100
		return s
	}
	p0, p1 := xorname.MustParsePrefix("0"), xorname.MustParsePrefix("1")

	source, sourceEP := n.addSection(t, identityWithBit(t, false), newSettings(), "0")
	target, targetEP := n.addSection(t, identityWithBit(t, true), newSettings(), "1")
	_, err := source.Sections().Observe(&membership.Snapshot{View: *target.View()})
	require.NoError(t, err)
	require.NoError(t, source.TryReserve(95))

	cand, _ := n.add(t, identityWithBit(t, false), newSettings(sourceEP))
	require.NoError(t, cand.Join(ctx))
	n.until(t, 100, "candidate is relocated", func() bool {
		_, ok := cand.Relocation()
		return ok
	})

	reloc, _ := cand.Relocation()
	assert.True(t, reloc.Target.Equal(p1))
	assert.Equal(t, []string{targetEP}, reloc.Contacts)
	select {
	case got := <-cand.Relocated():
		assert.Equal(t, reloc, got)
	default:
		t.Fatal("relocation not announced")
	}
	assert.Error(t, cand.Join(ctx), "a relocated vault does not join again")

	// The source logged the candidate as pending, then moved it out
	var kinds []membership.EventKind
	for _, ev := range source.Sections().Get(p0).Log() {
		if ev.Member != nil && ev.Member.Name == cand.Self().Name {
			kinds = append(kinds, ev.Kind)
			if ev.Kind == membership.EventMemberRelocated {
				assert.True(t, ev.Target.Equal(p1))
			}
		}
	}
	assert.Equal(t, []membership.EventKind{
		membership.EventCandidateJoinRequested,
		membership.EventMemberRelocated,
	}, kinds)
	assert.Empty(t, source.View().Pending)
	assert.False(t, source.View().Contains(cand.Self().Name))

	// Under a name inside the target the vault is admitted there
	renamed, err := identity.GenerateUnder(reloc.Target)
	require.NoError(t, err)
	rejoined, _ := n.add(t, renamed, newSettings(reloc.Contacts...))
	require.NoError(t, rejoined.Join(ctx))
	n.until(t, 200, "relocated vault joins the target", rejoined.IsMember)

	assert.True(t, rejoined.View().Prefix.Equal(p1))
	assert.True(t, target.View().Contains(renamed.Name()))
	var requested bool
	for _, ev := range target.Sections().Get(p1).Log() {
		if ev.Kind == membership.EventCandidateJoinRequested && ev.Member.Name == renamed.Name() {
			requested = true
		}
	}
	assert.True(t, requested, "the target recreated the vault as pending")
}

func TestVault_SnapshotNeedsEndorsement(t *testing.T) {
	n := newMemnet()
	ctx := context.Background()
	vaults, endpoints := n.section(t, 3)
	founder, b, a := vaults[0], vaults[1], vaults[2]
	before := a.View()

	// One member alone cannot replace the view
	require.NoError(t, a.Resync(ctx))
	forged := *b.View()
	forged.Seq = before.Seq + 1000
	forged.Members = []membership.Member{b.Self()}
	forged.Pending = nil
	data, err := section.EncodeSnapshot(&membership.Snapshot{View: forged})
	require.NoError(t, err)
	_, err = a.HandleMessage(ctx, peerOf(b, endpoints[1]), &wire.Snapshot{Prefix: forged.Prefix, Seq: forged.Seq, Data: data})
	require.NoError(t, err)
	assert.Equal(t, before.Seq, a.View().Seq)
	assert.Equal(t, before.Members, a.View().Members)

	// The honest answers replace the forged one
	n.step()
	n.step()
	assert.Equal(t, before.Seq, a.View().Seq)
	assert.Equal(t, before.Members, a.View().Members)

	// A member that missed a join catches up once the others agree
	n.setDown(endpoints[2], true)
	id, err := identity.GenerateIdentity()
	require.NoError(t, err)
	s := testSettings(endpoints[0])
	s.DisableResourceProof = true
	late, _ := n.add(t, id, s)
	require.NoError(t, late.Join(ctx))
	n.until(t, 40, "fourth vault joins", func() bool {
		return late.IsMember() && founder.View().Size() == 4 && b.View().Size() == 4
	})
	assert.Equal(t, before.Seq, a.View().Seq)

	n.setDown(endpoints[2], false)
	n.until(t, 100, "lagging member resyncs", func() bool {
		return a.View().Seq == founder.View().Seq
	})
	assert.Equal(t, founder.View().Members, a.View().Members)
	assert.NoError(t, a.Health())
}

func TestVault_ChallengeLimits(t *testing.T) {
	n := newMemnet()
	ctx := context.Background()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	founder, founderEP := n.add(t, founderID, testSettings())
	joinerID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	joiner, _ := n.add(t, joinerID, testSettings(founderEP))

	contact := peerOf(founder, founderEP)
	challenge := func(bits uint8) *wire.Challenge {
		return &wire.Challenge{
			Seed:       bytes.Repeat([]byte{9}, 32),
			Difficulty: bits,
			Candidate:  joinerID.Name(),
			IssuedAt:   1,
			Deadline:   math.MaxUint64,
		}
	}
	rejected := func(err error) {
		t.Helper()
		var werr *wire.Error
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, uint16(constants.ErrorProofRejected), werr.Code)
	}

	_, err = joiner.HandleMessage(ctx, contact, challenge(8))
	rejected(err)

	require.NoError(t, joiner.Join(ctx))

	strangerID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	stranger := transport.Peer{ID: strangerID.ID(), Name: strangerID.Name(), Addr: memAddr("stranger"), Access: transport.Access{Node: true}}
	_, err = joiner.HandleMessage(ctx, stranger, challenge(8))
	rejected(err)

	_, err = joiner.HandleMessage(ctx, contact, challenge(constants.DefaultProofMaxBits+1))
	rejected(err)

	// The hardest allowed puzzle keeps the solver busy
	_, err = joiner.HandleMessage(ctx, contact, challenge(constants.DefaultProofMaxBits))
	require.NoError(t, err)
	_, err = joiner.HandleMessage(ctx, contact, challenge(1))
	rejected(err)

	require.NoError(t, joiner.Close())
	assert.Eventually(t, func() bool {
		joiner.jmu.Lock()
		defer joiner.jmu.Unlock()
		return !joiner.solving
	}, 10*time.Second, 10*time.Millisecond, "closing the vault stops the solver")
}

func TestVault_RelocationOnlyFromJoinHosts(t *testing.T) {
	n := newMemnet()
	ctx := context.Background()
	founderID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	founder, founderEP := n.add(t, founderID, testSettings())
	joinerID, err := identity.GenerateIdentity()
	require.NoError(t, err)
	joiner, _ := n.add(t, joinerID, testSettings("10.0.0.1:5483"))
	// Nothing listens at the contact, but the attempt is recorded
	assert.Error(t, joiner.Join(ctx))

	notice := &wire.ConnectResponse{Relocation: &wire.Relocation{
		Target:   xorname.MustParsePrefix("1"),
		Contacts: []string{founderEP},
	}}
	_, err = joiner.HandleMessage(ctx, peerOf(founder, "10.0.0.2:5483"), notice)
	assert.Error(t, err)
	_, ok := joiner.Relocation()
	assert.False(t, ok)

	// Another port on a contact's host is the section dialing back
	_, err = joiner.HandleMessage(ctx, peerOf(founder, "10.0.0.1:40122"), notice)
	require.NoError(t, err)
	reloc, ok := joiner.Relocation()
	require.True(t, ok)
	assert.Equal(t, []string{founderEP}, reloc.Contacts)
}

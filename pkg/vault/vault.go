// Package vault runs one node of the network: it admits clients and joining
// nodes, takes part in membership agreement for its section and keeps its
// view of the neighbouring sections current.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/WebFirstLanguage/beevault/internal/admission"
	"github.com/WebFirstLanguage/beevault/internal/capacity"
	"github.com/WebFirstLanguage/beevault/internal/consensus"
	"github.com/WebFirstLanguage/beevault/internal/liveness"
	"github.com/WebFirstLanguage/beevault/internal/logging"
	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/internal/planner"
	"github.com/WebFirstLanguage/beevault/internal/resourceproof"
	"github.com/WebFirstLanguage/beevault/internal/section"
	"github.com/WebFirstLanguage/beevault/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/beevault/pkg/config"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/transport"
	"github.com/WebFirstLanguage/beevault/pkg/transport/quic"
	"github.com/WebFirstLanguage/beevault/pkg/transport/tcp"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNotManager is returned by Admit for mutations of clients whose name
// falls outside this vault's section
var ErrNotManager = errors.New("section does not manage client")

// State represents the lifecycle state of the vault
type State int

const (
	// StateStopped indicates the vault is not running
	StateStopped State = iota
	// StateStarting indicates the vault is in the process of starting
	StateStarting
	// StateRunning indicates the vault is running normally
	StateRunning
	// StateStopping indicates the vault is in the process of stopping
	StateStopping
	// StateError indicates the vault's section state needs an operator
	StateError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Network delivers messages to peers by endpoint. Replies and later
// messages come back through HandleMessage.
type Network interface {
	Send(ctx context.Context, endpoint string, msg wire.Message) error
	Broadcast(ctx context.Context, endpoints []string, msg wire.Message) error
}

// Config holds vault configuration
type Config struct {
	Identity *identity.Identity
	Settings *config.Config // default: config.Default()

	// Endpoint is advertised to peers; default: Settings.ListenAddr()
	Endpoint string

	// Genesis seeds the local section. Without it a vault with no contacts
	// founds the root section alone and one with contacts joins through them.
	Genesis *membership.View

	// Network overrides the messenger Start would otherwise create
	Network    Network
	ChunkStore capacity.ChunkStore

	Clock   clock.Clock
	Logging *logging.Logging // nil disables logging
	Metrics *metrics.Metrics
}

// candidate is a node this vault is admitting
type candidate struct {
	member   membership.Member
	deadline time.Time
	accepted bool

	// relocateTo is set when the candidate is sent to the sibling section
	// instead of being admitted here
	relocateTo *xorname.Prefix
}

// resync is a snapshot request, queued or in flight. A snapshot is only
// installed once a quorum of the reference members answered with the same
// view.
type resync struct {
	prefix  xorname.Prefix
	fromSeq uint64
	sentAt  time.Time // zero until sent

	// reference holds the members whose answers count. It comes from the
	// local map, or from the first snapshot when nothing is known yet.
	reference []membership.Member
	answers   map[xorname.Name]cborcanon.Digest
	offers    map[cborcanon.Digest]*membership.Snapshot
	asked     map[string]bool
}

// Vault is one node of the network
type Vault struct {
	mu    sync.RWMutex
	state State

	id       *identity.Identity
	self     membership.Member
	settings *config.Config
	network  string

	clock   clock.Clock
	logging *logging.Logging
	logger  *zap.Logger
	metrics *metrics.Metrics

	sections *section.Map
	coord    *consensus.Coordinator
	engine   *resourceproof.Engine
	limiter  *admission.Limiter
	governor *capacity.Governor
	planner  *planner.Planner
	tracker  *liveness.Tracker
	chunks   capacity.ChunkStore

	net       Network
	messenger *transport.Messenger
	events    <-chan membership.Event
	unsub     func()

	// Admission and resync bookkeeping, guarded by jmu
	jmu        sync.Mutex
	candidates map[xorname.Name]*candidate
	resyncs    map[string]*resync // keyed by prefix bits
	joinSent   time.Time
	joinVia    map[string]bool // endpoints the join request went to
	solving    bool
	relocation *wire.Relocation
	relocated  chan wire.Relocation
	peerIdx    int
	syncedSeq  uint64
	syncedPfx  xorname.Prefix

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a vault. Nothing is sent until Start or Join.
func New(cfg *Config) (*Vault, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	named := func(subsystem string) *zap.Logger {
		if cfg.Logging == nil {
			return zap.NewNop()
		}
		return cfg.Logging.Named(subsystem)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = settings.ListenAddr()
	}

	v := &Vault{
		state: StateStopped,
		id:    cfg.Identity,
		self: membership.Member{
			ID:              cfg.Identity.ID(),
			Name:            cfg.Identity.Name(),
			Endpoint:        endpoint,
			KeyAgreementKey: cfg.Identity.KeyAgreementPublicKey,
		},
		settings:   settings,
		network:    settings.NetworkName,
		clock:      clk,
		logging:    cfg.Logging,
		logger:     named(logging.Vault).With(zap.String("node", cfg.Identity.Tag())),
		metrics:    cfg.Metrics,
		chunks:     cfg.ChunkStore,
		net:        cfg.Network,
		candidates: make(map[xorname.Name]*candidate),
		resyncs:    make(map[string]*resync),
		joinVia:    make(map[string]bool),
		relocated:  make(chan wire.Relocation, 1),
		done:       make(chan struct{}),
	}

	var genesis []membership.View
	switch {
	case cfg.Genesis != nil:
		genesis = append(genesis, *cfg.Genesis)
	case len(settings.Contacts) == 0:
		genesis = append(genesis, membership.View{
			Prefix:  xorname.RootPrefix,
			Members: []membership.Member{v.self},
		})
		v.logger.Info("no contacts configured, founding the root section")
	}

	anchor := v.self.Name
	sections, err := section.NewMap(&section.MapConfig{
		Anchor:             &anchor,
		Resyncer:           v,
		MaxBuffered:        constants.MaxBufferedEvents,
		CheckpointInterval: constants.CheckpointInterval,
		Logger:             named(logging.Section),
		Metrics:            cfg.Metrics,
	}, genesis...)
	if err != nil {
		return nil, fmt.Errorf("failed to create section map: %w", err)
	}
	v.sections = sections

	v.engine = resourceproof.New(&resourceproof.Config{
		Disabled: settings.DisableResourceProof,
		Timeout:  settings.ChallengeTimeout,
		Clock:    clk,
		Logger:   named(logging.ResourceProof),
		Metrics:  cfg.Metrics,
	})
	v.limiter = admission.New(&admission.Config{
		Burst:                int(settings.RateLimit.Burst),
		RefillPerSec:         settings.RateLimit.RefillPerSecond,
		MaxMutations:         settings.MaxMutations,
		DisableRateLimit:     settings.DisableClientRateLimiter,
		DisableMutationLimit: settings.DisableMutationLimit,
		Clock:                clk,
		Logger:               named(logging.Admission),
		Metrics:              cfg.Metrics,
	})
	v.governor = capacity.New(&capacity.Config{
		MaxCapacity: settings.MaxCapacity,
		Logger:      named(logging.Capacity),
		Metrics:     cfg.Metrics,
	})
	v.planner = planner.New(&planner.Config{
		MinSectionSize: settings.MinSectionSize,
		Logger:         named(logging.Planner),
	})
	v.tracker = liveness.New(v.self.Name, &liveness.Config{
		SuspectAfter: settings.Liveness.SuspectAfter,
		FailAfter:    settings.Liveness.FailAfter,
		Clock:        clk,
		Logger:       named(logging.Liveness),
	})

	v.coord, err = consensus.New(&consensus.Config{
		Identity:          cfg.Identity,
		Network:           settings.NetworkName,
		Section:           ownSection{v},
		Sender:            memberSender{v},
		QuorumNumerator:   settings.Quorum.Numerator,
		QuorumDenominator: settings.Quorum.Denominator,
		ProposalTimeout:   settings.ProposalTimeout,
		RetryBudget:       settings.RetryBudget,
		Clock:             clk,
		Logger:            named(logging.Consensus),
		Metrics:           cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consensus coordinator: %w", err)
	}
	v.events, v.unsub = v.coord.Subscribe(constants.MaxBufferedEvents)

	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.warnDisabled()
	return v, nil
}

// warnDisabled logs every protection switched off by configuration
func (v *Vault) warnDisabled() {
	s := v.settings
	if s.DisableResourceProof {
		v.logger.Warn("RESOURCE PROOF DISABLED: every joining node is admitted without proof of work; never use this outside test deployments")
	}
	if s.DisableClientRateLimiter {
		v.logger.Warn("CLIENT RATE LIMITER DISABLED: clients are not rate limited")
	}
	if s.DisableMutationLimit {
		v.logger.Warn("MUTATION LIMIT DISABLED: clients may mutate without limit")
	}
	if s.DisableReachabilityCheck {
		v.logger.Warn("reachability check disabled")
	}
}

// State returns the current state of the vault
func (v *Vault) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Vault) setState(state State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = state
}

// Identity returns the vault's identity
func (v *Vault) Identity() *identity.Identity {
	return v.id
}

// Self returns the member record this vault advertises
func (v *Vault) Self() membership.Member {
	return v.self
}

// Settings returns the configuration the vault was built from
func (v *Vault) Settings() *config.Config {
	return v.settings
}

// Sections returns every section the vault knows about
func (v *Vault) Sections() *section.Map {
	return v.sections
}

// Coordinator returns the consensus coordinator of the local section
func (v *Vault) Coordinator() *consensus.Coordinator {
	return v.coord
}

// Limiter returns the client admission limiter
func (v *Vault) Limiter() *admission.Limiter {
	return v.limiter
}

// Governor returns the capacity governor
func (v *Vault) Governor() *capacity.Governor {
	return v.governor
}

// Engine returns the resource proof engine
func (v *Vault) Engine() *resourceproof.Engine {
	return v.engine
}

// Logging returns the logging setup, which may be nil
func (v *Vault) Logging() *logging.Logging {
	return v.logging
}

// View returns the current view of the local section, or nil before the
// vault has joined one
func (v *Vault) View() *membership.View {
	st := v.sections.Own()
	if st == nil {
		return nil
	}
	return st.CurrentView()
}

// IsMember reports whether the vault is a member of its section
func (v *Vault) IsMember() bool {
	view := v.View()
	return view != nil && view.Contains(v.self.Name)
}

// Subscribe returns the stream of agreed membership events of the local
// section. Views installed from a resync snapshot are not streamed; a
// subscriber sees them as a jump in View().Seq past the last event it got.
func (v *Vault) Subscribe(buffer int) (<-chan membership.Event, func()) {
	return v.coord.Subscribe(buffer)
}

// Admit charges a client operation against the client's quota. Mutations
// are only admitted for clients whose manager is this vault's section.
func (v *Vault) Admit(client xorname.Name, cost admission.Cost) error {
	if cost.Mutations > 0 {
		st := v.sections.Own()
		if st == nil || !st.IsManagerFor(client) {
			v.metrics.Admission("not_manager")
			return fmt.Errorf("%w: %s", ErrNotManager, client.Short())
		}
	}
	return v.limiter.Admit(client, cost)
}

// TryReserve reserves storage for an accepted mutation
func (v *Vault) TryReserve(bytes uint64) error {
	return v.governor.TryReserve(bytes)
}

// Release returns storage of a retired mutation
func (v *Vault) Release(bytes uint64) {
	v.governor.Release(bytes)
}

// Health returns the condition that needs an operator or a resync: a
// halted section store or a proposal that exhausted its retry budget
func (v *Vault) Health() error {
	var err error
	if st := v.sections.Own(); st != nil {
		err = multierr.Append(err, st.Halted())
	}
	return multierr.Append(err, v.coord.Stalled())
}

// Start opens the network, starts the tick loop and joins through the
// configured contacts when the vault has no section yet
func (v *Vault) Start(ctx context.Context) error {
	v.mu.Lock()

	if v.state == StateRunning {
		v.mu.Unlock()
		return fmt.Errorf("vault is already running")
	}
	if v.state == StateStarting {
		v.mu.Unlock()
		return fmt.Errorf("vault is already starting")
	}
	v.state = StateStarting

	v.warnDisabled()

	if v.net == nil {
		m, err := v.openMessenger(ctx)
		if err != nil {
			v.state = StateError
			v.mu.Unlock()
			return err
		}
		v.messenger = m
		v.net = messengerNetwork{m}
	}

	runCtx, cancel := context.WithCancel(ctx)
	v.ctx, v.cancel = runCtx, cancel
	v.done = make(chan struct{})

	go v.run(runCtx, v.done)

	v.state = StateRunning
	v.mu.Unlock()

	v.logger.Info("vault started",
		zap.String("id", v.self.ID),
		zap.String("name", v.self.Name.Short()),
		zap.String("endpoint", v.self.Endpoint),
		zap.String("network", v.network))

	if v.sections.Own() == nil {
		if err := v.Join(runCtx); err != nil {
			v.logger.Warn("initial join attempt failed", zap.Error(err))
		}
	}
	return nil
}

// runContext returns the context of the current run, or a background
// context when the vault is driven without Start
func (v *Vault) runContext() context.Context {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.ctx == nil {
		return context.Background()
	}
	return v.ctx
}

// openMessenger creates the configured transport and listens on it
func (v *Vault) openMessenger(ctx context.Context) (*transport.Messenger, error) {
	registry := transport.NewRegistry()
	tcp.Register(registry)
	quic.Register(registry)

	tr, err := registry.New(v.settings.Transport, nil)
	if err != nil {
		return nil, err
	}
	nodes, err := transport.ParseWhitelist(v.settings.Whitelist.Nodes)
	if err != nil {
		return nil, err
	}
	clients, err := transport.ParseWhitelist(v.settings.Whitelist.Clients)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if v.logging != nil {
		logger = v.logging.Named(logging.Transport)
	}
	m, err := transport.NewMessenger(&transport.MessengerConfig{
		Identity:  v.id,
		Transport: tr,
		Policy:    transport.Policy{Nodes: nodes, Clients: clients},
		Classify:  Classify,
		Clock:     v.clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := m.Listen(ctx, v.settings.ListenAddr(), v); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to listen on %s: %w", v.settings.ListenAddr(), err), m.Close())
	}
	return m, nil
}

// Stop stops the tick loop and closes the network
func (v *Vault) Stop(ctx context.Context) error {
	v.mu.Lock()
	if v.state == StateStopped {
		v.mu.Unlock()
		return fmt.Errorf("vault is already stopped")
	}
	if v.state == StateStopping {
		v.mu.Unlock()
		return fmt.Errorf("vault is already stopping")
	}
	v.state = StateStopping
	if v.cancel != nil {
		v.cancel()
	}
	done := v.done
	v.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for vault to stop")
	}
	v.wg.Wait()

	v.mu.Lock()
	if v.messenger != nil {
		err = multierr.Append(err, v.messenger.Close())
		v.messenger = nil
		v.net = nil
	}
	v.state = StateStopped
	v.mu.Unlock()

	v.logger.Info("vault stopped")
	return err
}

// Close stops the vault if needed and releases its subscriptions
func (v *Vault) Close() error {
	var err error
	if s := v.State(); s == StateRunning || s == StateError {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = v.Stop(ctx)
		cancel()
	}
	v.mu.Lock()
	if v.cancel != nil {
		v.cancel()
	}
	v.mu.Unlock()
	v.unsub()
	v.coord.Close()
	if v.logging != nil {
		// Syncing stderr fails on some platforms; that is not worth reporting
		_ = v.logging.Sync()
	}
	return err
}

// run is the main vault loop
func (v *Vault) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := v.clock.Ticker(v.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Tick(ctx)
			if v.chunks != nil {
				if err := v.governor.Refresh(ctx, v.chunks); err != nil {
					v.logger.Warn("failed to refresh capacity ledger", zap.Error(err))
				}
			}
		}
	}
}

// Relocated delivers the notice of a section that sent this vault
// elsewhere. The vault stops joining; the caller starts a new vault under
// an identity named inside Target (see identity.GenerateUnder) that joins
// through Contacts.
func (v *Vault) Relocated() <-chan wire.Relocation {
	return v.relocated
}

// Relocation returns the relocation notice received, if any
func (v *Vault) Relocation() (wire.Relocation, bool) {
	v.jmu.Lock()
	defer v.jmu.Unlock()
	if v.relocation == nil {
		return wire.Relocation{}, false
	}
	return *v.relocation, true
}

// Join asks the configured contacts to admit this vault as a node
func (v *Vault) Join(ctx context.Context) error {
	contacts := v.settings.Contacts
	if len(contacts) == 0 {
		return fmt.Errorf("no contacts configured")
	}
	via := joinEndpoints(ctx, contacts)
	v.jmu.Lock()
	if r := v.relocation; r != nil {
		v.jmu.Unlock()
		return fmt.Errorf("vault was relocated to %s", r.Target.Display())
	}
	v.joinSent = v.clock.Now()
	for _, ep := range via {
		v.joinVia[ep] = true
	}
	v.jmu.Unlock()

	req := &wire.ConnectRequest{
		Role:            wire.RoleNode,
		Network:         v.network,
		Endpoint:        v.self.Endpoint,
		KeyAgreementKey: v.self.KeyAgreementKey,
	}
	v.logger.Info("requesting to join", zap.Strings("contacts", contacts))
	return v.broadcast(ctx, contacts, req)
}

// joinEndpoints lists the addresses replies to a join may come from: the
// contacts as configured and, for host names, the addresses they resolve to
func joinEndpoints(ctx context.Context, contacts []string) []string {
	out := append([]string(nil), contacts...)
	for _, c := range contacts {
		host, port, err := net.SplitHostPort(c)
		if err != nil || net.ParseIP(host) != nil {
			continue
		}
		lookup, cancel := context.WithTimeout(ctx, time.Second)
		addrs, err := net.DefaultResolver.LookupHost(lookup, host)
		cancel()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out = append(out, net.JoinHostPort(a, port))
		}
	}
	return out
}

// joinedViaLocked reports whether addr is one the join went to. Callers
// hold jmu.
func (v *Vault) joinedViaLocked(addr string) bool {
	return !v.joinSent.IsZero() && v.joinVia[addr]
}

// joinedHostLocked is joinedViaLocked ignoring the port. Messages a section
// sends later arrive on connections it dialed, from another port.
func (v *Vault) joinedHostLocked(addr string) bool {
	if v.joinSent.IsZero() {
		return false
	}
	host := hostOf(addr)
	for ep := range v.joinVia {
		if hostOf(ep) == host {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (v *Vault) send(ctx context.Context, endpoint string, msg wire.Message) error {
	v.mu.RLock()
	n := v.net
	v.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("vault network is not open")
	}
	return n.Send(ctx, endpoint, msg)
}

func (v *Vault) broadcast(ctx context.Context, endpoints []string, msg wire.Message) error {
	v.mu.RLock()
	n := v.net
	v.mu.RUnlock()
	if n == nil {
		return fmt.Errorf("vault network is not open")
	}
	return n.Broadcast(ctx, endpoints, msg)
}

// ownSection exposes the local section store to the coordinator. The
// store behind it changes when the section splits or merges.
type ownSection struct {
	v *Vault
}

var emptyView = &membership.View{}

func (s ownSection) CurrentView() *membership.View {
	st := s.v.sections.Own()
	if st == nil {
		return emptyView
	}
	return st.CurrentView()
}

func (s ownSection) Check(ev *membership.Event) error {
	st := s.v.sections.Own()
	if st == nil {
		return fmt.Errorf("%w: vault has no section", consensus.ErrNotMember)
	}
	return st.Check(ev)
}

func (s ownSection) Apply(ev membership.Event) (section.ApplyResult, error) {
	return s.v.sections.Apply(ev)
}

// memberSender delivers consensus messages to member endpoints
type memberSender struct {
	v *Vault
}

func (s memberSender) Broadcast(to []membership.Member, msg wire.Message) error {
	endpoints := make([]string, 0, len(to))
	for _, m := range to {
		if m.Endpoint != "" {
			endpoints = append(endpoints, m.Endpoint)
		}
	}
	return s.v.broadcast(s.v.runContext(), endpoints, msg)
}

// messengerNetwork adapts a transport messenger to Network
type messengerNetwork struct {
	m *transport.Messenger
}

func (n messengerNetwork) Send(ctx context.Context, endpoint string, msg wire.Message) error {
	return n.m.Send(ctx, endpoint, msg)
}

func (n messengerNetwork) Broadcast(ctx context.Context, endpoints []string, msg wire.Message) error {
	return n.m.Broadcast(ctx, endpoints, msg)
}

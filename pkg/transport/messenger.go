package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"github.com/WebFirstLanguage/beevault/pkg/identity"
	"github.com/WebFirstLanguage/beevault/pkg/wire"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrClosed is returned once the messenger is closed
var ErrClosed = errors.New("messenger closed")

// writeTimeout bounds a single frame write
const writeTimeout = 10 * time.Second

// Peer describes the authenticated sender of a message
type Peer struct {
	ID     string
	Name   xorname.Name
	Addr   net.Addr
	Access Access
}

// Handler processes decoded messages. A non-nil reply, or the error turned
// into a protocol error, is sent back on the same connection.
type Handler interface {
	HandleMessage(ctx context.Context, from Peer, msg wire.Message) (wire.Message, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, from Peer, msg wire.Message) (wire.Message, error)

// HandleMessage calls f
func (f HandlerFunc) HandleMessage(ctx context.Context, from Peer, msg wire.Message) (wire.Message, error) {
	return f(ctx, from, msg)
}

// MessengerConfig holds messenger configuration
type MessengerConfig struct {
	Identity     *identity.Identity
	Transport    Transport
	TLS          *tls.Config
	Policy       Policy
	MaxFrameSize int // default: DefaultMaxFrameSize

	// Classify maps local errors to protocol error codes
	Classify func(error) (uint16, time.Duration)

	Clock  clock.Clock
	Logger *zap.Logger
}

// peerConn is one open connection and its write lock
type peerConn struct {
	conn     Conn
	writeMu  sync.Mutex
	access   Access
	endpoint string // set for dialed connections
}

// Messenger exchanges signed frames with peers over a Transport
type Messenger struct {
	id        *identity.Identity
	transport Transport
	tls       *tls.Config
	policy    Policy
	maxFrame  int
	classify  func(error) (uint16, time.Duration)
	clock     clock.Clock
	logger    *zap.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	handler  Handler
	listener Listener
	dialed   map[string]*peerConn
	inbound  map[*peerConn]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMessenger creates a messenger
func NewMessenger(config *MessengerConfig) (*Messenger, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	tlsConfig := config.TLS
	if tlsConfig == nil {
		var err error
		tlsConfig, err = TLSConfig(config.Identity)
		if err != nil {
			return nil, err
		}
	}
	maxFrame := config.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	classify := config.Classify
	if classify == nil {
		classify = func(error) (uint16, time.Duration) { return constants.ErrorMalformed, 0 }
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Messenger{
		id:        config.Identity,
		transport: config.Transport,
		tls:       tlsConfig,
		policy:    config.Policy,
		maxFrame:  maxFrame,
		classify:  classify,
		clock:     clk,
		logger:    logger,
		dialed:    make(map[string]*peerConn),
		inbound:   make(map[*peerConn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Listen starts accepting connections on addr and delivers their messages
// to handler. Replies on dialed connections go to the same handler.
func (m *Messenger) Listen(ctx context.Context, addr string, handler Handler) error {
	listener, err := m.transport.Listen(ctx, addr, m.tls)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		listener.Close()
		return ErrClosed
	}
	m.handler = handler
	m.listener = listener
	m.mu.Unlock()

	m.logger.Info("listening",
		zap.String("transport", m.transport.Name()),
		zap.String("addr", listener.Addr().String()))

	m.wg.Add(1)
	go m.acceptLoop(listener)
	return nil
}

// SetHandler sets the handler for replies on dialed connections when the
// messenger does not listen
func (m *Messenger) SetHandler(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Addr returns the listening address, or nil
func (m *Messenger) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Messenger) acceptLoop(listener Listener) {
	defer m.wg.Done()

	for {
		conn, err := listener.Accept(m.ctx)
		if err != nil {
			if m.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Debug("accept failed", zap.Error(err))
			continue
		}

		pc := &peerConn{conn: conn, access: m.policy.Check(conn.RemoteAddr())}
		if !pc.access.Node && !pc.access.Client {
			m.logger.Info("rejected connection from address outside whitelist",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.inbound[pc] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.serve(pc)
	}
}

func (m *Messenger) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// serve reads frames from a connection until it fails
func (m *Messenger) serve(pc *peerConn) {
	defer m.wg.Done()
	defer m.forget(pc)

	for {
		f, err := ReadFrame(pc.conn, m.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !m.isClosed() {
				m.logger.Debug("connection read failed",
					zap.String("remote", pc.conn.RemoteAddr().String()),
					zap.Error(err))
			}
			return
		}
		m.dispatch(pc, f)
	}
}

// forget closes and removes a connection
func (m *Messenger) forget(pc *peerConn) {
	m.mu.Lock()
	delete(m.inbound, pc)
	if pc.endpoint != "" && m.dialed[pc.endpoint] == pc {
		delete(m.dialed, pc.endpoint)
	}
	m.mu.Unlock()
	pc.conn.Close()
}

// dispatch authenticates a frame and hands its message to the handler
func (m *Messenger) dispatch(pc *peerConn, f *wire.Frame) {
	reply, err := m.process(pc, f)
	if err != nil {
		if f.Kind == constants.KindError {
			return
		}
		reply = wire.ErrorFrameBody(err, m.classify)
	}
	if reply == nil {
		return
	}
	if err := m.write(pc, reply); err != nil {
		m.logger.Debug("failed to reply", zap.Error(err))
	}
}

func (m *Messenger) process(pc *peerConn, f *wire.Frame) (wire.Message, error) {
	if err := f.Verify(); err != nil {
		return nil, err
	}
	if err := f.Validate(m.clock.Now()); err != nil {
		return nil, err
	}
	msg, err := f.Decode()
	if err != nil {
		return nil, err
	}
	if !allowed(pc.access, msg) {
		return nil, wire.NewError(constants.ErrorNotInSection, "address not whitelisted for this message")
	}
	name, err := f.SenderName()
	if err != nil {
		return nil, wire.ErrInvalidSignature(err.Error())
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return nil, nil
	}

	return handler.HandleMessage(m.ctx, Peer{
		ID:     f.From,
		Name:   name,
		Addr:   pc.conn.RemoteAddr(),
		Access: pc.access,
	}, msg)
}

// allowed reports whether a connection with access may send msg
func allowed(access Access, msg wire.Message) bool {
	switch msg := msg.(type) {
	case *wire.ConnectRequest:
		if msg.Role == wire.RoleNode {
			return access.Node
		}
		return access.Client
	case *wire.ProofResponse, *wire.Proposal, *wire.Vote,
		*wire.SnapshotRequest, *wire.Snapshot, *wire.Heartbeat:
		return access.Node
	default:
		return access.Node || access.Client
	}
}

// write signs msg into a frame and writes it to pc
func (m *Messenger) write(pc *peerConn, msg wire.Message) error {
	f, err := wire.NewFrame(m.id, m.seq.Add(1), m.clock.Now(), msg)
	if err != nil {
		return err
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WriteFrame(pc.conn, f)
}

// Send delivers msg to the vault at endpoint, dialing it if needed
func (m *Messenger) Send(ctx context.Context, endpoint string, msg wire.Message) error {
	pc, err := m.connection(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := m.write(pc, msg); err != nil {
		// The cached connection may have gone stale; redial once
		m.forget(pc)
		pc, err = m.connection(ctx, endpoint)
		if err != nil {
			return err
		}
		return m.write(pc, msg)
	}
	return nil
}

// Broadcast sends msg to every endpoint and combines the failures
func (m *Messenger) Broadcast(ctx context.Context, endpoints []string, msg wire.Message) error {
	var errs error
	for _, endpoint := range endpoints {
		if err := m.Send(ctx, endpoint, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", endpoint, err))
		}
	}
	return errs
}

// connection returns the cached connection to endpoint or dials a new one
func (m *Messenger) connection(ctx context.Context, endpoint string) (*peerConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if pc, ok := m.dialed[endpoint]; ok {
		m.mu.Unlock()
		return pc, nil
	}
	m.mu.Unlock()

	conn, err := m.transport.Dial(ctx, endpoint, m.tls)
	if err != nil {
		return nil, err
	}
	pc := &peerConn{conn: conn, access: Access{Node: true, Client: true}, endpoint: endpoint}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	if existing, ok := m.dialed[endpoint]; ok {
		m.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	m.dialed[endpoint] = pc
	m.wg.Add(1)
	m.mu.Unlock()

	go m.serve(pc)
	return pc, nil
}

// Connections returns the number of open connections
func (m *Messenger) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialed) + len(m.inbound)
}

// Close stops listening and closes every connection
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listener := m.listener
	conns := make([]*peerConn, 0, len(m.dialed)+len(m.inbound))
	for _, pc := range m.dialed {
		conns = append(conns, pc)
	}
	for pc := range m.inbound {
		conns = append(conns, pc)
	}
	m.mu.Unlock()

	m.cancel()

	var errs error
	if listener != nil {
		errs = multierr.Append(errs, listener.Close())
	}
	for _, pc := range conns {
		if err := pc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	m.wg.Wait()
	return errs
}

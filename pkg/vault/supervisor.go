package vault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the number of consecutive recovery attempts before the
	// supervisor gives up and leaves the vault to the operator
	MaxRetries int
	// RetryDelay is the minimum time between recovery attempts
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check vault health
	HealthCheckInterval time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Supervisor keeps a vault running. A halted section store is recovered
// with a full resync and a vault that stopped unexpectedly is restarted;
// both are bounded by MaxRetries.
type Supervisor struct {
	mu     sync.RWMutex
	vault  *Vault
	config SupervisorConfig
	clock  clock.Clock
	logger *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	retryCount int
	lastRetry  time.Time
	gaveUp     bool
}

// NewSupervisor creates a new supervisor for the given vault
func NewSupervisor(v *Vault) *Supervisor {
	return NewSupervisorWithConfig(v, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a new supervisor with custom configuration
func NewSupervisorWithConfig(v *Vault, config SupervisorConfig) *Supervisor {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		vault:  v,
		config: config,
		clock:  clk,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the vault and the supervisor loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.retryCount = 0
	s.gaveUp = false
	s.done = make(chan struct{})

	if err := s.vault.Start(s.ctx); err != nil {
		s.running = false
		s.cancel()
		return fmt.Errorf("failed to start vault: %w", err)
	}

	go s.supervise()
	return nil
}

// Stop stops the supervisor and the managed vault
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is not running")
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop")
	}

	if state := s.vault.State(); state == StateStopped {
		return nil
	}
	if err := s.vault.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop vault: %w", err)
	}
	return nil
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RetryCount returns the number of consecutive recovery attempts
func (s *Supervisor) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// GaveUp reports whether the supervisor exhausted its retries
func (s *Supervisor) GaveUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gaveUp
}

// supervise is the main supervisor loop
func (s *Supervisor) supervise() {
	defer close(s.done)

	ticker := s.clock.Ticker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// Check inspects the vault once and starts a recovery if it is unhealthy
func (s *Supervisor) Check() {
	state := s.vault.State()
	health := s.vault.Health()

	if health == nil && state == StateRunning {
		s.mu.Lock()
		if s.retryCount > 0 {
			s.logger.Info("vault recovered", zap.Int("attempts", s.retryCount))
		}
		s.retryCount = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.lastRetry.IsZero() && now.Sub(s.lastRetry) < s.config.RetryDelay {
		return
	}
	if s.retryCount >= s.config.MaxRetries {
		if !s.gaveUp {
			s.gaveUp = true
			s.logger.Error("vault did not recover, giving up; manual resync or restart required",
				zap.Int("max_retries", s.config.MaxRetries),
				zap.String("state", state.String()),
				zap.Error(health))
		}
		return
	}

	s.retryCount++
	s.lastRetry = now
	s.logger.Warn("vault unhealthy, attempting recovery",
		zap.String("state", state.String()),
		zap.Error(health),
		zap.Int("attempt", s.retryCount),
		zap.Int("max_retries", s.config.MaxRetries))

	switch state {
	case StateStopped:
		if err := s.vault.Start(s.ctx); err != nil {
			s.logger.Warn("failed to restart vault", zap.Error(err))
		}
	default:
		if err := s.vault.Resync(s.ctx); err != nil {
			s.logger.Warn("failed to request resync", zap.Error(err))
		}
	}
}

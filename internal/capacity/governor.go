// Package capacity keeps the local ledger of storage consumed against the
// node's configured maximum.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/constants"
	"go.uber.org/zap"
)

// ErrCapacityExceeded is returned when a reservation does not fit
var ErrCapacityExceeded = errors.New("capacity exceeded")

// ChunkStore is the persistent chunk store the ledger is reconciled with
type ChunkStore interface {
	BytesUsed(ctx context.Context) (uint64, error)
}

// Config holds governor configuration
type Config struct {
	MaxCapacity uint64 // bytes (default: 2 GiB)
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Governor tracks consumed bytes against max capacity
type Governor struct {
	mu       sync.RWMutex
	used     uint64
	capacity uint64

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Ledger is a point-in-time reading of the governor
type Ledger struct {
	BytesUsed   uint64  `json:"bytes_used"`
	MaxCapacity uint64  `json:"max_capacity"`
	Utilization float64 `json:"utilization"`
}

// New creates a new capacity governor
func New(config *Config) *Governor {
	capacity := config.MaxCapacity
	if capacity == 0 {
		capacity = constants.DefaultMaxCapacity
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		capacity: capacity,
		logger:   logger,
		metrics:  config.Metrics,
	}
}

// TryReserve reserves bytes or rejects with ErrCapacityExceeded
func (g *Governor) TryReserve(bytes uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var free uint64
	if g.used < g.capacity {
		free = g.capacity - g.used
	}
	if bytes > free {
		return fmt.Errorf("%w: %d bytes requested, %d of %d free", ErrCapacityExceeded, bytes, free, g.capacity)
	}
	g.used += bytes
	g.metrics.Utilization(g.utilizationLocked())
	return nil
}

// Release returns bytes to the pool. Releasing more than is reserved
// clamps to zero.
func (g *Governor) Release(bytes uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if bytes > g.used {
		g.logger.Warn("released more bytes than reserved",
			zap.Uint64("released", bytes),
			zap.Uint64("used", g.used))
		bytes = g.used
	}
	g.used -= bytes
	g.metrics.Utilization(g.utilizationLocked())
}

// Utilization returns the fraction of capacity in use
func (g *Governor) Utilization() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.utilizationLocked()
}

func (g *Governor) utilizationLocked() float64 {
	return float64(g.used) / float64(g.capacity)
}

// Ledger returns the current reading
func (g *Governor) Ledger() Ledger {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Ledger{
		BytesUsed:   g.used,
		MaxCapacity: g.capacity,
		Utilization: g.utilizationLocked(),
	}
}

// Refresh reconciles the ledger with what the chunk store reports. The
// store is the authority on disk usage; reservations are an estimate.
func (g *Governor) Refresh(ctx context.Context, store ChunkStore) error {
	used, err := store.BytesUsed(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chunk store usage: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if used != g.used {
		g.logger.Debug("reconciled capacity ledger",
			zap.Uint64("ledger", g.used),
			zap.Uint64("store", used))
	}
	g.used = used
	if g.used > g.capacity {
		g.logger.Warn("chunk store exceeds max capacity",
			zap.Uint64("used", used),
			zap.Uint64("max_capacity", g.capacity))
	}
	g.metrics.Utilization(g.utilizationLocked())
	return nil
}

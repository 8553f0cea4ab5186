// Package logging builds the vault's zap loggers. Every subsystem logs
// through a named child logger whose level can be set independently of the
// default level, both from configuration and at runtime.
package logging

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Subsystem names used by the vault
const (
	Vault         = "vault"
	ResourceProof = "resourceproof"
	Admission     = "admission"
	Section       = "section"
	Consensus     = "consensus"
	Planner       = "planner"
	Capacity      = "capacity"
	Liveness      = "liveness"
	Transport     = "transport"
	Control       = "control"
)

// Config selects the default level, per-subsystem overrides and the output
type Config struct {
	Level       string            // default: info
	Levels      map[string]string // subsystem -> level
	Development bool              // console encoding instead of JSON

	// Output defaults to stderr
	Output zapcore.WriteSyncer
}

// Logging owns the shared encoder and sink and one level per subsystem
type Logging struct {
	mu      sync.Mutex
	encoder zapcore.Encoder
	sink    zapcore.WriteSyncer
	level   zap.AtomicLevel
	levels  map[string]zap.AtomicLevel
	root    *zap.Logger
}

// New creates the logging setup described by config
func New(config Config) (*Logging, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Development {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	sink := config.Output
	if sink == nil {
		sink = zapcore.Lock(os.Stderr)
	}

	l := &Logging{
		encoder: encoder,
		sink:    sink,
		level:   level,
		levels:  make(map[string]zap.AtomicLevel),
	}
	for name, text := range config.Levels {
		lvl := zap.NewAtomicLevel()
		if err := lvl.UnmarshalText([]byte(text)); err != nil {
			return nil, fmt.Errorf("invalid log level %q for %s: %w", text, name, err)
		}
		l.levels[name] = lvl
	}

	l.root = zap.New(zapcore.NewCore(encoder, sink, level), zap.AddCaller())
	return l, nil
}

// Logger returns the root logger at the default level
func (l *Logging) Logger() *zap.Logger {
	return l.root
}

// Named returns the logger of a subsystem. Subsystems without an override
// follow the default level.
func (l *Logging) Named(subsystem string) *zap.Logger {
	l.mu.Lock()
	lvl, ok := l.levels[subsystem]
	l.mu.Unlock()

	var enabler zapcore.LevelEnabler = l.level
	if ok {
		enabler = lvl
	}
	core := zapcore.NewCore(l.encoder, l.sink, enabler)
	return zap.New(core, zap.AddCaller()).Named(subsystem)
}

// SetLevel changes the level of a subsystem, or the default level when
// subsystem is empty. Loggers already handed out follow the change.
func (l *Logging) SetLevel(subsystem, level string) error {
	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if subsystem == "" {
		l.level.SetLevel(parsed)
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl, ok := l.levels[subsystem]; ok {
		lvl.SetLevel(parsed)
		return nil
	}
	return fmt.Errorf("subsystem %q has no level override", subsystem)
}

// Levels returns the effective level of every subsystem with an override
// plus the default under the empty name
func (l *Logging) Levels() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := map[string]string{"": l.level.String()}
	for name, lvl := range l.levels {
		out[name] = lvl.String()
	}
	return out
}

// Subsystems returns the names with a level override, sorted
func (l *Logging) Subsystems() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.levels))
	for name := range l.levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sync flushes buffered log entries
func (l *Logging) Sync() error {
	return l.sink.Sync()
}

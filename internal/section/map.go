package section

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/WebFirstLanguage/beevault/internal/metrics"
	"github.com/WebFirstLanguage/beevault/pkg/membership"
	"github.com/WebFirstLanguage/beevault/pkg/xorname"
	"go.uber.org/zap"
)

// ErrUnknownSection is returned for events no known section can take
var ErrUnknownSection = errors.New("unknown section")

// MapConfig holds the settings shared by every store in a Map
type MapConfig struct {
	Anchor             *xorname.Name
	Resyncer           Resyncer
	MaxBuffered        int
	CheckpointInterval int
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// Map holds the stores of every section this node knows about. The map
// lock only guards which stores exist; events for different sections are
// applied under their own store locks and never block each other.
type Map struct {
	mu     sync.RWMutex
	stores []*Store

	config MapConfig
	logger *zap.Logger
}

// NewMap creates a map from initial section views
func NewMap(config *MapConfig, views ...membership.View) (*Map, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Map{config: *config, logger: logger}

	for i := range views {
		for j := 0; j < i; j++ {
			if views[i].Prefix.IsCompatible(views[j].Prefix) {
				return nil, fmt.Errorf("sections %s and %s overlap", views[i].Prefix.Display(), views[j].Prefix.Display())
			}
		}
		st, err := m.newStore(views[i])
		if err != nil {
			return nil, err
		}
		m.stores = append(m.stores, st)
	}
	return m, nil
}

func (m *Map) newStore(v membership.View) (*Store, error) {
	return New(&Config{
		Genesis:            v,
		Anchor:             m.config.Anchor,
		Resyncer:           m.config.Resyncer,
		MaxBuffered:        m.config.MaxBuffered,
		CheckpointInterval: m.config.CheckpointInterval,
		Logger:             m.logger,
		Metrics:            m.config.Metrics,
	})
}

// route finds the store responsible for an event prefix. A store whose
// prefix is an ancestor takes events it has not caught up to yet.
func (m *Map) route(prefix xorname.Prefix) (*Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := false
	for _, st := range m.stores {
		p := st.Prefix()
		if p.IsAncestorOf(prefix) {
			return st, false
		}
		if prefix.IsAncestorOf(p) {
			stale = true
		}
	}
	return nil, stale
}

// Apply routes an agreed event to its section and restructures the map
// after splits and merges
func (m *Map) Apply(ev membership.Event) (ApplyResult, error) {
	st, stale := m.route(ev.Prefix)
	if st == nil {
		if stale {
			// Every section under the prefix has moved on already
			return ApplyResult{Outcome: OutcomeIgnored}, nil
		}
		return ApplyResult{}, fmt.Errorf("%w: %s", ErrUnknownSection, ev.Prefix.Display())
	}

	res, err := st.Apply(ev)
	if len(res.Spawned) > 0 || len(res.Absorbed) > 0 {
		m.restructure(st, res)
	}
	return res, err
}

// restructure adds spawned halves and drops absorbed siblings
func (m *Map) restructure(st *Store, res ApplyResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(res.Absorbed) > 0 {
		m.dropCompatibleLocked(st)
	}
	for _, v := range res.Spawned {
		if !m.replaceableLocked(v.Prefix, v.Seq) {
			continue
		}
		spawned, err := m.newStore(v)
		if err != nil {
			m.logger.Error("failed to create spawned section", zap.String("prefix", v.Prefix.Display()), zap.Error(err))
			continue
		}
		m.dropCompatibleLocked(spawned)
		m.stores = append(m.stores, spawned)
	}
}

// dropCompatibleLocked removes every other store overlapping keep
func (m *Map) dropCompatibleLocked(keep *Store) {
	p := keep.Prefix()
	out := m.stores[:0]
	for _, st := range m.stores {
		if st != keep && st.Prefix().IsCompatible(p) {
			m.logger.Debug("dropping superseded section",
				zap.String("prefix", st.Prefix().Display()),
				zap.String("by", p.Display()))
			continue
		}
		out = append(out, st)
	}
	m.stores = out
}

// replaceableLocked reports whether a view at seq supersedes every known
// store overlapping prefix
func (m *Map) replaceableLocked(prefix xorname.Prefix, seq uint64) bool {
	for _, st := range m.stores {
		if st.Prefix().IsCompatible(prefix) && st.Seq() >= seq {
			return false
		}
	}
	return true
}

// Observe installs a section snapshot learned from a peer. A known
// section installs it directly; otherwise it replaces any older overlapping
// sections.
func (m *Map) Observe(snap *membership.Snapshot) (ApplyResult, error) {
	if err := checkView(&snap.View); err != nil {
		return ApplyResult{}, err
	}

	if st := m.Get(snap.View.Prefix); st != nil {
		return st.InstallSnapshot(snap)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.replaceableLocked(snap.View.Prefix, snap.View.Seq) {
		return ApplyResult{Outcome: OutcomeIgnored}, nil
	}
	st, err := m.newStore(snap.View)
	if err != nil {
		return ApplyResult{}, err
	}
	m.dropCompatibleLocked(st)
	m.stores = append(m.stores, st)
	return ApplyResult{Outcome: OutcomeApplied}, nil
}

// Get returns the store with exactly this prefix
func (m *Map) Get(prefix xorname.Prefix) *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, st := range m.stores {
		if st.Prefix().Equal(prefix) {
			return st
		}
	}
	return nil
}

// Lookup returns the store whose section contains name
func (m *Map) Lookup(name xorname.Name) *Store {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, st := range m.stores {
		if st.Prefix().Matches(name) {
			return st
		}
	}
	return nil
}

// Own returns the store of the anchor's section
func (m *Map) Own() *Store {
	if m.config.Anchor == nil {
		return nil
	}
	return m.Lookup(*m.config.Anchor)
}

// Sibling returns the store of the section sharing prefix's parent
func (m *Map) Sibling(prefix xorname.Prefix) *Store {
	if prefix.Len == 0 {
		return nil
	}
	return m.Get(prefix.Sibling())
}

// Views returns the current view of every known section ordered by prefix
func (m *Map) Views() []*membership.View {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]*membership.View, len(m.stores))
	for i, st := range m.stores {
		views[i] = st.CurrentView()
	}
	sortViews(views)
	return views
}

// Prefixes returns the prefixes of every known section
func (m *Map) Prefixes() []xorname.Prefix {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefixes := make([]xorname.Prefix, len(m.stores))
	for i, st := range m.stores {
		prefixes[i] = st.Prefix()
	}
	xorname.SortPrefixes(prefixes)
	return prefixes
}

// IsPartition reports whether the known sections cover the address space
// exactly
func (m *Map) IsPartition() bool {
	return xorname.IsPartition(m.Prefixes())
}

func sortViews(views []*membership.View) {
	sort.Slice(views, func(i, j int) bool {
		return views[i].Prefix.Less(views[j].Prefix)
	})
}

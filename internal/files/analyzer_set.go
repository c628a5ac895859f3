package files

import (
	"log/slog"
	"slices"

	"firestige.xyz/filetrace/internal/analyzer"
	"firestige.xyz/filetrace/internal/metrics"
)

type modification struct {
	add  bool
	key  string
	inst analyzer.Analyzer // set for adds
}

// AnalyzerSet is the ordered collection of analyzers attached to a file.
//
// Additions and removals are queued and applied by Drain. Drain does nothing
// while Each is running, so an analyzer may request its own removal or add a
// sibling from inside a delivery callback.
type AnalyzerSet struct {
	host     analyzer.Host
	registry *analyzer.Registry

	live      []analyzer.Analyzer
	keys      []string
	byKey     map[string]analyzer.Analyzer
	mods      []modification
	iterating int
}

// NewAnalyzerSet creates an empty set building analyzers from registry.
func NewAnalyzerSet(host analyzer.Host, registry *analyzer.Registry) *AnalyzerSet {
	return &AnalyzerSet{
		host:     host,
		registry: registry,
		byKey:    make(map[string]analyzer.Analyzer),
	}
}

// QueueAdd instantiates tag with args and queues it for addition. It returns
// false without error when the same tag and args are already attached or
// queued.
func (s *AnalyzerSet) QueueAdd(tag analyzer.Tag, args analyzer.Args) (bool, error) {
	key := analyzer.Key(tag, args)
	if s.willBeLive(key) {
		return false, nil
	}
	a, err := s.registry.New(tag, args, s.host)
	if err != nil {
		return false, err
	}
	s.mods = append(s.mods, modification{add: true, key: key, inst: a})
	return true, nil
}

// QueueRemove queues removal of the analyzer addressed by tag and args.
func (s *AnalyzerSet) QueueRemove(tag analyzer.Tag, args analyzer.Args) bool {
	s.mods = append(s.mods, modification{key: analyzer.Key(tag, args)})
	return true
}

// willBeLive replays the pending queue to tell whether key is live after the
// next drain.
func (s *AnalyzerSet) willBeLive(key string) bool {
	_, live := s.byKey[key]
	for _, m := range s.mods {
		if m.key == key {
			live = m.add
		}
	}
	return live
}

// Drain applies queued modifications in order.
func (s *AnalyzerSet) Drain() {
	if s.iterating > 0 {
		return
	}
	for len(s.mods) > 0 {
		m := s.mods[0]
		s.mods = s.mods[1:]
		if m.add {
			s.apply(m)
		} else {
			s.remove(m.key)
		}
	}
	s.mods = nil
}

func (s *AnalyzerSet) apply(m modification) {
	if _, exists := s.byKey[m.key]; exists {
		slog.Debug("analyzer already attached, skipping add", "file_id", s.host.ID(), "analyzer", m.key)
		m.inst.Done()
		return
	}
	s.byKey[m.key] = m.inst
	s.live = append(s.live, m.inst)
	s.keys = append(s.keys, m.key)
}

func (s *AnalyzerSet) remove(key string) {
	a, ok := s.byKey[key]
	if !ok {
		slog.Debug("analyzer not attached, skipping remove", "file_id", s.host.ID(), "analyzer", key)
		return
	}
	delete(s.byKey, key)
	i := slices.Index(s.keys, key)
	s.keys = slices.Delete(s.keys, i, i+1)
	s.live = slices.Delete(s.live, i, i+1)

	metrics.AnalyzerRemovalsTotal.WithLabelValues(string(a.Tag())).Inc()
	a.Done()
}

// Each calls fn for every live analyzer in insertion order. Changes queued by
// fn take effect at the next Drain after Each returns.
func (s *AnalyzerSet) Each(fn func(a analyzer.Analyzer)) {
	snapshot := slices.Clone(s.live)
	s.iterating++
	defer func() { s.iterating-- }()

	for _, a := range snapshot {
		fn(a)
	}
}

// Find returns the live analyzer addressed by tag and args, or nil.
func (s *AnalyzerSet) Find(tag analyzer.Tag, args analyzer.Args) analyzer.Analyzer {
	return s.byKey[analyzer.Key(tag, args)]
}

// Len returns the number of live analyzers.
func (s *AnalyzerSet) Len() int { return len(s.live) }

// Pending returns the number of queued modifications.
func (s *AnalyzerSet) Pending() int { return len(s.mods) }

// Tags returns the keys of the live analyzers in insertion order.
func (s *AnalyzerSet) Tags() []string { return slices.Clone(s.keys) }

// Clear releases every analyzer, live or queued.
func (s *AnalyzerSet) Clear() {
	for _, m := range s.mods {
		if m.add {
			m.inst.Done()
		}
	}
	s.mods = nil
	for _, a := range s.live {
		a.Done()
	}
	s.live = nil
	s.keys = nil
	clear(s.byKey)
}

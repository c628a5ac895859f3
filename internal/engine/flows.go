package engine

import "firestige.xyz/filetrace/internal/core"

// flowTable holds per-flow state keyed by the originator-oriented 5-tuple.
// Callers hold the engine lock.
type flowTable struct {
	flows map[core.ConnKey]*flow
}

func newFlowTable() *flowTable {
	return &flowTable{flows: make(map[core.ConnKey]*flow)}
}

// lookup finds the flow a packet keyed src to dst belongs to and tells
// whether the sender is the originator.
func (t *flowTable) lookup(key core.ConnKey) (fl *flow, isOrig, ok bool) {
	if fl, ok := t.flows[key]; ok {
		return fl, true, true
	}
	if fl, ok := t.flows[key.Reverse()]; ok {
		return fl, false, true
	}
	return nil, false, false
}

func (t *flowTable) get(key core.ConnKey) (*flow, bool) {
	fl, ok := t.flows[key]
	return fl, ok
}

func (t *flowTable) set(key core.ConnKey, fl *flow) { t.flows[key] = fl }

func (t *flowTable) delete(key core.ConnKey) { delete(t.flows, key) }

func (t *flowTable) count() int { return len(t.flows) }

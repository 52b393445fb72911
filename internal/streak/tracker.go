package streak

import "sync"

// State is the consecutive-reading count for one metric. At most one of
// the two counters is non-zero.
type State struct {
	BreachCount int `json:"breach_count"`
	NormalCount int `json:"normal_count"`
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Tracker holds per-metric streaks in memory. The monitor loop is the only
// writer; readers may call Get and Snapshot concurrently.
type Tracker struct {
	entries sync.Map // metric name -> *entry
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) entry(metric string) *entry {
	if e, ok := t.entries.Load(metric); ok {
		return e.(*entry)
	}
	e, _ := t.entries.LoadOrStore(metric, &entry{})
	return e.(*entry)
}

// RecordBreach increments the breach count and clears the normal count.
func (t *Tracker) RecordBreach(metric string) State {
	e := t.entry(metric)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.BreachCount++
	e.state.NormalCount = 0
	return e.state
}

// RecordNormal increments the normal count and clears the breach count.
func (t *Tracker) RecordNormal(metric string) State {
	e := t.entry(metric)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.NormalCount++
	e.state.BreachCount = 0
	return e.state
}

// Get returns the streak for metric, if one has been recorded.
func (t *Tracker) Get(metric string) (State, bool) {
	v, ok := t.entries.Load(metric)
	if !ok {
		return State{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// Snapshot copies every tracked streak.
func (t *Tracker) Snapshot() map[string]State {
	out := make(map[string]State)
	t.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		out[key.(string)] = e.state
		e.mu.Unlock()
		return true
	})
	return out
}

// Reset forgets the streak for metric.
func (t *Tracker) Reset(metric string) {
	t.entries.Delete(metric)
}

// Package wl implements the cooperative work loop that drives an activity:
// a fixed-capacity list of work items ticked in registration order, with the
// activity parked between ticks until the TCU signals an event.
package wl

import (
	"github.com/GriffinCanCode/TileOS/runtime/internal/monitoring"
)

// MaxItems bounds the number of registered work items.
const MaxItems = 32

// WorkItem is ticked by the loop. Work must be short and non-blocking.
type WorkItem interface {
	Work()
}

// Sleeper parks the activity until the next TCU event. The activity runtime
// provides it.
type Sleeper interface {
	Sleep()
}

type entry struct {
	item      WorkItem
	permanent bool
}

// WorkLoop schedules work items on a single activity. Permanent items keep
// running until Stop; the loop exits once only permanent items remain.
type WorkLoop struct {
	entries    []entry
	permanents int
	sleeper    Sleeper
	metrics    *monitoring.Metrics
}

// New creates a work loop. sleeper may be nil, in which case Run busy-ticks.
func New(sleeper Sleeper) *WorkLoop {
	return &WorkLoop{
		entries: make([]entry, 0, MaxItems),
		sleeper: sleeper,
	}
}

// SetMetrics attaches a metrics collector. Safe to leave unset.
func (w *WorkLoop) SetMetrics(m *monitoring.Metrics) {
	w.metrics = m
}

// Add registers a work item. Exceeding MaxItems is an invariant violation.
func (w *WorkLoop) Add(item WorkItem, permanent bool) {
	if len(w.entries) == MaxItems {
		panic("wl: too many work items")
	}
	w.entries = append(w.entries, entry{item: item, permanent: permanent})
	if permanent {
		w.permanents++
	}
}

// Remove unregisters a work item, keeping registration order for the rest.
func (w *WorkLoop) Remove(item WorkItem) {
	for i, e := range w.entries {
		if e.item == item {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			if e.permanent {
				w.permanents--
			}
			return
		}
	}
}

// HasItems reports whether non-permanent items remain.
func (w *WorkLoop) HasItems() bool {
	return len(w.entries) > w.permanents
}

// Tick invokes every registered item once, in registration order.
func (w *WorkLoop) Tick() {
	// items may remove themselves during their tick
	snapshot := append([]entry(nil), w.entries...)
	for _, e := range snapshot {
		e.item.Work()
	}
	if w.metrics != nil {
		w.metrics.WorkLoopTicks.Inc()
	}
}

// Run ticks until only permanent items remain, parking between ticks.
func (w *WorkLoop) Run() {
	for w.HasItems() {
		w.Tick()
		if w.sleeper != nil && w.HasItems() {
			w.sleeper.Sleep()
		}
	}
}

// Stop marks every item permanent, so Run exits after the current tick.
func (w *WorkLoop) Stop() {
	for i := range w.entries {
		w.entries[i].permanent = true
	}
	w.permanents = len(w.entries)
}

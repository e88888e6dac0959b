package banker

import "sync"

// maxSkips is how many consecutive ticks a protocol may be skipped while a
// prior run is still in flight before a retry is forced.
const maxSkips = 3

type tickDecision struct {
	// Dispatch reports whether a new run starts on this tick.
	Dispatch bool
	// Forced is set when the run starts despite a run still being in flight.
	Forced bool
	// Skipped is the skip counter after this tick.
	Skipped int
}

// nextTick is the guard's transition function. The current state is
// (inFlight, skipped); the event is a periodic tick.
func nextTick(inFlight bool, skipped int) tickDecision {
	if !inFlight {
		return tickDecision{Dispatch: true}
	}
	skipped++
	if skipped > maxSkips {
		// Starvation backstop: proceed even though the flag is stale,
		// accepting a possible duplicate in-flight run.
		return tickDecision{Dispatch: true, Forced: true}
	}
	return tickDecision{Skipped: skipped}
}

// reconcileGuard prevents overlapping runs of one reconciliation protocol.
// There is no hard timeout on a lost completion; the skip counter in nextTick
// is the only liveness backstop. A forced retry can leave two runs in flight,
// and both completions will call finish; finish is therefore idempotent.
type reconcileGuard struct {
	mu       sync.Mutex
	inFlight bool
	skipped  int
}

// tryBegin applies one tick. wasBusy reports whether a run was in flight when
// the tick arrived, dispatch whether the caller should run now, forced whether
// the dispatch overrode a stale in-flight flag.
func (g *reconcileGuard) tryBegin() (dispatch, forced, wasBusy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasBusy = g.inFlight
	d := nextTick(g.inFlight, g.skipped)
	if d.Dispatch {
		g.inFlight = true
		g.skipped = 0
		return true, d.Forced, wasBusy
	}
	g.skipped = d.Skipped
	return false, false, wasBusy
}

func (g *reconcileGuard) finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false
	g.skipped = 0
}

func (g *reconcileGuard) state() (inFlight bool, skipped int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight, g.skipped
}

package coverage

import (
	"math"
	"sync"
	"time"
)

// #region ring

// ring is a fixed-capacity observation buffer. When full, the oldest record
// is overwritten. Insertion order is preserved for deterministic stats.
type ring struct {
	buf   []Observation
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Observation, capacity)}
}

func (r *ring) push(o Observation) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = o
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance the start.
	r.buf[r.start] = o
	r.start = (r.start + 1) % len(r.buf)
}

// copyOut returns the observations oldest-first.
func (r *ring) copyOut() []Observation {
	out := make([]Observation, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// #endregion ring

// #region tracker

// patchSlot pairs one patch's ring with its own lock, so writers on one
// patch never block readers on another.
type patchSlot struct {
	mu   sync.Mutex
	ring *ring
}

// Tracker maintains bounded per-patch observation history. One writer per
// session appends; an independent telemetry thread may query stats
// concurrently without blocking the writer beyond a single patch append.
type Tracker struct {
	config Config

	mu    sync.RWMutex // guards the slot map, not the rings
	slots map[string]*patchSlot
}

// NewTracker creates a tracker with the given configuration.
func NewTracker(config Config) *Tracker {
	if config.RingCapacity <= 0 {
		config.RingCapacity = DefaultConfig().RingCapacity
	}
	return &Tracker{
		config: config,
		slots:  make(map[string]*patchSlot),
	}
}

func (t *Tracker) slot(patchID string, create bool) *patchSlot {
	t.mu.RLock()
	s, ok := t.slots[patchID]
	t.mu.RUnlock()
	if ok || !create {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.slots[patchID]; ok {
		return s
	}
	s = &patchSlot{ring: newRing(t.config.RingCapacity)}
	t.slots[patchID] = s
	return s
}

// #endregion tracker

// #region record

// Record derives the viewing direction patchCenter→cameraPos, converts it to
// angular coordinates, and appends the observation to the patch's ring.
func (t *Tracker) Record(patchID string, cameraPos, patchCenter Vec3, quality float64, timestamp time.Time) {
	dx := cameraPos.X - patchCenter.X
	dy := cameraPos.Y - patchCenter.Y
	dz := cameraPos.Z - patchCenter.Z

	var thetaDeg, phiDeg float64
	norm := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if norm > 0 {
		thetaDeg = math.Atan2(dx, dz) * 180 / math.Pi
		phiDeg = math.Asin(dy/norm) * 180 / math.Pi
	}

	s := t.slot(patchID, true)
	s.mu.Lock()
	s.ring.push(Observation{
		ThetaDeg:  thetaDeg,
		PhiDeg:    phiDeg,
		Quality:   quality,
		Timestamp: timestamp,
	})
	s.mu.Unlock()
}

// #endregion record

// #region stats

// Stats derives coverage statistics for a patch. Unknown patches yield
// (zero, false), never an error. The ring is copied under the patch lock and
// reduced outside it, so a slow reader cannot stall the producer.
func (t *Tracker) Stats(patchID string) (Stats, bool) {
	s := t.slot(patchID, false)
	if s == nil {
		return Stats{}, false
	}

	s.mu.Lock()
	obs := s.ring.copyOut()
	s.mu.Unlock()

	if len(obs) == 0 {
		return Stats{}, false
	}

	minTheta, maxTheta := obs[0].ThetaDeg, obs[0].ThetaDeg
	minPhi, maxPhi := obs[0].PhiDeg, obs[0].PhiDeg
	var l2, l3 int
	for _, o := range obs {
		if o.ThetaDeg < minTheta {
			minTheta = o.ThetaDeg
		}
		if o.ThetaDeg > maxTheta {
			maxTheta = o.ThetaDeg
		}
		if o.PhiDeg < minPhi {
			minPhi = o.PhiDeg
		}
		if o.PhiDeg > maxPhi {
			maxPhi = o.PhiDeg
		}
		if o.Quality > t.config.L2Threshold {
			l2++
		}
		if o.Quality > t.config.L3Threshold {
			l3++
		}
	}

	return Stats{
		ThetaSpanDeg: maxTheta - minTheta,
		PhiSpanDeg:   maxPhi - minPhi,
		L2PlusCount:  l2,
		L3Count:      l3,
		Observations: len(obs),
	}, true
}

// #endregion stats

// #region telemetry

// Patches returns the number of tracked patches.
func (t *Tracker) Patches() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// TotalObservations sums the ring counts across all patches.
func (t *Tracker) TotalObservations() int {
	t.mu.RLock()
	slots := make([]*patchSlot, 0, len(t.slots))
	for _, s := range t.slots {
		slots = append(slots, s)
	}
	t.mu.RUnlock()

	var total int
	for _, s := range slots {
		s.mu.Lock()
		total += s.ring.count
		s.mu.Unlock()
	}
	return total
}

// #endregion telemetry

// #region export

// Export copies every patch's observations oldest-first, for snapshotting.
func (t *Tracker) Export() map[string][]Observation {
	t.mu.RLock()
	ids := make([]string, 0, len(t.slots))
	for id := range t.slots {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string][]Observation, len(ids))
	for _, id := range ids {
		s := t.slot(id, false)
		if s == nil {
			continue
		}
		s.mu.Lock()
		out[id] = s.ring.copyOut()
		s.mu.Unlock()
	}
	return out
}

// Restore replaces the tracker contents from an Export map, preserving
// insertion order so derived stats match the pre-snapshot state.
func (t *Tracker) Restore(data map[string][]Observation) {
	t.mu.Lock()
	t.slots = make(map[string]*patchSlot, len(data))
	t.mu.Unlock()

	for id, obs := range data {
		s := t.slot(id, true)
		s.mu.Lock()
		for _, o := range obs {
			s.ring.push(o)
		}
		s.mu.Unlock()
	}
}

// #endregion export

package vm

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("astc2native.vm")

// Tracker identifies hot execution sites so the backend can recompile them
// at a higher optimization level. Sites are bytecode addresses: loop
// headers reached by backward jumps and CALL_USER entry points. Recording
// is safe from multiple goroutines.

// hotHitWeight is the score contribution of a single hit. A site scores
// hotHitWeight points per hit plus one point per microsecond of attributed
// execution time.
const hotHitWeight = 10

// DefaultHotThreshold is the hotness score at which a site is promoted.
// Equivalent to 100 plain hits.
const DefaultHotThreshold = 1000

// HotSpotEntry is a point-in-time view of one tracked site. HotnessScore
// only grows until an explicit Reset.
type HotSpotEntry struct {
	Address       uint32
	HitCount      uint64
	ExecutionTime time.Duration
	HotnessScore  uint64
	IsHot         bool
}

// hotSpot is the live per-site record. Fields are updated atomically.
type hotSpot struct {
	hits   uint64
	timeNs uint64
	hot    uint32 // latched to 1 on first threshold crossing
}

// Tracker aggregates hit counts and execution time per site.
type Tracker struct {
	spots sync.Map // uint32 -> *hotSpot

	// HotThreshold is the promotion score. Default: DefaultHotThreshold.
	HotThreshold uint64

	// OnHot is called once per site, when it first crosses HotThreshold.
	OnHot func(entry HotSpotEntry)

	hotCount     uint64
	totalRecords uint64
}

// NewTracker creates a tracker with the default promotion threshold.
func NewTracker() *Tracker {
	return &Tracker{
		HotThreshold: DefaultHotThreshold,
	}
}

func hotnessScore(hits, timeNs uint64) uint64 {
	return hits*hotHitWeight + timeNs/1000
}

// Record adds one hit and the attributed execution time to a site. It
// returns true exactly once per site: on the call that first pushes its
// score across HotThreshold.
func (t *Tracker) Record(address uint32, execTime time.Duration) bool {
	val, _ := t.spots.LoadOrStore(address, &hotSpot{})
	spot := val.(*hotSpot)

	hits := atomic.AddUint64(&spot.hits, 1)
	ns := atomic.LoadUint64(&spot.timeNs)
	if execTime > 0 {
		ns = atomic.AddUint64(&spot.timeNs, uint64(execTime))
	}
	atomic.AddUint64(&t.totalRecords, 1)

	threshold := t.HotThreshold
	if threshold == 0 {
		threshold = DefaultHotThreshold
	}
	if hotnessScore(hits, ns) >= threshold {
		// CAS latch so concurrent recorders promote a site only once
		if atomic.CompareAndSwapUint32(&spot.hot, 0, 1) {
			atomic.AddUint64(&t.hotCount, 1)
			vmLog.Infof("hot spot at 0x%04X (%d hits, %s)",
				address, hits, time.Duration(ns))
			if t.OnHot != nil {
				t.OnHot(makeHotSpotEntry(address, spot))
			}
			return true
		}
	}
	return false
}

func makeHotSpotEntry(address uint32, s *hotSpot) HotSpotEntry {
	hits := atomic.LoadUint64(&s.hits)
	ns := atomic.LoadUint64(&s.timeNs)
	return HotSpotEntry{
		Address:       address,
		HitCount:      hits,
		ExecutionTime: time.Duration(ns),
		HotnessScore:  hotnessScore(hits, ns),
		IsHot:         atomic.LoadUint32(&s.hot) == 1,
	}
}

// Get returns the entry for a site, or false if it was never recorded.
func (t *Tracker) Get(address uint32) (HotSpotEntry, bool) {
	if val, ok := t.spots.Load(address); ok {
		return makeHotSpotEntry(address, val.(*hotSpot)), true
	}
	return HotSpotEntry{}, false
}

// IsHot reports whether a site has crossed the promotion threshold.
func (t *Tracker) IsHot(address uint32) bool {
	if val, ok := t.spots.Load(address); ok {
		return atomic.LoadUint32(&val.(*hotSpot).hot) == 1
	}
	return false
}

// TopN returns the n highest-scoring sites, hottest first.
func (t *Tracker) TopN(n int) []HotSpotEntry {
	var all []HotSpotEntry
	t.spots.Range(func(key, value interface{}) bool {
		all = append(all, makeHotSpotEntry(key.(uint32), value.(*hotSpot)))
		return true
	})

	// Simple selection sort for top N (fine for small N)
	for i := 0; i < n && i < len(all); i++ {
		maxIdx := i
		for j := i + 1; j < len(all); j++ {
			if all[j].HotnessScore > all[maxIdx].HotnessScore {
				maxIdx = j
			}
		}
		all[i], all[maxIdx] = all[maxIdx], all[i]
	}

	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// Snapshot returns every tracked site ordered by address.
func (t *Tracker) Snapshot() []HotSpotEntry {
	var all []HotSpotEntry
	t.spots.Range(func(key, value interface{}) bool {
		all = append(all, makeHotSpotEntry(key.(uint32), value.(*hotSpot)))
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].Address < all[j].Address })
	return all
}

// TrackerStats holds aggregate tracking statistics.
type TrackerStats struct {
	TrackedSites int
	HotSites     int
	TotalHits    uint64
	TotalTime    time.Duration
}

// Stats returns aggregate statistics across all sites.
func (t *Tracker) Stats() TrackerStats {
	var stats TrackerStats
	t.spots.Range(func(key, value interface{}) bool {
		spot := value.(*hotSpot)
		stats.TrackedSites++
		stats.TotalHits += atomic.LoadUint64(&spot.hits)
		stats.TotalTime += time.Duration(atomic.LoadUint64(&spot.timeNs))
		if atomic.LoadUint32(&spot.hot) == 1 {
			stats.HotSites++
		}
		return true
	})
	return stats
}

// Reset clears all tracking data. This is the only operation that lowers a
// hotness score.
func (t *Tracker) Reset() {
	t.spots = sync.Map{}
	atomic.StoreUint64(&t.hotCount, 0)
	atomic.StoreUint64(&t.totalRecords, 0)
}

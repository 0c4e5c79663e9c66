package vm

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackerRecordAndGet(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < 3; i++ {
		tr.Record(0x40, 100*time.Microsecond)
	}

	entry, ok := tr.Get(0x40)
	if !ok {
		t.Fatal("site not tracked")
	}
	if entry.Address != 0x40 {
		t.Errorf("address = %#x, want 0x40", entry.Address)
	}
	if entry.HitCount != 3 {
		t.Errorf("hits = %d, want 3", entry.HitCount)
	}
	if entry.ExecutionTime != 300*time.Microsecond {
		t.Errorf("time = %s, want 300µs", entry.ExecutionTime)
	}
	// 3 hits at 10 points each plus 300µs at a point per microsecond.
	if entry.HotnessScore != 330 {
		t.Errorf("score = %d, want 330", entry.HotnessScore)
	}
	if entry.IsHot {
		t.Error("site hot below threshold")
	}

	if _, ok := tr.Get(0x99); ok {
		t.Error("untracked site found")
	}
}

func TestTrackerPromotionOnce(t *testing.T) {
	tr := NewTracker()

	promotions := 0
	for i := 0; i < 150; i++ {
		if tr.Record(0x10, 0) {
			promotions++
			// 100 hits at 10 points each reaches the default threshold.
			if i != 99 {
				t.Errorf("promoted on hit %d, want 100", i+1)
			}
		}
	}
	if promotions != 1 {
		t.Errorf("promotions = %d, want 1", promotions)
	}
	if !tr.IsHot(0x10) {
		t.Error("site not hot after promotion")
	}
	if tr.IsHot(0x20) {
		t.Error("untracked site reported hot")
	}
}

func TestTrackerCustomThreshold(t *testing.T) {
	tr := NewTracker()
	tr.HotThreshold = 50

	for i := 0; i < 4; i++ {
		if tr.Record(0x08, 0) {
			t.Fatalf("promoted on hit %d", i+1)
		}
	}
	if !tr.Record(0x08, 0) {
		t.Error("fifth hit should promote at threshold 50")
	}
}

func TestTrackerTimeWeight(t *testing.T) {
	// A single slow hit can cross the threshold on its own.
	tr := NewTracker()
	if !tr.Record(0x04, time.Millisecond) {
		t.Error("1ms hit should promote immediately")
	}
}

func TestTrackerOnHot(t *testing.T) {
	tr := NewTracker()

	var calls int
	var got HotSpotEntry
	tr.OnHot = func(e HotSpotEntry) {
		calls++
		got = e
	}

	for i := 0; i < 120; i++ {
		tr.Record(0x30, 0)
	}
	if calls != 1 {
		t.Fatalf("OnHot calls = %d, want 1", calls)
	}
	if got.Address != 0x30 || !got.IsHot {
		t.Errorf("OnHot entry = %+v", got)
	}
}

func TestTrackerConcurrentPromotion(t *testing.T) {
	tr := NewTracker()

	const goroutines = 8
	const records = 50

	var promotions uint64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < records; i++ {
				if tr.Record(0x1000, 0) {
					atomic.AddUint64(&promotions, 1)
				}
			}
		}()
	}
	wg.Wait()

	if promotions != 1 {
		t.Errorf("promotions = %d, want 1", promotions)
	}
	entry, _ := tr.Get(0x1000)
	if entry.HitCount != goroutines*records {
		t.Errorf("hits = %d, want %d", entry.HitCount, goroutines*records)
	}
}

func TestTrackerTopN(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1; i++ {
		tr.Record(0xA0, 0)
	}
	for i := 0; i < 5; i++ {
		tr.Record(0xB0, 0)
	}
	for i := 0; i < 3; i++ {
		tr.Record(0xC0, 0)
	}

	top := tr.TopN(2)
	if len(top) != 2 {
		t.Fatalf("len = %d, want 2", len(top))
	}
	if top[0].Address != 0xB0 || top[1].Address != 0xC0 {
		t.Errorf("top = [%#x %#x], want [0xb0 0xc0]", top[0].Address, top[1].Address)
	}

	if all := tr.TopN(10); len(all) != 3 {
		t.Errorf("TopN(10) len = %d, want 3", len(all))
	}
}

func TestTrackerSnapshotOrder(t *testing.T) {
	tr := NewTracker()
	tr.Record(0x30, 0)
	tr.Record(0x10, 0)
	tr.Record(0x20, 0)

	snap := tr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i, want := range []uint32{0x10, 0x20, 0x30} {
		if snap[i].Address != want {
			t.Errorf("snapshot[%d] = %#x, want %#x", i, snap[i].Address, want)
		}
	}
}

func TestTrackerStats(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 100; i++ {
		tr.Record(0x10, 0)
	}
	tr.Record(0x20, 2*time.Microsecond)
	tr.Record(0x20, 0)

	stats := tr.Stats()
	if stats.TrackedSites != 2 {
		t.Errorf("tracked = %d, want 2", stats.TrackedSites)
	}
	if stats.HotSites != 1 {
		t.Errorf("hot = %d, want 1", stats.HotSites)
	}
	if stats.TotalHits != 102 {
		t.Errorf("hits = %d, want 102", stats.TotalHits)
	}
	if stats.TotalTime != 2*time.Microsecond {
		t.Errorf("time = %s, want 2µs", stats.TotalTime)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 100; i++ {
		tr.Record(0x10, 0)
	}
	if !tr.IsHot(0x10) {
		t.Fatal("site not hot before reset")
	}

	tr.Reset()
	if len(tr.Snapshot()) != 0 {
		t.Error("snapshot not empty after reset")
	}
	if tr.Stats().TrackedSites != 0 {
		t.Error("stats not cleared after reset")
	}
	if tr.IsHot(0x10) {
		t.Error("site still hot after reset")
	}

	// The site can earn promotion again from scratch.
	promoted := false
	for i := 0; i < 100; i++ {
		if tr.Record(0x10, 0) {
			promoted = true
		}
	}
	if !promoted {
		t.Error("no promotion after reset")
	}
}

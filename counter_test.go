package flagsync

import (
	"testing"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
)

func TestImpressionCounterAggregatesPerFrame(t *testing.T) {
	c := newImpressionCounter()
	frame := countTimeFrame.Milliseconds()
	base := time.Now().Add(-3 * countTimeFrame).UnixMilli()
	base -= base % frame

	c.add("checkout", base)
	c.add("checkout", base+1)
	c.add("checkout", base+frame) // next frame
	c.add("search", base)

	counts := c.drain(time.Now())
	if len(counts) != 3 {
		t.Fatalf("drain() returned %d entries, want 3", len(counts))
	}
	byKey := make(map[string]map[int64]int64)
	for _, count := range counts {
		if byKey[count.FeatureName] == nil {
			byKey[count.FeatureName] = make(map[int64]int64)
		}
		byKey[count.FeatureName][count.TimeFrame] = count.Count
	}
	if byKey["checkout"][base] != 2 {
		t.Fatalf("checkout@base = %d, want 2", byKey["checkout"][base])
	}
	if byKey["checkout"][base+frame] != 1 {
		t.Fatalf("checkout@next = %d, want 1", byKey["checkout"][base+frame])
	}
	if byKey["search"][base] != 1 {
		t.Fatalf("search@base = %d, want 1", byKey["search"][base])
	}
}

func TestImpressionCounterKeepsOpenFrame(t *testing.T) {
	c := newImpressionCounter()
	c.add("checkout", time.Now().UnixMilli())

	// The current frame is still accumulating; draining up to one frame ago
	// must not flush it.
	counts := c.drain(time.Now().Add(-countTimeFrame))
	if len(counts) != 0 {
		t.Fatalf("drain() flushed the open frame: %v", counts)
	}

	// Once the cutoff passes the frame start it drains, exactly once.
	counts = c.drain(time.Now().Add(countTimeFrame))
	if len(counts) != 1 || counts[0].Count != 1 {
		t.Fatalf("drain() = %v, want one count", counts)
	}
	if again := c.drain(time.Now().Add(countTimeFrame)); len(again) != 0 {
		t.Fatalf("second drain() = %v, want empty", again)
	}
}

func TestDatabaseNameDerivation(t *testing.T) {
	plain := databaseName("flagsync", core.FlagFilters{})
	if plain != "flagsync" {
		t.Fatalf("databaseName() without filters = %q, want base name", plain)
	}

	a := databaseName("flagsync", core.BySets("set_1"))
	b := databaseName("flagsync", core.BySets("set_1"))
	if a != b {
		t.Fatalf("equal filters derived different names: %q vs %q", a, b)
	}
	if a == plain {
		t.Fatal("filtered client must use a distinct database")
	}

	c := databaseName("flagsync", core.BySets("set_2"))
	if a == c {
		t.Fatalf("different filters derived the same name %q", a)
	}
}

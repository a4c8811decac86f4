package ids

import (
	"sync"
	"testing"
	"time"
)

func TestNextIsMonotonic(t *testing.T) {
	c := New()
	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := c.NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if c.Peek(Object) != 1000 {
		t.Errorf("Expected counter 1000, got %d", c.Peek(Object))
	}
}

func TestNextConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[ID]bool)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := c.NewID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 1600 {
		t.Errorf("Expected 1600 ids, got %d", len(seen))
	}
}

func TestAdvanceNeverLowers(t *testing.T) {
	c := New()
	c.Init(Object, 50)
	c.Advance(Object, 10)
	if c.Peek(Object) != 50 {
		t.Errorf("Advance lowered counter to %d", c.Peek(Object))
	}
	c.Advance(Object, 90)
	if got := c.NewID(); got != 91 {
		t.Errorf("Expected next id 91, got %s", got)
	}
}

func TestValuesRestore(t *testing.T) {
	c := New()
	if c.Peek(VCA) != 1 {
		t.Errorf("Expected vca counter to start at 1, got %d", c.Peek(VCA))
	}
	c.Next(RegionGroup)
	c.Next(Event)
	v := c.Values()

	d := New()
	d.Restore(v)
	for _, k := range Kinds() {
		if d.Peek(k) != c.Peek(k) {
			t.Errorf("%s: expected %d, got %d", k, c.Peek(k), d.Peek(k))
		}
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID("12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 12345 || id.String() != "12345" {
		t.Errorf("round trip failed: %s", id)
	}
	if _, err := ParseID("abc"); err == nil {
		t.Error("Expected error for non-numeric id")
	}
}

func TestLegacyObjectCounter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	if LegacyObjectCounter(now) != 1700000000 {
		t.Errorf("unexpected legacy counter %d", LegacyObjectCounter(now))
	}
}

package lru

import "testing"

func TestCache_PutAndGet(t *testing.T) {
	c := New[string, int](4)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get returned ok for missing key")
	}
}

func TestCache_EvictsOldest(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)

	// Touch a so b becomes the eviction candidate.
	c.Get("a")
	c.Put("c", 3)

	if c.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !c.Contains("a") || !c.Contains("c") {
		t.Error("a and c should still be cached")
	}
}

func TestCache_UpdateDoesNotGrow(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("a", 2)
	c.Put("b", 3)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	v, _ := c.Get("a")
	if v != 2 {
		t.Errorf("a = %d, want 2", v)
	}
}

func TestCache_RemoveAndClear(t *testing.T) {
	c := New[string, int](4)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Remove("a")

	if c.Contains("a") {
		t.Error("a still present after Remove")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
}

func TestCache_Values(t *testing.T) {
	c := New[string, int](4)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Get("a") // most recent

	vals := c.Values()
	if len(vals) != 3 {
		t.Fatalf("Values returned %d entries, want 3", len(vals))
	}
	if vals[0] != 1 {
		t.Errorf("most recent value = %d, want 1", vals[0])
	}
}

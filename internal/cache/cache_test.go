package cache

import "testing"

func byLen(b []byte) int { return len(b) }

func TestGetSet(t *testing.T) {
	c := New[string, []byte](100, byLen)
	c.Set("a", make([]byte, 10))

	got, ok := c.Get("a")
	if !ok || len(got) != 10 {
		t.Fatalf("Get(a) = %d bytes, %v", len(got), ok)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("Get(b) hit on empty key")
	}
	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Weight != 10 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReplaceAdjustsWeight(t *testing.T) {
	c := New[string, []byte](100, byLen)
	c.Set("a", make([]byte, 40))
	c.Set("a", make([]byte, 5))
	if w := c.Stats().Weight; w != 5 {
		t.Errorf("weight = %d, want 5", w)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int, []byte](40, byLen)
	for i := range 4 {
		c.Set(i, make([]byte, 10))
	}
	// Touch 0 so 1 becomes the oldest.
	c.Get(0)
	c.Set(4, make([]byte, 10))

	// 50 > 40: evict down to 30.
	if _, ok := c.Get(1); ok {
		t.Error("entry 1 survived eviction")
	}
	if _, ok := c.Get(2); ok {
		t.Error("entry 2 survived eviction")
	}
	for _, k := range []int{0, 3, 4} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("entry %d evicted", k)
		}
	}
	s := c.Stats()
	if s.Evictions != 2 || s.Weight != 30 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOversizedAndDisabled(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		size  int
	}{
		{"oversized", 10, 11},
		{"disabled", 0, 1},
		{"negative", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New[string, []byte](tt.limit, byLen)
			c.Set("k", make([]byte, tt.size))
			if c.Len() != 0 {
				t.Errorf("Len = %d, want 0", c.Len())
			}
		})
	}
}

func TestDeleteFunc(t *testing.T) {
	c := New[int, int](0x100, nil)
	for i := range 10 {
		c.Set(i, i)
	}
	n := c.DeleteFunc(func(k int) bool { return k%2 == 0 })
	if n != 5 || c.Len() != 5 {
		t.Errorf("removed %d, Len = %d", n, c.Len())
	}
	if !c.Delete(1) || c.Delete(1) {
		t.Error("Delete(1) should succeed once")
	}
	c.Clear()
	if c.Len() != 0 || c.Stats().Weight != 0 {
		t.Error("Clear left entries")
	}
}

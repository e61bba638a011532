package cache

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets TTL tests advance time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(maxSize int, ttl time.Duration) (*QueryCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewQueryCache(maxSize, ttl)
	c.now = clock.Now
	return c, clock
}

func TestNewQueryCache(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		c := NewQueryCache(100, 5*time.Minute)
		if c.maxSize != 100 {
			t.Errorf("maxSize = %d, want 100", c.maxSize)
		}
		if c.ttl != 5*time.Minute {
			t.Errorf("ttl = %v, want 5m", c.ttl)
		}
		if !c.enabled {
			t.Error("cache should be enabled by default")
		}
	})

	t.Run("non-positive maxSize uses default", func(t *testing.T) {
		for _, size := range []int{0, -10} {
			if c := NewQueryCache(size, time.Minute); c.maxSize != 1000 {
				t.Errorf("NewQueryCache(%d).maxSize = %d, want 1000", size, c.maxSize)
			}
		}
	})
}

func TestQueryCache_Key(t *testing.T) {
	c := NewQueryCache(100, time.Minute)

	t.Run("same params same key", func(t *testing.T) {
		k1 := c.Key("points", map[string]any{"contexts": []int64{1, 2}, "anchor": int64(5)})
		k2 := c.Key("points", map[string]any{"anchor": int64(5), "contexts": []int64{1, 2}})
		if k1 != k2 {
			t.Errorf("equal params produced different keys: %d vs %d", k1, k2)
		}
	})

	t.Run("param values affect key", func(t *testing.T) {
		k1 := c.Key("points", map[string]any{"contexts": []int64{1}})
		k2 := c.Key("points", map[string]any{"contexts": []int64{2}})
		if k1 == k2 {
			t.Error("different context filters produced the same key")
		}
	})

	t.Run("nil and missing window differ from a set one", func(t *testing.T) {
		k1 := c.Key("points", map[string]any{"anchor": nil})
		k2 := c.Key("points", map[string]any{"anchor": int64(0)})
		if k1 == k2 {
			t.Error("nil anchor and zero anchor produced the same key")
		}
	})

	t.Run("query name affects key", func(t *testing.T) {
		if c.Key("points", nil) == c.Key("contexts", nil) {
			t.Error("different queries produced the same key")
		}
	})
}

func TestQueryCache_GetPut(t *testing.T) {
	c, _ := newTestCache(10, 0)

	if _, ok := c.Get(1); ok {
		t.Error("empty cache returned a hit")
	}

	c.Put(1, "one")
	v, ok := c.Get(1)
	if !ok || v != "one" {
		t.Errorf("Get(1) = %v, %v; want one, true", v, ok)
	}

	c.Put(1, "uno")
	v, _ = c.Get(1)
	if v != "uno" {
		t.Errorf("updated value = %v, want uno", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestQueryCache_TTL(t *testing.T) {
	t.Run("entry expires after TTL", func(t *testing.T) {
		c, clock := newTestCache(10, time.Minute)
		c.Put(1, "x")
		clock.Advance(59 * time.Second)
		if _, ok := c.Get(1); !ok {
			t.Error("entry expired early")
		}
		clock.Advance(2 * time.Second)
		if _, ok := c.Get(1); ok {
			t.Error("entry should have expired")
		}
		if c.Len() != 0 {
			t.Errorf("expired entry not removed, Len() = %d", c.Len())
		}
	})

	t.Run("zero TTL means no expiration", func(t *testing.T) {
		c, clock := newTestCache(10, 0)
		c.Put(1, "x")
		clock.Advance(24 * time.Hour)
		if _, ok := c.Get(1); !ok {
			t.Error("entry with zero TTL expired")
		}
	})

	t.Run("update refreshes TTL", func(t *testing.T) {
		c, clock := newTestCache(10, time.Minute)
		c.Put(1, "x")
		clock.Advance(50 * time.Second)
		c.Put(1, "y")
		clock.Advance(50 * time.Second)
		if _, ok := c.Get(1); !ok {
			t.Error("refreshed entry expired")
		}
	})
}

func TestQueryCache_LRUEviction(t *testing.T) {
	t.Run("evicts oldest when full", func(t *testing.T) {
		c, _ := newTestCache(2, 0)
		c.Put(1, "a")
		c.Put(2, "b")
		c.Put(3, "c")
		if _, ok := c.Get(1); ok {
			t.Error("oldest entry was not evicted")
		}
		if c.Stats().Evictions != 1 {
			t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
		}
	})

	t.Run("access promotes entry", func(t *testing.T) {
		c, _ := newTestCache(2, 0)
		c.Put(1, "a")
		c.Put(2, "b")
		c.Get(1)
		c.Put(3, "c")
		if _, ok := c.Get(1); !ok {
			t.Error("recently used entry was evicted")
		}
		if _, ok := c.Get(2); ok {
			t.Error("least recently used entry survived")
		}
	})
}

func TestQueryCache_RemoveClear(t *testing.T) {
	c, _ := newTestCache(10, 0)
	c.Put(1, "a")
	c.Put(2, "b")

	c.Remove(1)
	if _, ok := c.Get(1); ok {
		t.Error("removed entry still present")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", c.Len())
	}
	if c.Stats().Clears != 1 {
		t.Errorf("Clears = %d, want 1", c.Stats().Clears)
	}
}

func TestQueryCache_Stats(t *testing.T) {
	c, _ := newTestCache(10, 0)
	if s := c.Stats(); s.HitRate != 0 {
		t.Errorf("HitRate on empty cache = %f, want 0", s.HitRate)
	}

	c.Put(1, "a")
	c.Get(1)
	c.Get(1)
	c.Get(1)
	c.Get(2)

	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 3/1", s.Hits, s.Misses)
	}
	if s.HitRate != 75 {
		t.Errorf("HitRate = %f, want 75", s.HitRate)
	}
	if s.Size != 1 || s.MaxSize != 10 {
		t.Errorf("size = %d/%d, want 1/10", s.Size, s.MaxSize)
	}
}

func TestQueryCache_SetEnabled(t *testing.T) {
	c, _ := newTestCache(10, 0)
	c.Put(1, "a")

	c.SetEnabled(false)
	if c.Len() != 0 {
		t.Error("disabling did not clear the cache")
	}
	c.Put(2, "b")
	if _, ok := c.Get(2); ok {
		t.Error("disabled cache returned a hit")
	}

	c.SetEnabled(true)
	c.Put(3, "c")
	if _, ok := c.Get(3); !ok {
		t.Error("re-enabled cache missed")
	}
}

func TestQueryCache_ConcurrentAccess(t *testing.T) {
	c := NewQueryCache(50, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := uint64((g*500 + i) % 120)
				c.Put(key, i)
				c.Get(key)
				if i%100 == 0 {
					c.Clear()
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("Len() = %d exceeds maxSize 50", c.Len())
	}
}

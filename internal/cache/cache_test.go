package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCache_PutGet(t *testing.T) {
	c := New[string](0)
	c.Put("a", "alpha", time.Minute)

	got, ok := c.Get("a")
	if !ok || got != "alpha" {
		t.Errorf("Get(a) = %q, %v; want alpha, true", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should report absence")
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New[int](0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("k", 42, time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be live before its TTL")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("entry should expire after its TTL")
	}
	// Lazy expiry removed it on read.
	if c.Len() != 0 {
		t.Errorf("Len = %d after expired read, want 0", c.Len())
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New[int](0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("k", 1, 0)
	now = now.Add(1000 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Error("zero-TTL entry should not expire")
	}
}

func TestCache_PutReplaces(t *testing.T) {
	c := New[string](0)
	c.Put("k", "old", time.Minute)
	c.Put("k", "new", time.Minute)
	if got, _ := c.Get("k"); got != "new" {
		t.Errorf("Get(k) = %q, want new", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCache_Delete(t *testing.T) {
	c := New[string](0)
	c.Put("k", "v", time.Minute)
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("deleted entry should be gone")
	}
	// Deleting a missing key is a no-op.
	c.Delete("missing")
}

func TestCache_Sweep(t *testing.T) {
	c := New[int](0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("short", 1, time.Second)
	c.Put("long", 2, time.Hour)
	now = now.Add(time.Minute)

	removed := c.Sweep()
	if removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if _, ok := c.Get("long"); !ok {
		t.Error("live entry should survive the sweep")
	}
}

func TestCache_BoundEnforcedOnPut(t *testing.T) {
	// Small bound so a single shard overflows quickly.
	c := New[int](shardCount * 2)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 0; i < shardCount*8; i++ {
		c.Put(fmt.Sprintf("key-%d", i), i, time.Hour)
		now = now.Add(time.Millisecond)
	}
	// Each shard holds at most maxEntries+0 after its sweep; the total can
	// never exceed one extra entry per shard mid-insert.
	if c.Len() > shardCount*3 {
		t.Errorf("Len = %d, bound not enforced", c.Len())
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d-%d", g, i%10)
				c.Put(key, i, time.Minute)
				c.Get(key)
				if i%50 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
}

package admission

import (
	"testing"
	"time"

	"github.com/pgql/bridge/internal/domain"
)

func TestRateLimiterExhaustAndRefill(t *testing.T) {
	rl := NewRateLimiter(5, 10*time.Second)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	for i := 0; i < 5; i++ {
		if !rl.Allow("app-a") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if rl.Allow("app-a") {
		t.Error("6th call inside the window should be denied")
	}

	// 2s refills one token at 5 per 10s.
	clock = clock.Add(2 * time.Second)
	if !rl.Allow("app-a") {
		t.Error("call after refill should be allowed")
	}
	if rl.Allow("app-a") {
		t.Error("only one token should have refilled")
	}
}

func TestRateLimiterPerScopeIsolation(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	if !rl.Allow("app-a") {
		t.Fatal("first call for app-a should be allowed")
	}
	if rl.Allow("app-a") {
		t.Error("app-a should be exhausted")
	}
	if !rl.Allow("app-b") {
		t.Error("app-b has its own bucket and should be allowed")
	}
}

func TestRateLimiterUpdateLimits(t *testing.T) {
	rl := NewRateLimiter(100, time.Minute)

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		rl.Allow("app-a")
	}

	rl.UpdateLimits(2, time.Minute)

	if rl.Allow("app-a") {
		t.Error("caller already over the tightened budget should be denied")
	}

	gotRate, gotPer := rl.Limits()
	if gotRate != 2 || gotPer != time.Minute {
		t.Errorf("Limits() = %d/%v, want 2/1m", gotRate, gotPer)
	}
}

func TestCacheHitMissClear(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	key := Fingerprint("query_hasura_ce", "app-a", map[string]any{"q": "top customers"})

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache should miss")
	}
	c.Put(key, "result")
	if v, ok := c.Get(key); !ok || v != "result" {
		t.Fatalf("Get after Put = (%v, %v), want (result, true)", v, ok)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", stats.Hits, stats.Misses)
	}

	c.Clear()
	stats = c.Stats()
	if stats.Hits != 0 || stats.Misses != 0 || stats.Entries != 0 {
		t.Errorf("stats after Clear = %+v, want zeroed", stats)
	}
	if _, ok := c.Get(key); ok {
		t.Error("cache should miss after Clear")
	}
}

func TestFingerprintDistinguishesScopeAndParams(t *testing.T) {
	base := Fingerprint("op", "app-a", map[string]any{"q": "x"})

	if Fingerprint("op", "app-b", map[string]any{"q": "x"}) == base {
		t.Error("different scopes must not share cache entries")
	}
	if Fingerprint("op", "app-a", map[string]any{"q": "y"}) == base {
		t.Error("different params must not share cache entries")
	}
	if Fingerprint("op", "app-a", map[string]any{"q": "x"}) != base {
		t.Error("identical requests must share a key")
	}
}

func TestAdmitCacheHitConsumesNoToken(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)
	clock := time.Now()
	rl.now = func() time.Time { return clock }

	cache, _ := NewCache(8)
	ctl := NewController(rl, cache)

	params := map[string]any{"q": "revenue by month"}

	d, err := ctl.Admit("app-a", "query_hasura_ce", params, true)
	if err != nil {
		t.Fatalf("first Admit failed: %v", err)
	}
	if d.Hit {
		t.Fatal("first call should not hit the cache")
	}
	d.Store("answer")

	// Bucket is now empty, but repeats of the same call stay admissible.
	for i := 0; i < 3; i++ {
		d, err := ctl.Admit("app-a", "query_hasura_ce", params, true)
		if err != nil {
			t.Fatalf("cached Admit %d failed: %v", i, err)
		}
		if !d.Hit || d.Value != "answer" {
			t.Fatalf("cached Admit %d = (%v, hit=%v), want cached answer", i, d.Value, d.Hit)
		}
	}

	// A different query has no cache entry and no tokens left.
	_, err = ctl.Admit("app-a", "query_hasura_ce", map[string]any{"q": "other"}, true)
	if domain.KindOf(err) != domain.ErrorKindRateLimited {
		t.Errorf("uncached Admit with empty bucket = %v, want rate limited", err)
	}
}

func TestAdmitNonCacheableNeverStores(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	cache, _ := NewCache(8)
	ctl := NewController(rl, cache)

	d, err := ctl.Admit("app-a", "start_thread", map[string]any{"m": "hi"}, false)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	d.Store("thread result")

	if cache.Stats().Entries != 0 {
		t.Error("non-cacheable operations must not populate the cache")
	}
}

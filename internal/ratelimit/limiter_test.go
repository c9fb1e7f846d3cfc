package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/cache"
	"github.com/giquina/LusoTown-sub006/internal/logging"
)

func newTestLimiter(t *testing.T, cfg *Config) (*Limiter, *cache.MemoryStore) {
	t.Helper()
	store := cache.NewMemoryStore()
	l, err := NewLimiter(cfg, NewStoreCounter(store), logging.NewNoOp())
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return l, store
}

func TestWindowAlignment(t *testing.T) {
	l, _ := newTestLimiter(t, nil)

	// Window starts must land on floor(now/window)*window regardless of
	// when inside the window the call happens.
	base := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, 17 * time.Second, 59*time.Second + 900*time.Millisecond} {
		now := base.Add(offset)
		l.nowFunc = func() time.Time { return now }

		start := l.windowStart(time.Minute)
		if !start.Equal(base) {
			t.Errorf("offset %s: window start = %s, want %s", offset, start, base)
		}
	}

	// The first call of the next window starts a fresh counter.
	l.nowFunc = func() time.Time { return base.Add(time.Minute) }
	start := l.windowStart(time.Minute)
	if !start.Equal(base.Add(time.Minute)) {
		t.Errorf("next window start = %s, want %s", start, base.Add(time.Minute))
	}
}

func TestMonotonicRejection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[TierAnonymous][CategoryGeneral] = Limit{Requests: 5, Window: time.Minute}

	l, _ := newTestLimiter(t, cfg)
	now := time.Date(2026, 8, 28, 12, 0, 10, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	for i, wantRemaining := range []int{4, 3, 2, 1, 0} {
		res, err := l.Check(ctx, "anon:abc", TierAnonymous, CategoryGeneral)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d rejected, want allowed", i+1)
		}
		if res.Remaining != wantRemaining {
			t.Errorf("call %d remaining = %d, want %d", i+1, res.Remaining, wantRemaining)
		}
	}

	res, err := l.Check(ctx, "anon:abc", TierAnonymous, CategoryGeneral)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("6th call allowed, want rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("rejected remaining = %d, want 0 (never negative)", res.Remaining)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("retry after = %s, want positive", res.RetryAfter)
	}
	if !res.ResetTime.Equal(time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC)) {
		t.Errorf("reset time = %s, want window end", res.ResetTime)
	}
}

func TestFreshCounterAfterWindowRollover(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[TierAnonymous][CategoryGeneral] = Limit{Requests: 2, Window: time.Minute}

	l, _ := newTestLimiter(t, cfg)
	now := time.Date(2026, 8, 28, 12, 0, 30, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "anon:abc", TierAnonymous, CategoryGeneral)
	}

	now = now.Add(time.Minute)
	res, err := l.Check(ctx, "anon:abc", TierAnonymous, CategoryGeneral)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed || res.Remaining != 1 {
		t.Errorf("after rollover: allowed=%v remaining=%d, want fresh counter", res.Allowed, res.Remaining)
	}
}

func TestIdentifiersDoNotShareCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[TierAnonymous][CategoryGeneral] = Limit{Requests: 1, Window: time.Minute}

	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	if res, _ := l.Check(ctx, "anon:a", TierAnonymous, CategoryGeneral); !res.Allowed {
		t.Fatal("first caller rejected")
	}
	if res, _ := l.Check(ctx, "anon:b", TierAnonymous, CategoryGeneral); !res.Allowed {
		t.Error("second caller shared the first caller's counter")
	}
}

func TestBypassSkipsLimiting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[TierAnonymous][CategoryGeneral] = Limit{Requests: 1, Window: time.Minute}
	cfg.Bypass = []string{"user:health-checker"}

	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "user:health-checker", TierAnonymous, CategoryGeneral)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed || !res.Bypassed {
			t.Fatalf("call %d: bypassed identity was limited", i+1)
		}
	}
}

func TestTierOrderingAcrossAllCategories(t *testing.T) {
	cfg := DefaultConfig()
	for _, cat := range Categories {
		anon := cfg.Limits[TierAnonymous][cat].Requests
		auth := cfg.Limits[TierAuthenticated][cat].Requests
		priv := cfg.Limits[TierPrivileged][cat].Requests
		if !(priv >= auth && auth >= anon) {
			t.Errorf("%s: privileged=%d authenticated=%d anonymous=%d", cat, priv, auth, anon)
		}
	}
}

func TestValidateRejectsIncompleteTable(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Limits[TierAuthenticated], CategoryStreaming)

	if _, err := NewLimiter(cfg, NewStoreCounter(cache.NewMemoryStore()), logging.NewNoOp()); err == nil {
		t.Fatal("expected boot failure for missing tier/category combination")
	}
}

func TestValidateRejectsInvertedTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits[TierAnonymous][CategoryGeneral] = Limit{Requests: 1000, Window: time.Minute}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected ordering violation when anonymous exceeds privileged")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()
	overlay := []byte(`
limits:
  authenticated:
    messaging:
      requests: 45
      window: 1m
bypass:
  - user:internal-batch
`)
	if err := cfg.ApplyOverrides(overlay); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("merged config invalid: %v", err)
	}

	if got := cfg.Limits[TierAuthenticated][CategoryMessaging].Requests; got != 45 {
		t.Errorf("override not applied, requests = %d", got)
	}
	if !cfg.IsBypassed("user:internal-batch") {
		t.Error("bypass entry not merged")
	}
	// Untouched entries survive the merge.
	if got := cfg.Limits[TierAuthenticated][CategoryGeneral].Requests; got != 200 {
		t.Errorf("unrelated limit changed to %d", got)
	}
}

func TestDeriveIdentifier(t *testing.T) {
	if got := DeriveIdentifier("u-123", "1.2.3.4", "agent"); got != "user:u-123" {
		t.Errorf("authenticated identity = %q", got)
	}

	a := DeriveIdentifier("", "1.2.3.4", "agent-a")
	b := DeriveIdentifier("", "1.2.3.4", "agent-b")
	if a == b {
		t.Error("different user agents should produce different fingerprints")
	}
	if a != DeriveIdentifier("", "1.2.3.4", "agent-a") {
		t.Error("fingerprint not stable")
	}
}

// expireFailingStore counts but can never set expirations.
type expireFailingStore struct {
	*cache.MemoryStore
}

func (s *expireFailingStore) Expire(context.Context, string, time.Duration) error {
	return errors.New("expire unavailable")
}

func TestStoreCounterSurvivesExpireFailure(t *testing.T) {
	c := NewStoreCounter(&expireFailingStore{cache.NewMemoryStore()})
	ctx := context.Background()

	// Counting stays correct even when the expiry cannot be set; the
	// window-aligned keys keep old counters from leaking into new
	// windows.
	for want := int64(1); want <= 3; want++ {
		count, err := c.Increment(ctx, "k", time.Minute)
		if err != nil {
			t.Fatalf("Increment: %v", err)
		}
		if count != want {
			t.Errorf("count = %d, want %d", count, want)
		}
	}
}

package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

func newTestDetector() *Detector {
	cfg := DefaultConfig().Abuse
	return NewDetector(cfg, logging.NewNoOp())
}

func TestNoDetectionBelowThreshold(t *testing.T) {
	d := newTestDetector()

	// Authenticated caller on a general category uses the base
	// threshold of 10.
	for i := 0; i < 9; i++ {
		if det := d.RecordViolation("user:u1", "/api/feed", CategoryGeneral, TierAuthenticated); det != nil {
			t.Fatalf("violation %d classified early: %+v", i+1, det)
		}
	}
}

func TestDetectionAtThreshold(t *testing.T) {
	d := newTestDetector()

	var det *Detection
	for i := 0; i < 10; i++ {
		det = d.RecordViolation("user:u1", "/api/feed", CategoryGeneral, TierAuthenticated)
	}
	if det == nil {
		t.Fatal("no detection at threshold")
	}
	if det.Severity != SeverityLow {
		t.Errorf("severity = %s, want low at 1x threshold", det.Severity)
	}
	if det.Kind != PatternRapidFire {
		t.Errorf("kind = %s, want rapid-fire for a general endpoint", det.Kind)
	}
	if det.ID == "" {
		t.Error("detection missing id")
	}
}

func TestSeverityEscalation(t *testing.T) {
	cases := []struct {
		violations int
		threshold  int
		want       Severity
	}{
		{10, 10, SeverityLow},
		{14, 10, SeverityLow},
		{15, 10, SeverityMedium},
		{20, 10, SeverityHigh},
		{29, 10, SeverityHigh},
		{30, 10, SeverityCritical},
		{100, 10, SeverityCritical},
	}
	for _, c := range cases {
		if got := severityFor(c.violations, c.threshold); got != c.want {
			t.Errorf("severityFor(%d, %d) = %s, want %s", c.violations, c.threshold, got, c.want)
		}
	}
}

func TestPatternClassificationByCategory(t *testing.T) {
	cases := map[Category]PatternKind{
		CategoryAuthentication:    PatternCredentialStuffing,
		CategoryBusinessDirectory: PatternScraping,
		CategoryContent:           PatternScraping,
		CategoryMessaging:         PatternSpam,
		CategoryGeneral:           PatternRapidFire,
		CategoryTransport:         PatternRapidFire,
	}
	for cat, want := range cases {
		if got := classify(cat); got != want {
			t.Errorf("classify(%s) = %s, want %s", cat, got, want)
		}
	}
}

func TestAnonymousThresholdIsStricter(t *testing.T) {
	d := newTestDetector()

	anon := d.thresholdFor(TierAnonymous, CategoryGeneral, false)
	auth := d.thresholdFor(TierAuthenticated, CategoryGeneral, false)
	if anon >= auth {
		t.Errorf("anonymous threshold %d should be below authenticated %d", anon, auth)
	}
}

func TestSensitiveCategoryThresholdIsStricter(t *testing.T) {
	d := newTestDetector()

	sensitive := d.thresholdFor(TierAuthenticated, CategoryAuthentication, false)
	general := d.thresholdFor(TierAuthenticated, CategoryGeneral, false)
	if sensitive >= general {
		t.Errorf("auth-category threshold %d should be below general %d", sensitive, general)
	}
}

func TestWarnedIdentifierThresholdTightens(t *testing.T) {
	d := newTestDetector()

	before := d.thresholdFor(TierAuthenticated, CategoryGeneral, false)

	// Push one endpoint past threshold so the identifier gets warned
	// standing.
	for i := 0; i < before; i++ {
		d.RecordViolation("user:u1", "/api/feed", CategoryGeneral, TierAuthenticated)
	}

	d.mu.Lock()
	warned := d.warned["user:u1"]
	d.mu.Unlock()
	if !warned {
		t.Fatal("identifier not flagged after detection")
	}

	after := d.thresholdFor(TierAuthenticated, CategoryGeneral, true)
	if after >= before {
		t.Errorf("warned threshold %d should be below %d", after, before)
	}
}

func TestThresholdFloor(t *testing.T) {
	d := newTestDetector()

	// Stacked factors (anonymous, warned, sensitive) never push the
	// threshold below 2: one rejection alone must not classify.
	if got := d.thresholdFor(TierAnonymous, CategoryAuthentication, true); got < 2 {
		t.Errorf("threshold = %d, want >= 2", got)
	}
}

func TestViolationWindowResetsStalePatterns(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	now := base
	d.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		d.RecordViolation("user:u1", "/api/feed", CategoryGeneral, TierAuthenticated)
	}

	// Past the trailing window the count restarts; old violations no
	// longer contribute.
	now = base.Add(d.config.ViolationWindow + time.Minute)
	d.RecordViolation("user:u1", "/api/feed", CategoryGeneral, TierAuthenticated)

	d.mu.Lock()
	p := d.patterns["user:u1|/api/feed"]
	d.mu.Unlock()
	if p.Violations != 1 {
		t.Errorf("violations = %d, want 1 after window reset", p.Violations)
	}
}

func TestGarbageCollectionDropsInactivePatterns(t *testing.T) {
	d := newTestDetector()
	base := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	now := base
	d.nowFunc = func() time.Time { return now }
	d.lastGC = base

	for i := 0; i < 3; i++ {
		d.RecordViolation(fmt.Sprintf("user:u%d", i), "/api/feed", CategoryGeneral, TierAuthenticated)
	}

	now = base.Add(d.config.RetentionPeriod + time.Hour)
	d.RecordViolation("user:fresh", "/api/feed", CategoryGeneral, TierAuthenticated)

	d.mu.Lock()
	remaining := len(d.patterns)
	d.mu.Unlock()
	if remaining != 1 {
		t.Errorf("patterns after GC = %d, want only the fresh one", remaining)
	}
}

func TestActivePatternsOnlyReturnsClassified(t *testing.T) {
	d := newTestDetector()

	d.RecordViolation("user:quiet", "/api/feed", CategoryGeneral, TierAuthenticated)
	for i := 0; i < 10; i++ {
		d.RecordViolation("user:noisy", "/api/feed", CategoryGeneral, TierAuthenticated)
	}

	patterns := d.ActivePatterns()
	if len(patterns) != 1 {
		t.Fatalf("active patterns = %d, want 1", len(patterns))
	}
	if patterns[0].Identifier != "user:noisy" {
		t.Errorf("wrong pattern surfaced: %s", patterns[0].Identifier)
	}
}

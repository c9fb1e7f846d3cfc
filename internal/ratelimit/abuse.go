package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

// PatternKind classifies the shape of an abusive request stream.
type PatternKind string

const (
	PatternRapidFire          PatternKind = "rapid-fire"
	PatternCredentialStuffing PatternKind = "credential-stuffing"
	PatternScraping           PatternKind = "scraping"
	PatternSpam               PatternKind = "spam"
)

// Severity grades a detected pattern.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Pattern is the tracked violation state for one (identifier,
// endpoint) pair.
type Pattern struct {
	Identifier    string      `json:"identifier"`
	Endpoint      string      `json:"endpoint"`
	Category      Category    `json:"category"`
	Tier          Tier        `json:"tier"`
	Violations    int         `json:"violations"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastViolation time.Time   `json:"last_violation"`
	Kind          PatternKind `json:"kind,omitempty"`
	Severity      Severity    `json:"severity,omitempty"`
}

// Detection is emitted when a pattern crosses its threshold.
type Detection struct {
	ID         string      `json:"id"`
	Identifier string      `json:"identifier"`
	Endpoint   string      `json:"endpoint"`
	Kind       PatternKind `json:"kind"`
	Severity   Severity    `json:"severity"`
	Violations int         `json:"violations"`
	Threshold  int         `json:"threshold"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Detector tracks rate-limit violations and classifies abusive
// patterns. Detection is advisory: it logs security events and feeds
// the monitoring dashboard, it never blocks anything itself.
type Detector struct {
	config AbuseConfig
	logger logging.Logger

	mu       sync.Mutex
	patterns map[string]*Pattern
	// warned holds identifiers with a prior detection; their thresholds
	// tighten.
	warned  map[string]bool
	nowFunc func() time.Time

	detections int64
	lastGC     time.Time
}

// NewDetector creates an abuse detector with the given tuning.
func NewDetector(config AbuseConfig, logger logging.Logger) *Detector {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Detector{
		config:   config,
		logger:   logger.WithComponent("abuse"),
		patterns: make(map[string]*Pattern),
		warned:   make(map[string]bool),
		nowFunc:  time.Now,
		lastGC:   time.Now(),
	}
}

// RecordViolation registers one rate-limit rejection. It returns a
// Detection when the pattern's violation count crosses its threshold,
// nil otherwise. Plain rejections below threshold are not detections.
func (d *Detector) RecordViolation(identifier, endpoint string, category Category, tier Tier) *Detection {
	now := d.nowFunc()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeGC(now)

	key := identifier + "|" + endpoint
	p, ok := d.patterns[key]
	if !ok || now.Sub(p.LastViolation) > d.config.ViolationWindow {
		// A stale pattern restarts; violations outside the trailing
		// window no longer count toward classification.
		p = &Pattern{
			Identifier: identifier,
			Endpoint:   endpoint,
			Category:   category,
			Tier:       tier,
			FirstSeen:  now,
		}
		d.patterns[key] = p
	}
	p.Violations++
	p.LastViolation = now

	threshold := d.thresholdFor(tier, category, d.warned[identifier])
	if p.Violations < threshold {
		return nil
	}

	severity := severityFor(p.Violations, threshold)
	kind := classify(category)

	// Only log when the classification output changes, not on every
	// violation past threshold.
	if p.Kind == kind && p.Severity == severity {
		return nil
	}
	p.Kind = kind
	p.Severity = severity
	d.warned[identifier] = true
	d.detections++

	det := &Detection{
		ID:         uuid.New().String(),
		Identifier: identifier,
		Endpoint:   endpoint,
		Kind:       kind,
		Severity:   severity,
		Violations: p.Violations,
		Threshold:  threshold,
		DetectedAt: now,
	}

	// Security events are a distinct stream from ordinary rejections.
	d.logger.Warn("Abuse pattern detected",
		"event", "security",
		"detection_id", det.ID,
		"identifier", identifier,
		"endpoint", endpoint,
		"pattern", string(kind),
		"severity", string(severity),
		"violations", p.Violations,
		"threshold", threshold)

	return det
}

// thresholdFor tightens the base threshold for anonymous callers,
// previously warned identifiers, and security-sensitive categories.
// Factors stack, with a floor of 2 so a single rejection never
// classifies.
func (d *Detector) thresholdFor(tier Tier, category Category, warned bool) int {
	t := float64(d.config.BaseThreshold)
	if tier == TierAnonymous {
		t *= d.config.AnonymousFactor
	}
	if warned {
		t *= d.config.WarnedFactor
	}
	if SensitiveCategories[category] {
		t *= d.config.SensitiveFactor
	}
	if t < 2 {
		t = 2
	}
	return int(t)
}

// severityFor escalates at multiples of the threshold: 1x low, 1.5x
// medium, 2x high, 3x critical.
func severityFor(violations, threshold int) Severity {
	ratio := float64(violations) / float64(threshold)
	switch {
	case ratio >= 3:
		return SeverityCritical
	case ratio >= 2:
		return SeverityHigh
	case ratio >= 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// classify maps the endpoint category to the pattern shape.
func classify(category Category) PatternKind {
	switch category {
	case CategoryAuthentication:
		return PatternCredentialStuffing
	case CategoryBusinessDirectory, CategoryContent:
		return PatternScraping
	case CategoryMessaging:
		return PatternSpam
	default:
		return PatternRapidFire
	}
}

// ActivePatterns returns a snapshot of classified patterns for the
// monitoring dashboard.
func (d *Detector) ActivePatterns() []Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		if p.Kind != "" {
			out = append(out, *p)
		}
	}
	return out
}

// TotalDetections returns the count of detections since start.
func (d *Detector) TotalDetections() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detections
}

// maybeGC drops patterns inactive past the retention period. Ran
// opportunistically from RecordViolation under the lock; full scans
// happen at most once per retention period fraction.
func (d *Detector) maybeGC(now time.Time) {
	if now.Sub(d.lastGC) < time.Hour {
		return
	}
	d.lastGC = now

	for key, p := range d.patterns {
		if now.Sub(p.LastViolation) > d.config.RetentionPeriod {
			delete(d.patterns, key)
		}
	}
}

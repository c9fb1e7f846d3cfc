// Package ratelimit provides tiered fixed-window rate limiting for the
// community API, with abuse pattern detection on top of the rejection
// stream.
package ratelimit

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier classifies the caller by credential standing.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPrivileged    Tier = "privileged"
)

// Tiers lists every tier in ascending trust order.
var Tiers = []Tier{TierAnonymous, TierAuthenticated, TierPrivileged}

// Category groups endpoints sharing a limit budget.
type Category string

const (
	CategoryBusinessDirectory Category = "business-directory"
	CategoryMessaging         Category = "messaging"
	CategoryEventBooking      Category = "event-booking"
	CategoryAuthentication    Category = "authentication"
	CategoryMatching          Category = "matching"
	CategoryTransport         Category = "transport"
	CategoryAdmin             Category = "admin"
	CategoryGeneral           Category = "general"
	CategoryStreaming         Category = "streaming"
	CategoryContent           Category = "content"
)

// Categories lists every rate-limit category. Validation requires a
// limit for each one per tier.
var Categories = []Category{
	CategoryBusinessDirectory,
	CategoryMessaging,
	CategoryEventBooking,
	CategoryAuthentication,
	CategoryMatching,
	CategoryTransport,
	CategoryAdmin,
	CategoryGeneral,
	CategoryStreaming,
	CategoryContent,
}

// SensitiveCategories get stricter abuse thresholds than browsing
// categories.
var SensitiveCategories = map[Category]bool{
	CategoryAuthentication: true,
	CategoryMessaging:      true,
	CategoryAdmin:          true,
}

// Limit is a request budget over a fixed window.
type Limit struct {
	Requests int           `yaml:"requests" json:"requests"`
	Window   time.Duration `yaml:"window" json:"window"`
}

// Config holds the full tier-by-category limit tables plus bypass and
// abuse tuning. Tables are exhaustive maps validated at startup so a
// missing combination fails at boot, not at request time.
type Config struct {
	Limits map[Tier]map[Category]Limit `yaml:"limits" json:"limits"`

	// Bypass identities skip limiting entirely regardless of tier.
	Bypass []string `yaml:"bypass" json:"bypass"`

	Abuse AbuseConfig `yaml:"abuse" json:"abuse"`
}

// AbuseConfig tunes abuse detection. The thresholds are heuristic
// starting points, exposed as configuration rather than constants.
type AbuseConfig struct {
	// BaseThreshold is the violation count that triggers classification
	// for an authenticated caller on a general category.
	BaseThreshold int `yaml:"base_threshold" json:"base_threshold"`

	// Multipliers below 1 tighten the threshold.
	AnonymousFactor float64 `yaml:"anonymous_factor" json:"anonymous_factor"`
	WarnedFactor    float64 `yaml:"warned_factor" json:"warned_factor"`
	SensitiveFactor float64 `yaml:"sensitive_factor" json:"sensitive_factor"`

	// ViolationWindow is the trailing window violations are counted in.
	ViolationWindow time.Duration `yaml:"violation_window" json:"violation_window"`

	// RetentionPeriod is how long an inactive pattern is kept before
	// garbage collection.
	RetentionPeriod time.Duration `yaml:"retention_period" json:"retention_period"`
}

// DefaultConfig returns the standard limit tables. Budgets are per
// minute and ordered privileged >= authenticated >= anonymous in every
// category.
func DefaultConfig() *Config {
	minute := time.Minute
	return &Config{
		Limits: map[Tier]map[Category]Limit{
			TierAnonymous: {
				CategoryBusinessDirectory: {Requests: 30, Window: minute},
				CategoryMessaging:         {Requests: 5, Window: minute},
				CategoryEventBooking:      {Requests: 10, Window: minute},
				CategoryAuthentication:    {Requests: 5, Window: minute},
				CategoryMatching:          {Requests: 10, Window: minute},
				CategoryTransport:         {Requests: 15, Window: minute},
				CategoryAdmin:             {Requests: 2, Window: minute},
				CategoryGeneral:           {Requests: 60, Window: minute},
				CategoryStreaming:         {Requests: 20, Window: minute},
				CategoryContent:           {Requests: 40, Window: minute},
			},
			TierAuthenticated: {
				CategoryBusinessDirectory: {Requests: 100, Window: minute},
				CategoryMessaging:         {Requests: 30, Window: minute},
				CategoryEventBooking:      {Requests: 40, Window: minute},
				CategoryAuthentication:    {Requests: 10, Window: minute},
				CategoryMatching:          {Requests: 50, Window: minute},
				CategoryTransport:         {Requests: 60, Window: minute},
				CategoryAdmin:             {Requests: 20, Window: minute},
				CategoryGeneral:           {Requests: 200, Window: minute},
				CategoryStreaming:         {Requests: 80, Window: minute},
				CategoryContent:           {Requests: 120, Window: minute},
			},
			TierPrivileged: {
				CategoryBusinessDirectory: {Requests: 300, Window: minute},
				CategoryMessaging:         {Requests: 100, Window: minute},
				CategoryEventBooking:      {Requests: 120, Window: minute},
				CategoryAuthentication:    {Requests: 30, Window: minute},
				CategoryMatching:          {Requests: 150, Window: minute},
				CategoryTransport:         {Requests: 180, Window: minute},
				CategoryAdmin:             {Requests: 100, Window: minute},
				CategoryGeneral:           {Requests: 600, Window: minute},
				CategoryStreaming:         {Requests: 240, Window: minute},
				CategoryContent:           {Requests: 360, Window: minute},
			},
		},
		Abuse: AbuseConfig{
			BaseThreshold:   10,
			AnonymousFactor: 0.5,
			WarnedFactor:    0.5,
			SensitiveFactor: 0.6,
			ViolationWindow: 10 * time.Minute,
			RetentionPeriod: 24 * time.Hour,
		},
	}
}

// Validate checks the limit tables for completeness and tier ordering.
func (c *Config) Validate() error {
	for _, tier := range Tiers {
		table, ok := c.Limits[tier]
		if !ok {
			return fmt.Errorf("rate limit table missing tier %q", tier)
		}
		for _, cat := range Categories {
			limit, ok := table[cat]
			if !ok {
				return fmt.Errorf("rate limit table missing %s/%s", tier, cat)
			}
			if limit.Requests <= 0 {
				return fmt.Errorf("rate limit %s/%s: requests must be positive, got %d", tier, cat, limit.Requests)
			}
			if limit.Window <= 0 {
				return fmt.Errorf("rate limit %s/%s: window must be positive, got %s", tier, cat, limit.Window)
			}
		}
	}

	// Every category must grant at least as much to higher tiers.
	for _, cat := range Categories {
		anon := c.Limits[TierAnonymous][cat].Requests
		auth := c.Limits[TierAuthenticated][cat].Requests
		priv := c.Limits[TierPrivileged][cat].Requests
		if !(priv >= auth && auth >= anon) {
			return fmt.Errorf("rate limit ordering violated for %s: privileged=%d authenticated=%d anonymous=%d", cat, priv, auth, anon)
		}
	}

	a := c.Abuse
	if a.BaseThreshold <= 0 {
		return fmt.Errorf("abuse base threshold must be positive, got %d", a.BaseThreshold)
	}
	for name, f := range map[string]float64{
		"anonymous_factor": a.AnonymousFactor,
		"warned_factor":    a.WarnedFactor,
		"sensitive_factor": a.SensitiveFactor,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("abuse %s must be in (0, 1], got %v", name, f)
		}
	}
	if a.ViolationWindow <= 0 || a.RetentionPeriod <= 0 {
		return fmt.Errorf("abuse windows must be positive")
	}

	return nil
}

// LimitFor returns the budget for a tier/category pair. Validate
// guarantees the lookup succeeds for known tiers and categories;
// unknown inputs fall back to the anonymous general budget.
func (c *Config) LimitFor(tier Tier, category Category) Limit {
	if table, ok := c.Limits[tier]; ok {
		if limit, ok := table[category]; ok {
			return limit
		}
	}
	return c.Limits[TierAnonymous][CategoryGeneral]
}

// IsBypassed reports whether an identity skips limiting.
func (c *Config) IsBypassed(identifier string) bool {
	for _, id := range c.Bypass {
		if id == identifier {
			return true
		}
	}
	return false
}

// ApplyOverrides merges a YAML overlay onto the config. Only fields
// present in the overlay change; the merged config is re-validated by
// the caller.
func (c *Config) ApplyOverrides(data []byte) error {
	var overlay struct {
		Limits map[Tier]map[Category]Limit `yaml:"limits"`
		Bypass []string                    `yaml:"bypass"`
		Abuse  *AbuseConfig                `yaml:"abuse"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse rate limit overrides: %w", err)
	}

	for tier, table := range overlay.Limits {
		if c.Limits[tier] == nil {
			c.Limits[tier] = make(map[Category]Limit)
		}
		for cat, limit := range table {
			c.Limits[tier][cat] = limit
		}
	}
	if len(overlay.Bypass) > 0 {
		c.Bypass = append(c.Bypass, overlay.Bypass...)
	}
	if overlay.Abuse != nil {
		c.Abuse = *overlay.Abuse
	}

	return nil
}

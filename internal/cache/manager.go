package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

// ContentConfig defines per-content-type caching behavior. Static,
// loaded at startup, immutable at runtime.
type ContentConfig struct {
	TTL time.Duration `json:"ttl"`
	// RefreshThreshold is the fraction of TTL remaining below which a
	// background refresh is scheduled on a hit.
	RefreshThreshold float64  `json:"refresh_threshold"`
	Compression      bool     `json:"compression"`
	Tags             []string `json:"tags"`
}

// DefaultContentConfigs returns the per-content-type cache policies for
// community content.
func DefaultContentConfigs() map[string]ContentConfig {
	return map[string]ContentConfig{
		"events": {
			TTL:              5 * time.Minute,
			RefreshThreshold: 0.2,
			Compression:      false,
			Tags:             []string{"events", "cultural"},
		},
		"businesses": {
			TTL:              10 * time.Minute,
			RefreshThreshold: 0.2,
			Compression:      true,
			Tags:             []string{"businesses", "directory"},
		},
		"geolocation": {
			TTL:              15 * time.Minute,
			RefreshThreshold: 0.25,
			Compression:      true,
			Tags:             []string{"businesses", "geolocation"},
		},
		"matches": {
			TTL:              30 * time.Minute,
			RefreshThreshold: 0.25,
			Compression:      false,
			Tags:             []string{"matches", "cultural"},
		},
		"profiles": {
			TTL:              20 * time.Minute,
			RefreshThreshold: 0.2,
			Compression:      false,
			Tags:             []string{"profiles"},
		},
		"api": {
			TTL:              time.Minute,
			RefreshThreshold: 0.2,
			Compression:      false,
			Tags:             []string{"api"},
		},
		"general": {
			TTL:              5 * time.Minute,
			RefreshThreshold: 0.2,
			Compression:      false,
			Tags:             []string{"general"},
		},
	}
}

// Metrics is a snapshot of cache manager activity.
type Metrics struct {
	Hits                  int64   `json:"hits"`
	Misses                int64   `json:"misses"`
	HitRatio              float64 `json:"hit_ratio"`
	Errors                int64   `json:"errors"`
	Sets                  int64   `json:"sets"`
	Deletes               int64   `json:"deletes"`
	Invalidations         int64   `json:"invalidations"`
	RefreshesScheduled    int64   `json:"refreshes_scheduled"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	Degraded              bool    `json:"degraded"`
}

// Refresher regenerates a value for a near-expiry key. Registered per
// content type; invoked fire-and-forget.
type Refresher func(ctx context.Context, key string) (interface{}, error)

const (
	keyPrefix = "cache:"
	tagPrefix = "cache:tag:"

	// Tag sets expire after this horizon so an invalidation that never
	// runs cannot grow them unbounded.
	tagSetTTL = time.Hour

	// Per-operation ceiling against the backing store; beyond this the
	// operation degrades to a miss/no-op.
	opTimeout = 500 * time.Millisecond

	maxBackoff = 30 * time.Second
)

// Manager fronts the backing store with content-type policies, tag
// invalidation, and graceful degradation. A degraded manager answers
// every get with a miss and every set/delete with false.
type Manager struct {
	store      Store
	configs    map[string]ContentConfig
	logger     logging.Logger
	refreshers map[string]Refresher

	mu            sync.Mutex
	hits          int64
	misses        int64
	errors        int64
	sets          int64
	deletes       int64
	invalidations int64
	refreshes     int64
	totalOpTime   time.Duration
	totalOps      int64
	failureCount  int
	degradedUntil time.Time
	refreshing    map[string]struct{}
}

// NewManager creates a cache manager over the given store.
func NewManager(store Store, configs map[string]ContentConfig, logger logging.Logger) *Manager {
	if configs == nil {
		configs = DefaultContentConfigs()
	}
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Manager{
		store:      store,
		configs:    configs,
		logger:     logger.WithComponent("cache"),
		refreshers: make(map[string]Refresher),
		refreshing: make(map[string]struct{}),
	}
}

// RegisterRefresher installs the background refresh function for a
// content type.
func (m *Manager) RegisterRefresher(contentType string, fn Refresher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshers[contentType] = fn
}

// Get returns the cached raw JSON value for key, or nil on miss. A
// degraded or failing backend is always reported as a miss, never an
// error.
func (m *Manager) Get(ctx context.Context, key, contentType string) []byte {
	if !m.available() {
		m.recordMiss()
		return nil
	}

	cfg := m.configFor(contentType)
	fullKey := m.buildKey(key, contentType)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	start := time.Now()
	raw, found, err := m.store.Get(opCtx, fullKey)
	m.recordOp(time.Since(start))

	if err != nil {
		m.markFailure(err)
		m.recordMiss()
		return nil
	}
	m.markSuccess()

	if !found {
		m.recordMiss()
		return nil
	}
	m.recordHit()

	value, err := decodePayload(raw)
	if err != nil {
		m.logger.Warn("Discarding undecodable cache entry", "key", fullKey, "error", err.Error())
		_, _ = m.store.Del(opCtx, fullKey)
		return nil
	}

	m.maybeScheduleRefresh(ctx, key, contentType, fullKey, cfg)

	return value
}

// GetJSON unmarshals a cached value into dest, reporting whether a hit
// occurred.
func (m *Manager) GetJSON(ctx context.Context, key, contentType string, dest interface{}) bool {
	raw := m.Get(ctx, key, contentType)
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		m.logger.Warn("Cached value failed to unmarshal", "key", key, "error", err.Error())
		return false
	}
	return true
}

// Set stores value under the content type's policy, registering its
// key into each of the type's tag sets. Returns false when the backend
// is unavailable.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, contentType string, customTTL ...time.Duration) bool {
	if !m.available() {
		return false
	}

	cfg := m.configFor(contentType)
	ttl := cfg.TTL
	if len(customTTL) > 0 && customTTL[0] > 0 {
		ttl = customTTL[0]
	}

	payload, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("Failed to marshal cache value", "key", key, "error", err.Error())
		return false
	}

	encoded, err := encodePayload(payload, cfg.Compression)
	if err != nil {
		m.logger.Warn("Failed to encode cache value", "key", key, "error", err.Error())
		return false
	}

	fullKey := m.buildKey(key, contentType)

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	start := time.Now()
	err = m.store.SetEX(opCtx, fullKey, encoded, ttl)
	m.recordOp(time.Since(start))
	if err != nil {
		m.markFailure(err)
		return false
	}
	m.markSuccess()

	// Register the key into each tag set so bulk invalidation can find
	// it later. Tag sets carry their own bounded expiry.
	for _, tag := range cfg.Tags {
		tagKey := tagPrefix + tag
		if err := m.store.SAdd(opCtx, tagKey, fullKey); err != nil {
			m.logger.Warn("Failed to register cache tag", "tag", tag, "error", err.Error())
			continue
		}
		_ = m.store.Expire(opCtx, tagKey, tagSetTTL)
	}

	m.mu.Lock()
	m.sets++
	m.mu.Unlock()

	return true
}

// Delete removes a key. Returns false when nothing was deleted or the
// backend is unavailable.
func (m *Manager) Delete(ctx context.Context, key, contentType string) bool {
	if !m.available() {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := m.store.Del(opCtx, m.buildKey(key, contentType))
	if err != nil {
		m.markFailure(err)
		return false
	}
	m.markSuccess()

	m.mu.Lock()
	m.deletes++
	m.mu.Unlock()

	return deleted > 0
}

// InvalidateByTags deletes every key registered under each tag, then
// the tag sets themselves. Returns the total number of cache keys
// removed.
func (m *Manager) InvalidateByTags(ctx context.Context, tags []string) int {
	if !m.available() || len(tags) == 0 {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*opTimeout)
	defer cancel()

	var total int64
	succeeded := false
	for _, tag := range tags {
		tagKey := tagPrefix + tag

		members, err := m.store.SMembers(opCtx, tagKey)
		if err != nil {
			m.markFailure(err)
			continue
		}

		if len(members) > 0 {
			deleted, err := m.store.Del(opCtx, members...)
			if err != nil {
				m.markFailure(err)
				continue
			}
			total += deleted
		}

		_, _ = m.store.Del(opCtx, tagKey)
		succeeded = true
	}
	// A wholly failed pass must not reset the degradation backoff the
	// failures above just established.
	if succeeded {
		m.markSuccess()
	}

	m.mu.Lock()
	m.invalidations += total
	m.mu.Unlock()

	m.logger.Info("Cache invalidated by tags", "tags", fmt.Sprintf("%v", tags), "deleted", total)

	return int(total)
}

// GetMetrics returns a snapshot of cache activity.
func (m *Manager) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ratio float64
	if lookups := m.hits + m.misses; lookups > 0 {
		ratio = float64(m.hits) / float64(lookups)
	}
	var avgMs float64
	if m.totalOps > 0 {
		avgMs = float64(m.totalOpTime.Microseconds()) / 1000.0 / float64(m.totalOps)
	}

	return Metrics{
		Hits:                  m.hits,
		Misses:                m.misses,
		HitRatio:              ratio,
		Errors:                m.errors,
		Sets:                  m.sets,
		Deletes:               m.deletes,
		Invalidations:         m.invalidations,
		RefreshesScheduled:    m.refreshes,
		AverageResponseTimeMs: avgMs,
		Degraded:              !m.degradedUntil.IsZero() && time.Now().Before(m.degradedUntil),
	}
}

// Close releases the backing store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// buildKey namespaces the caller key by content type to avoid
// cross-feature collisions.
func (m *Manager) buildKey(key, contentType string) string {
	if contentType == "" {
		contentType = "general"
	}
	return keyPrefix + contentType + ":" + key
}

func (m *Manager) configFor(contentType string) ContentConfig {
	if cfg, ok := m.configs[contentType]; ok {
		return cfg
	}
	return m.configs["general"]
}

// maybeScheduleRefresh fires a background refresh when the remaining
// TTL fraction is below the content type's threshold. Advisory only;
// never blocks the caller.
func (m *Manager) maybeScheduleRefresh(ctx context.Context, key, contentType, fullKey string, cfg ContentConfig) {
	if cfg.RefreshThreshold <= 0 || cfg.TTL <= 0 {
		return
	}

	m.mu.Lock()
	refresher, ok := m.refreshers[contentType]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, inFlight := m.refreshing[fullKey]; inFlight {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	remaining, err := m.store.TTL(opCtx, fullKey)
	cancel()
	if err != nil || remaining <= 0 {
		return
	}

	if float64(remaining)/float64(cfg.TTL) >= cfg.RefreshThreshold {
		return
	}

	m.mu.Lock()
	m.refreshing[fullKey] = struct{}{}
	m.refreshes++
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.refreshing, fullKey)
			m.mu.Unlock()
		}()

		refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		value, err := refresher(refreshCtx, key)
		if err != nil {
			m.logger.Debug("Background cache refresh failed", "key", key, "error", err.Error())
			return
		}
		m.Set(refreshCtx, key, value, contentType)
	}()
}

// Degradation tracking. Failures push the manager into a degraded
// window with exponential backoff; a later success restores it.

func (m *Manager) available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degradedUntil.IsZero() || time.Now().After(m.degradedUntil)
}

func (m *Manager) markFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errors++
	m.failureCount++

	backoff := 500 * time.Millisecond << uint(min(m.failureCount-1, 6))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	m.degradedUntil = time.Now().Add(backoff)

	m.logger.Warn("Cache backend unavailable, degrading to miss",
		"error", err.Error(),
		"failure_count", m.failureCount,
		"retry_in", backoff.String())
}

func (m *Manager) markSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failureCount > 0 {
		m.logger.Info("Cache backend recovered", "failures", m.failureCount)
	}
	m.failureCount = 0
	m.degradedUntil = time.Time{}
}

func (m *Manager) recordHit() {
	m.mu.Lock()
	m.hits++
	m.mu.Unlock()
}

func (m *Manager) recordMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func (m *Manager) recordOp(d time.Duration) {
	m.mu.Lock()
	m.totalOps++
	m.totalOpTime += d
	m.mu.Unlock()
}

// Payload encoding. Compressed payloads carry a marker prefix so reads
// do not depend on per-type configuration.

const gzipMarker = "gz:"

func encodePayload(payload []byte, compress bool) (string, error) {
	if !compress || len(payload) < 512 {
		return string(payload), nil
	}

	var buf bytes.Buffer
	buf.WriteString(gzipMarker)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodePayload(raw string) ([]byte, error) {
	if len(raw) < len(gzipMarker) || raw[:len(gzipMarker)] != gzipMarker {
		return []byte(raw), nil
	}

	zr, err := gzip.NewReader(bytes.NewReader([]byte(raw[len(gzipMarker):])))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

func newBarePool(cfg *Config) *Pool {
	return &Pool{
		config:  cfg,
		logger:  logging.NewNoOp(),
		perType: make(map[QueryType]int64),
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.GreaterOrEqual(t, cfg.MaxConnections, cfg.MinConnections)
	assert.Positive(t, cfg.ConnectionTimeout)
	assert.Positive(t, cfg.StatementTimeout)
	assert.Positive(t, cfg.SlowQueryThreshold)
	assert.Positive(t, cfg.HealthCheckInterval)
}

func TestAnnotateAddsPlannerHints(t *testing.T) {
	p := newBarePool(DefaultConfig())
	query := "SELECT * FROM portuguese_cultural_events"

	for _, qt := range []QueryType{QueryTypeCultural, QueryTypeBusiness, QueryTypeGeolocation, QueryTypeMatching} {
		annotated := p.annotate(query, qt)
		assert.Contains(t, annotated, query, "original query must survive annotation")
		assert.Contains(t, annotated, "/*+", "query type %s should carry a planner hint", qt)
	}

	// General queries pass through untouched.
	assert.Equal(t, query, p.annotate(query, QueryTypeGeneral))
}

func TestRecordQueryAccounting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowQueryThreshold = 100 * time.Millisecond
	p := newBarePool(cfg)

	p.recordQuery(QueryTypeCultural, 50*time.Millisecond, false)
	p.recordQuery(QueryTypeCultural, 250*time.Millisecond, false) // slow
	p.recordQuery(QueryTypeBusiness, 30*time.Millisecond, true)   // failed
	p.recordQuery(QueryTypeGeolocation, 10*time.Millisecond, false)

	p.mu.Lock()
	defer p.mu.Unlock()

	assert.Equal(t, int64(4), p.totalQueries)
	assert.Equal(t, int64(1), p.slowQueries)
	assert.Equal(t, int64(1), p.errors)
	assert.Equal(t, int64(2), p.perType[QueryTypeCultural])
	assert.Equal(t, int64(1), p.perType[QueryTypeBusiness])
	assert.Equal(t, int64(1), p.perType[QueryTypeGeolocation])
	assert.Equal(t, 340*time.Millisecond, p.totalQueryTime)
}

func TestSlowFailedQueryCountsBoth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowQueryThreshold = 100 * time.Millisecond
	p := newBarePool(cfg)

	p.recordQuery(QueryTypeGeneral, 500*time.Millisecond, true)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, int64(1), p.slowQueries)
	assert.Equal(t, int64(1), p.errors)
}

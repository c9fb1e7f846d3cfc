// Package pool provides managed datastore connection pooling with
// query-type-aware execution and metrics for the community platform.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/giquina/LusoTown-sub006/internal/logging"
)

// QueryType tags a query with the content domain it serves. The tag
// drives planner annotations and per-type metrics.
type QueryType string

const (
	QueryTypeCultural    QueryType = "cultural"
	QueryTypeBusiness    QueryType = "business"
	QueryTypeGeolocation QueryType = "geolocation"
	QueryTypeMatching    QueryType = "matching"
	QueryTypeGeneral     QueryType = "general"
)

// Config defines connection pool configuration
type Config struct {
	DSN                 string        `json:"-"`
	MinConnections      int           `json:"min_connections"`
	MaxConnections      int           `json:"max_connections"`
	ConnectionTimeout   time.Duration `json:"connection_timeout"`
	IdleTimeout         time.Duration `json:"idle_timeout"`
	MaxLifetime         time.Duration `json:"max_lifetime"`
	StatementTimeout    time.Duration `json:"statement_timeout"`
	SlowQueryThreshold  time.Duration `json:"slow_query_threshold"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// DefaultConfig returns pool defaults sized for bursty community traffic.
func DefaultConfig() *Config {
	return &Config{
		MinConnections:      5,
		MaxConnections:      25,
		ConnectionTimeout:   10 * time.Second,
		IdleTimeout:         30 * time.Minute,
		MaxLifetime:         time.Hour,
		StatementTimeout:    5 * time.Second,
		SlowQueryThreshold:  200 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// QueryOptions carries per-query execution metadata.
type QueryOptions struct {
	QueryType QueryType
	Timeout   time.Duration
	Priority  string
}

// Result holds the outcome of a pooled query execution.
type Result struct {
	Rows     []map[string]interface{} `json:"rows"`
	RowCount int                      `json:"row_count"`
	Duration time.Duration            `json:"duration"`
}

// Metrics is a snapshot of pool activity since process start.
type Metrics struct {
	TotalConnections         int     `json:"total_connections"`
	ActiveConnections        int     `json:"active_connections"`
	IdleConnections          int     `json:"idle_connections"`
	WaitingClients           int     `json:"waiting_clients"`
	TotalQueries             int64   `json:"total_queries"`
	AverageQueryTimeMs       float64 `json:"average_query_time_ms"`
	SlowQueries              int64   `json:"slow_queries"`
	Errors                   int64   `json:"errors"`
	CulturalContentQueries   int64   `json:"cultural_content_queries"`
	BusinessDirectoryQueries int64   `json:"business_directory_queries"`
	GeoQueries               int64   `json:"geo_queries"`
}

// Pool manages a bounded set of datastore connections. Acquisition past
// MaxConnections queues inside database/sql until ConnectionTimeout.
type Pool struct {
	db     *sql.DB
	config *Config
	logger logging.Logger

	mu               sync.Mutex
	totalQueries     int64
	totalQueryTime   time.Duration
	slowQueries      int64
	errors           int64
	perType          map[QueryType]int64
	waitingClients   int64
	healthCheckStop  chan struct{}
	healthCheckOnce  sync.Once
	lastHealthStatus error
}

// Planner annotations per query type. Comments are ignored by engines
// without hint support, so these can never fail a query.
var plannerHints = map[QueryType]string{
	QueryTypeCultural:    "/*+ IndexScan(portuguese_cultural_events) */",
	QueryTypeBusiness:    "/*+ IndexScan(portuguese_businesses) */",
	QueryTypeGeolocation: "/*+ IndexScan(portuguese_businesses) */",
	QueryTypeMatching:    "/*+ IndexScan(cultural_compatibility) */",
}

// New creates a connection pool and verifies connectivity.
func New(config *Config, logger logging.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.NewNoOp()
	}
	defaults := DefaultConfig()
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = defaults.ConnectionTimeout
	}
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = defaults.SlowQueryThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if config.MaxLifetime <= 0 {
		config.MaxLifetime = defaults.MaxLifetime
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MinConnections)
	db.SetConnMaxIdleTime(config.IdleTimeout)
	db.SetConnMaxLifetime(config.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping datastore: %w", err)
	}

	p := &Pool{
		db:              db,
		config:          config,
		logger:          logger.WithComponent("pool"),
		perType:         make(map[QueryType]int64),
		healthCheckStop: make(chan struct{}),
	}

	go p.healthCheckRoutine()

	return p, nil
}

// Query executes a parameterized query with query-type metadata. Errors
// are counted and re-thrown; retry policy belongs to the caller.
func (p *Pool) Query(ctx context.Context, query string, params []interface{}, opts QueryOptions) (*Result, error) {
	if opts.QueryType == "" {
		opts.QueryType = QueryTypeGeneral
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.config.StatementTimeout
	}
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	annotated := p.annotate(query, opts.QueryType)

	start := time.Now()
	rows, err := p.db.QueryContext(queryCtx, annotated, params...)
	if err != nil {
		duration := time.Since(start)
		p.recordQuery(opts.QueryType, duration, true)
		p.logger.ErrorContext(ctx, "Query execution failed",
			"query_type", opts.QueryType,
			"duration_ms", duration.Milliseconds(),
			"error", err.Error())
		return nil, fmt.Errorf("query failed (%s): %w", opts.QueryType, err)
	}
	defer func() { _ = rows.Close() }()

	collected, err := scanRows(rows)
	duration := time.Since(start)
	if err != nil {
		p.recordQuery(opts.QueryType, duration, true)
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}

	p.recordQuery(opts.QueryType, duration, false)

	if duration > p.config.SlowQueryThreshold {
		p.logger.WarnContext(ctx, "Slow community query detected",
			"query_type", opts.QueryType,
			"duration_ms", duration.Milliseconds(),
			"row_count", len(collected),
			"priority", opts.Priority)
	}

	return &Result{
		Rows:     collected,
		RowCount: len(collected),
		Duration: duration,
	}, nil
}

// GetClient returns a dedicated connection with session defaults
// applied, for multi-statement transactions. The caller must Close it
// on every exit path.
func (p *Pool) GetClient(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.ConnectionTimeout)
	defer cancel()

	p.mu.Lock()
	p.waitingClients++
	p.mu.Unlock()

	conn, err := p.db.Conn(acquireCtx)

	p.mu.Lock()
	p.waitingClients--
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	// Session defaults for community content queries.
	for _, stmt := range []string{
		"SET TIME ZONE 'Europe/London'",
		"SET search_path TO public",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply session defaults: %w", err)
		}
	}

	return conn, nil
}

// WithTransaction executes fn inside a transaction on a dedicated
// connection, releasing it on every exit path including panics.
func (p *Pool) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	conn, err := p.GetClient(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Exec runs a statement without result collection. Used by the
// optimizer's auto-indexing pass.
func (p *Pool) Exec(ctx context.Context, query string, params ...interface{}) error {
	execCtx, cancel := context.WithTimeout(ctx, p.config.StatementTimeout)
	defer cancel()

	if _, err := p.db.ExecContext(execCtx, query, params...); err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// GetMetrics returns counters merged with live pool counts.
func (p *Pool) GetMetrics() Metrics {
	stats := p.db.Stats()

	p.mu.Lock()
	defer p.mu.Unlock()

	var avgMs float64
	if p.totalQueries > 0 {
		avgMs = float64(p.totalQueryTime.Milliseconds()) / float64(p.totalQueries)
	}

	return Metrics{
		TotalConnections:         stats.OpenConnections,
		ActiveConnections:        stats.InUse,
		IdleConnections:          stats.Idle,
		WaitingClients:           int(p.waitingClients),
		TotalQueries:             p.totalQueries,
		AverageQueryTimeMs:       avgMs,
		SlowQueries:              p.slowQueries,
		Errors:                   p.errors,
		CulturalContentQueries:   p.perType[QueryTypeCultural],
		BusinessDirectoryQueries: p.perType[QueryTypeBusiness],
		GeoQueries:               p.perType[QueryTypeGeolocation],
	}
}

// Healthy reports the last liveness check outcome.
func (p *Pool) Healthy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHealthStatus
}

// Close shuts down the pool and stops the health check routine.
func (p *Pool) Close() error {
	p.healthCheckOnce.Do(func() { close(p.healthCheckStop) })
	return p.db.Close()
}

// annotate prepends the planner hint for the query type, if any.
func (p *Pool) annotate(query string, queryType QueryType) string {
	if hint, ok := plannerHints[queryType]; ok {
		return hint + " " + query
	}
	return query
}

func (p *Pool) recordQuery(queryType QueryType, duration time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalQueries++
	p.totalQueryTime += duration
	p.perType[queryType]++

	if failed {
		p.errors++
	}
	if duration > p.config.SlowQueryThreshold {
		p.slowQueries++
	}
}

// healthCheckRoutine issues a trivial liveness query on a fixed
// interval. Failures are logged, never fatal; the pool stays up.
func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.performHealthCheck()
		case <-p.healthCheckStop:
			return
		}
	}
}

func (p *Pool) performHealthCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := p.db.PingContext(ctx)
	elapsed := time.Since(start)

	p.mu.Lock()
	p.lastHealthStatus = err
	p.mu.Unlock()

	switch {
	case err != nil:
		p.logger.Warn("Pool health check failed", "error", err.Error())
	case elapsed > time.Second:
		p.logger.Warn("Pool health check slow", "duration_ms", elapsed.Milliseconds())
	}
}

// scanRows collects rows into generic maps so results can be cached
// and serialized without schema knowledge.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// Package middleware orchestrates the performance stack per request:
// rate-limit admission, cache lookup, handler execution, cache
// population, and diagnostic headers.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giquina/LusoTown-sub006/internal/api/response"
	"github.com/giquina/LusoTown-sub006/internal/cache"
	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/optimizer"
	"github.com/giquina/LusoTown-sub006/internal/ratelimit"
)

// Config selects which parts of the stack apply to a wrapped handler.
type Config struct {
	EnableCaching bool

	// EnableQueryOptimization propagates to the request context;
	// handlers executing through the optimizer skip rewriting when
	// false.
	EnableQueryOptimization bool

	EnablePerformanceMonitoring bool

	// CacheTTL overrides the content type's default TTL when positive.
	CacheTTL time.Duration

	// ContentType selects the cache policy (TTL, tags, compression).
	ContentType string

	// RateLimit enables admission control under the given category.
	// Nil means the endpoint is not rate limited.
	RateLimit *RateLimitSpec
}

// RateLimitSpec names the budget category for a wrapped endpoint.
type RateLimitSpec struct {
	Category ratelimit.Category
}

// Metrics is the API-level activity snapshot the dashboard polls.
type Metrics struct {
	TotalRequests         int64   `json:"total_requests"`
	Errors                int64   `json:"errors"`
	ErrorRate             float64 `json:"error_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	RateLimitRejections   int64   `json:"rate_limit_rejections"`
	CacheHits             int64   `json:"cache_hits"`
}

// Stack wires the performance components into HTTP middleware.
type Stack struct {
	cache      *cache.Manager
	limiter    *ratelimit.Limiter
	detector   *ratelimit.Detector
	classifier *Classifier
	logger     logging.Logger

	mu            sync.Mutex
	totalRequests int64
	totalErrors   int64
	totalDuration time.Duration
	rejections    int64
	cacheHits     int64
}

// NewStack assembles the middleware stack from its components.
func NewStack(cacheManager *cache.Manager, limiter *ratelimit.Limiter, detector *ratelimit.Detector, classifier *Classifier, logger logging.Logger) *Stack {
	if logger == nil {
		logger = logging.NewNoOp()
	}
	return &Stack{
		cache:      cacheManager,
		limiter:    limiter,
		detector:   detector,
		classifier: classifier,
		logger:     logger.WithComponent("middleware"),
	}
}

// Wrap applies the configured stack around a handler. Order is fixed:
// rate limit first (rejections never reach the cache or handler), then
// cache lookup, then the handler, then cache population.
func (s *Stack) Wrap(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := uuid.New().String()
		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.WithTraceID(r.Context(), requestID)
		ctx = optimizer.WithOptimization(ctx, cfg.EnableQueryOptimization)
		r = r.WithContext(ctx)

		tier, identity := s.classifier.Classify(r)

		if cfg.RateLimit != nil {
			result, err := s.limiter.Check(ctx, identity, tier, cfg.RateLimit.Category)
			if err != nil {
				// A broken counter backend must not take the API down;
				// admit and log.
				s.logger.ErrorContext(ctx, "Rate limit check failed, admitting request", "error", err.Error())
			} else {
				writeRateLimitHeaders(w, result)
				if !result.Allowed {
					s.writeDiagnostics(w, time.Since(start), false)
					s.reject(ctx, w, r, identity, tier, cfg.RateLimit.Category, result)
					s.record(time.Since(start), false, true)
					return
				}
			}
		}

		cacheKey := ""
		if cfg.EnableCaching && r.Method == http.MethodGet {
			cacheKey = requestCacheKey(r)
			if cached := s.cache.Get(ctx, cacheKey, cfg.ContentType); cached != nil {
				s.writeDiagnostics(w, time.Since(start), true)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				s.mu.Lock()
				s.cacheHits++
				s.mu.Unlock()
				s.record(time.Since(start), false, false)
				return
			}
		}

		rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
		// Diagnostic headers are computed at the moment the handler
		// first writes, so the execution time they report is real.
		rec.beforeHeader = func() {
			s.writeDiagnostics(w, time.Since(start), false)
		}

		func() {
			defer func() {
				if rv := recover(); rv != nil {
					s.logger.ErrorContext(ctx, "Handler panicked",
						"request_id", requestID,
						"path", r.URL.Path,
						"panic", fmt.Sprintf("%v", rv))
					if !rec.wroteHeader {
						response.WriteInternalError(rec, messagesFor(r).internalError)
					}
					rec.failed = true
				}
			}()
			next(rec, r)
		}()

		// A handler that returned without writing still owes the caller
		// the diagnostic headers and an explicit status.
		if !rec.wroteHeader {
			rec.WriteHeader(http.StatusOK)
		}

		if cacheKey != "" && !rec.failed && rec.status == http.StatusOK && rec.body.Len() > 0 && json.Valid(rec.body.Bytes()) {
			s.cache.Set(ctx, cacheKey, json.RawMessage(rec.body.Bytes()), cfg.ContentType, cfg.CacheTTL)
		}

		duration := time.Since(start)
		s.record(duration, rec.status >= http.StatusInternalServerError, false)

		if cfg.EnablePerformanceMonitoring {
			s.logger.DebugContext(ctx, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", duration.Milliseconds(),
				"tier", string(tier))
		}
	}
}

// reject records the violation, classifies abuse if warranted, and
// writes the localized 429.
func (s *Stack) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, identity string, tier ratelimit.Tier, category ratelimit.Category, result ratelimit.Result) {
	if s.detector != nil {
		s.detector.RecordViolation(identity, r.URL.Path, category, tier)
	}

	msgs := messagesFor(r)
	details := response.RateLimitDetails{
		Limit:      result.Limit,
		ResetTime:  result.ResetTime.Unix(),
		RetryAfter: int(result.RetryAfter.Seconds()),
		Tier:       string(tier),
	}
	if tier == ratelimit.TierAnonymous {
		details.UpgradeHint = msgs.upgradeHint
	}

	response.WriteRateLimited(w, msgs.rateLimitExceeded, details)
}

// record updates API-level counters for the dashboard.
func (s *Stack) record(duration time.Duration, isError, rejected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
	s.totalDuration += duration
	if isError {
		s.totalErrors++
	}
	if rejected {
		s.rejections++
	}
}

// GetMetrics returns the API activity snapshot.
func (s *Stack) GetMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errorRate, avgMs float64
	if s.totalRequests > 0 {
		errorRate = float64(s.totalErrors) / float64(s.totalRequests)
		avgMs = float64(s.totalDuration.Microseconds()) / 1000.0 / float64(s.totalRequests)
	}
	return Metrics{
		TotalRequests:         s.totalRequests,
		Errors:                s.totalErrors,
		ErrorRate:             errorRate,
		AverageResponseTimeMs: avgMs,
		RateLimitRejections:   s.rejections,
		CacheHits:             s.cacheHits,
	}
}

// writeDiagnostics attaches the standard diagnostic headers. They go
// on every response, success or failure.
func (s *Stack) writeDiagnostics(w http.ResponseWriter, elapsed time.Duration, cached bool) {
	w.Header().Set("X-Execution-Time", strconv.FormatInt(elapsed.Milliseconds(), 10))
	w.Header().Set("X-Cached", strconv.FormatBool(cached))
	ratio := s.cache.GetMetrics().HitRatio
	w.Header().Set("X-Cache-Hit-Ratio", strconv.FormatFloat(ratio, 'f', 2, 64))
}

func writeRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))
}

// requestCacheKey normalizes path plus query parameters so parameter
// order does not fragment the cache.
func requestCacheKey(r *http.Request) string {
	query := r.URL.Query()
	if len(query) == 0 {
		return r.URL.Path
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(r.URL.Path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		values := query[k]
		sort.Strings(values)
		for j, v := range values {
			if j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// capturingWriter buffers the response body so successful results can
// be cached after the handler returns.
type capturingWriter struct {
	http.ResponseWriter
	status       int
	body         bytes.Buffer
	wroteHeader  bool
	failed       bool
	beforeHeader func()
}

func (c *capturingWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	if c.beforeHeader != nil {
		c.beforeHeader()
	}
	c.status = status
	c.wroteHeader = true
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

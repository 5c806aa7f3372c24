package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

// HealthChecker defines the interface for dependency health checks.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// HealthStatus represents the result of a health check.
type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// CheckResult represents the result of a single dependency check.
type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RedisHealthChecker checks Redis connectivity.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// DatabaseHealthChecker pings the credential database.
type DatabaseHealthChecker struct {
	db   *sql.DB
	name string
}

func NewDatabaseHealthChecker(db *sql.DB, name string) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db, name: name}
}

func (c *DatabaseHealthChecker) Name() string {
	return c.name
}

func (c *DatabaseHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// CredentialPoolChecker fails while no credential is active.
type CredentialPoolChecker struct {
	store CredentialCounter
}

func NewCredentialPoolChecker(store CredentialCounter) *CredentialPoolChecker {
	return &CredentialPoolChecker{store: store}
}

func (c *CredentialPoolChecker) Name() string {
	return "credential_pool"
}

func (c *CredentialPoolChecker) Check(ctx context.Context) error {
	n, err := c.store.CountActive(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNoCredentialAvailable
	}
	return nil
}

// runHealthChecks executes all health checks concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := CheckResult{
				Status:   "ok",
				Duration: duration.String(),
			}
			if err != nil {
				result.Status = "error"
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleHealthReadyWithCheckers creates a ready handler with dependency checks.
func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		allHealthy := true
		for _, result := range results {
			if result.Status != "ok" {
				allHealthy = false
				break
			}
		}

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}

		httpStatus := http.StatusOK
		if !allHealthy {
			status.Status = "not_ready"
			httpStatus = http.StatusServiceUnavailable
		}

		writeJSON(w, httpStatus, status)
	}
}

package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is an additional named probe reported by HealthHandler. A failing
// check marks the service unhealthy.
type Check struct {
	Name string
	Run  func(ctx context.Context) (interface{}, error)
}

// HealthHandler returns a handler for the database health check endpoint.
// pool may be nil when the service runs without PostgreSQL.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]interface{}{"status": "healthy"}

		if pool != nil {
			body["pool"] = GetPoolStats(pool)
			if err := pool.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["error"] = err.Error()
			}
		}

		for _, chk := range checks {
			result, err := chk.Run(ctx)
			if err != nil {
				status = http.StatusServiceUnavailable
				body[chk.Name] = map[string]string{"error": err.Error()}
				continue
			}
			body[chk.Name] = result
		}

		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

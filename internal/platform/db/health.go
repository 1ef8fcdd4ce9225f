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

// Pinger is the part of *pgxpool.Pool the health endpoint needs.
type Pinger interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
}

// Check is an additional named readiness probe reported by HealthHandler.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// GetPoolStats converts a pool snapshot into its JSON form.
func GetPoolStats(stat *pgxpool.Stat) *PoolStats {
	if stat == nil {
		return &PoolStats{}
	}
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the database and runs every extra check. Any failure
// turns the response into a 503 listing the failing components.
func HealthHandler(pool Pinger, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		failures := map[string]string{}
		if err := pool.Ping(ctx); err != nil {
			failures["database"] = err.Error()
		}
		for _, chk := range checks {
			if err := chk.Fn(ctx); err != nil {
				failures[chk.Name] = err.Error()
			}
		}

		body := map[string]interface{}{
			"status": "healthy",
			"pool":   GetPoolStats(pool.Stat()),
		}
		if len(failures) > 0 {
			body["status"] = "unhealthy"
			body["failures"] = failures
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}

package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the /health/db view of pgxpool.Stat.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
	}
}

type healthReport struct {
	Status  string     `json:"status"`
	Backend string     `json:"backend"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool,omitempty"`
}

// pinger is the part of the pool the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

const pingTimeout = 5 * time.Second

// HealthHandler reports whether the record store answers. pool is nil when
// the server runs on in-memory stores; those are always healthy.
func HealthHandler(pool *pgxpool.Pool, backend string) echo.HandlerFunc {
	if pool == nil {
		return healthCheck(nil, backend, nil)
	}
	return healthCheck(pool, backend, func() *PoolStats { return GetPoolStats(pool) })
}

func healthCheck(p pinger, backend string, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := healthReport{Status: "healthy", Backend: backend}
		if p == nil {
			return c.JSON(http.StatusOK, report)
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()
		err := p.Ping(ctx)
		if stats != nil {
			report.Pool = stats()
		}
		if err != nil {
			report.Status, report.Error = "unhealthy", "database unreachable"
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}

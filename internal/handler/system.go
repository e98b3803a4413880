package handler

import (
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// SystemHandler serves liveness and readiness probes.
type SystemHandler struct {
	db          *sqlx.DB
	redisClient *redis.Client
	startTime   time.Time
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(db *sqlx.DB, redisClient *redis.Client) *SystemHandler {
	return &SystemHandler{
		db:          db,
		redisClient: redisClient,
		startTime:   time.Now(),
	}
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready handles GET /ready. It fails when Postgres or Redis are unreachable.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"database": "ok",
		"redis":    "ok",
	}
	healthy := true

	if err := h.db.PingContext(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.redisClient.Ping(r.Context()).Err(); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	overall := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unavailable"
	}

	respondJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

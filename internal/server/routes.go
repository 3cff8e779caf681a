// Package server provides route registration for afterhours.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dtorcivia/afterhours/internal/response"
)

// setupRoutes registers all HTTP routes.
func (s *Server) setupRoutes() {
	// Health check and metrics are not rate limited.
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.Handle("GET /metrics", promhttp.Handler())

	apiMux := http.NewServeMux()
	s.apiHandler.RegisterRoutes(apiMux)
	s.router.Handle("/", s.rateLimiter.Middleware(apiMux))
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// Check database connectivity
	if err := s.db.PingContext(ctx); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "database unavailable",
		})
		return
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			response.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  "idempotency store unavailable",
			})
			return
		}
	}

	oauthStatus := s.oauthMgr.Status(ctx)
	oauth := "not_configured"
	if oauthStatus.Authenticated {
		oauth = "connected"
	} else if oauthStatus.State != "" {
		oauth = string(oauthStatus.State)
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"oauth":  oauth,
	})
}

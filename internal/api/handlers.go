// Package api is the read-only observability surface: a liveness probe
// and a list of currently active tunnels. The tunnel CRUD/dashboard
// surface the teacher exposed under /api is an out-of-scope
// administrative concern here — see SPEC_FULL.md §1.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaytun/tunneld/internal/store"
)

// TunnelCore is the subset of tunnel.Controller the Handler needs, narrowed
// so this package does not import internal/tunnel for its full surface.
type TunnelCore interface {
	ListActive() []int64
}

type Handler struct {
	core  TunnelCore
	store store.Store
}

func NewHandler(core TunnelCore, st store.Store) *Handler {
	return &Handler{core: core, store: st}
}

// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dbOK := true
	if _, err := h.store.ListActiveTunnels(ctx); err != nil {
		dbOK = false
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !dbOK {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":         status,
		"database":       dbOK,
		"active_tunnels": len(h.core.ListActive()),
	})
}

// GET /tunnels — read-only snapshot of currently active tunnels, for
// dashboards and alerting. No create/update/delete here.
func (h *Handler) ListTunnels(c *gin.Context) {
	tunnels, err := h.store.ListActiveTunnels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tunnels"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tunnels": tunnels})
}

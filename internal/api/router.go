package api

import (
	"os"

	"github.com/gin-gonic/gin"
)

// NewRouter sets up the Gin engine for the observability surface, mirroring
// the teacher's gin.Default() + GIN_MODE convention.
func NewRouter(h *Handler) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.GET("/healthz", h.Health)
	r.GET("/tunnels", h.ListTunnels)

	return r
}

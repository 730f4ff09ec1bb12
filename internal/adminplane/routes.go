package adminplane

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RegisterRoutes mounts the admin-plane's entire surface: a health probe,
// a stats snapshot, and the swagger UI describing both. Nothing else.
func RegisterRoutes(r *gin.Engine, h *Handler) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.GET("/healthz", h.Health)
	r.GET("/stats", h.Snapshot)
}

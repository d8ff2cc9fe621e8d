package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/repository"
	"github.com/remote-agent-terminal/sessionhub/internal/ws"
)

// NewRouter builds the development backend's HTTP surface.
func NewRouter(repo *repository.ThreadRepository, service *ws.Service, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"clients": service.Handler().ClientCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	NewWebSocketHandler(service.Handler(), log).RegisterRoutes(r)

	api := r.Group("/api")
	NewThreadHandler(repo).RegisterRoutes(api)

	return r
}

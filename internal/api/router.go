package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewRouter mounts the REST routes and, when ws is non-nil, the websocket
// upgrade endpoint.
func NewRouter(a *API, ws http.HandlerFunc, allowOrigin func(string) bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.logger), corsMiddleware(allowOrigin))

	r.GET("/health", a.HealthHandler)
	if ws != nil {
		r.GET("/ws", gin.WrapF(ws))
	}

	api := r.Group("/api")
	{
		api.GET("/stats", a.StatsHandler)
		api.GET("/auth/user", a.CurrentUserHandler)

		sessions := api.Group("/sessions")
		sessions.GET("", a.ListSessionsHandler)
		sessions.POST("", a.CreateSessionHandler)
		sessions.GET("/:id", a.GetSessionHandler)
		sessions.DELETE("/:id", a.DeleteSessionHandler)
		sessions.GET("/:id/strokes", a.ListStrokesHandler)
		sessions.DELETE("/:id/strokes", a.ClearStrokesHandler)
		sessions.GET("/:id/users", a.ListUsersHandler)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

func corsMiddleware(allowOrigin func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowOrigin == nil || allowOrigin(origin)) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Demo-User")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

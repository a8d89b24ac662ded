// Package server assembles the gin engine and its routes.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thibautrey/multicodex-proxy/internal/handler"
	"github.com/thibautrey/multicodex-proxy/internal/pkg/logger"
)

// NewRouter builds the gin engine with the OpenAI-compatible routes and the
// token-guarded admin surface.
func NewRouter(gateway *handler.OpenAIGatewayHandler, models *handler.ModelsHandler, admin *handler.AdminHandler, adminToken string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1")
	{
		v1.POST("/chat/completions", gateway.ChatCompletions)
		v1.POST("/responses", gateway.Responses)
		v1.GET("/models", models.List)
		v1.GET("/models/:id", models.Get)
	}

	adm := engine.Group("/admin", handler.AdminAuth(adminToken))
	{
		adm.GET("/accounts", admin.ListAccounts)
		adm.PATCH("/accounts/:id", admin.UpdateAccount)
		adm.DELETE("/accounts/:id", admin.DeleteAccount)
		adm.POST("/accounts/:id/usage", admin.RefreshAccountUsage)
		adm.POST("/oauth/start", admin.BeginOAuth)
		adm.POST("/oauth/complete", admin.CompleteOAuth)
		adm.GET("/traces", admin.ListTraces)
		adm.GET("/stats", admin.Stats)
	}

	return engine
}

// requestLogger logs one structured line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L().Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("clientIp", c.ClientIP()))
	}
}

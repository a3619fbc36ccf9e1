package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ipa-dump/ipa-dump-go/internal/api/handlers"
	"github.com/ipa-dump/ipa-dump-go/internal/config"
	"github.com/ipa-dump/ipa-dump-go/internal/metrics"
	"github.com/ipa-dump/ipa-dump-go/internal/repository"
	"github.com/sirupsen/logrus"
)

// Deps 状态服务依赖，除 Hub 外均可为 nil
type Deps struct {
	Status  handlers.StatusProvider
	Runs    repository.RunRepository
	Hub     *handlers.EventHub
	Metrics *metrics.Metrics
}

func SetupRouter(cfg *config.ServerConfig, logger logrus.FieldLogger, deps Deps) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	runHandler := handlers.NewRunHandler(deps.Status, deps.Runs, logger)

	if deps.Hub != nil {
		r.GET("/ws/events", TokenAuth(cfg.Token), deps.Hub.HandleWebSocket)
	}

	v1 := r.Group("/api")
	v1.Use(TokenAuth(cfg.Token))
	{
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})

		v1.GET("/status", runHandler.GetStatus)
		v1.GET("/stats", runHandler.GetStats)
		v1.GET("/runs", runHandler.ListRuns)
		v1.GET("/runs/:id", runHandler.GetRun)

		if deps.Hub != nil {
			v1.GET("/events", deps.Hub.ListEvents)
		}
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Debug("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

package router

import (
	"net/http"
	"time"

	"github.com/devicefarmpro/devicefarmpro/api/handler"
	"github.com/devicefarmpro/devicefarmpro/internal/metrics"
	"github.com/devicefarmpro/devicefarmpro/internal/service"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Dependencies 路由依赖的服务
type Dependencies struct {
	Mode       string
	Store      *store.Store
	Allocator  *service.Allocator
	Reconciler *service.Reconciler
	Sessions   *service.SessionService
	Nodes      *service.NodeDirectory
	Metrics    *metrics.Metrics
	// LogPath 日志查询读取的文件，为空时取当前配置
	LogPath string
}

// SetupRouter 设置路由
func SetupRouter(deps Dependencies) *gin.Engine {
	// 设置Gin模式
	if deps.Mode != "" {
		gin.SetMode(deps.Mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(deps.Metrics))

	adminHandler := handler.NewAdminHandler(deps.Store)
	deviceHandler := handler.NewDeviceHandler(deps.Store, deps.Allocator, deps.Reconciler)
	sessionHandler := handler.NewSessionHandler(deps.Sessions)
	logsHandler := handler.NewLogsHandler(deps.LogPath)

	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// 会话接口与 WebDriver 客户端保持一致的路径
	r.POST("/session", sessionHandler.CreateSession)
	r.DELETE("/session/:id", sessionHandler.DeleteSession)

	farm := r.Group("/device-farm")
	{
		farm.GET("", adminHandler.Root)

		api := farm.Group("/api")
		{
			api.GET("/health", adminHandler.Health)
			api.GET("/config", adminHandler.GetConfig)
			api.GET("/logs", logsHandler.TailLogs)

			devices := api.Group("/devices")
			{
				devices.GET("", deviceHandler.ListDevices)
				devices.GET("/:udid", deviceHandler.GetDevice)
				devices.POST("/:udid/block", deviceHandler.BlockDevice)
				devices.POST("/:udid/unblock", deviceHandler.UnblockDevice)
				devices.POST("/:udid/release", deviceHandler.ReleaseDevice)
			}

			api.POST("/reconcile", deviceHandler.Reconcile)

			if deps.Nodes != nil {
				nodeHandler := handler.NewNodeHandler(deps.Nodes)
				nodes := api.Group("/nodes")
				{
					nodes.GET("", nodeHandler.ListNodes)
					nodes.POST("/register", nodeHandler.Register)
					nodes.POST("/:id/heartbeat", nodeHandler.Heartbeat)
				}
			}
		}
	}

	// 404处理
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware 请求ID中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// LoggingMiddleware 日志与请求指标中间件
func LoggingMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		// 使用路由模板作为指标标签，避免 udid 等路径参数导致标签膨胀
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTPRequest(c.Request.Method, route, statusCode, duration)

		entry := logger.WithFields(logrus.Fields{
			"request_id": c.GetString("request_id"),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     statusCode,
			"duration":   duration,
			"client_ip":  c.ClientIP(),
		})
		switch {
		case statusCode >= http.StatusInternalServerError:
			entry.Error("HTTP Request")
		case statusCode >= http.StatusBadRequest:
			entry.Warn("HTTP Request")
		case route == "/metrics" || route == "/device-farm/api/devices":
			// 高频轮询接口降为 debug
			entry.Debug("HTTP Request")
		default:
			entry.Info("HTTP Request")
		}
	}
}

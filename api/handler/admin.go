package handler

import (
	"net/http"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/database"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/gin-gonic/gin"
)

// Version 服务版本
const Version = "1.0.0"

// AdminHandler 健康检查与运行配置
type AdminHandler struct {
	store   *store.Store
	started time.Time
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(s *store.Store) *AdminHandler {
	return &AdminHandler{store: s, started: time.Now()}
}

// Root 存活探针
func (h *AdminHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Device Farm Pro",
		"version": Version,
		"status":  "running",
	})
}

// Health 健康检查（含数据库与设备数量）
func (h *AdminHandler) Health(c *gin.Context) {
	status := "healthy"
	dbStatus := "disabled"
	if database.GetDB() != nil {
		dbStatus = "ok"
		if err := database.Health(); err != nil {
			status = "degraded"
			dbStatus = err.Error()
		}
	}
	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"database": dbStatus,
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"devices": gin.H{
			"total": h.store.Count(nil),
			"busy":  h.store.Count(func(d *model.DeviceRecord) bool { return d.Busy }),
		},
	})
}

// GetConfig 当前生效的设备池配置（不含凭据）
func (h *AdminHandler) GetConfig(c *gin.Context) {
	cfg := config.Get()
	if cfg == nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "CONFIG_MISSING", Message: "配置未初始化"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取配置成功",
		Data: gin.H{
			"farm":       cfg.Farm,
			"reconcile":  cfg.Reconcile,
			"public_url": cfg.Server.PublicURL,
			"cloud": gin.H{
				"enabled":  cfg.Cloud.Enabled,
				"provider": cfg.Cloud.Provider,
				"hub_url":  cfg.Cloud.HubURL,
			},
		},
	})
}

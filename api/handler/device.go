package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/service"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/gin-gonic/gin"
)

// DeviceHandler 设备清单处理器
type DeviceHandler struct {
	store      *store.Store
	allocator  *service.Allocator
	reconciler *service.Reconciler
}

// NewDeviceHandler 创建设备处理器
func NewDeviceHandler(s *store.Store, allocator *service.Allocator, reconciler *service.Reconciler) *DeviceHandler {
	return &DeviceHandler{store: s, allocator: allocator, reconciler: reconciler}
}

// ListDevices 获取设备列表
// @Summary 设备清单
// @Description 按平台、设备类型、占用状态过滤；hub 的远端适配器通过此接口拉取节点设备
// @Tags device
// @Produce json
// @Param platform query string false "android | ios"
// @Param deviceType query string false "real | emulator | simulator | tvsimulator"
// @Param busy query bool false "是否占用"
// @Success 200 {object} SuccessResponse
// @Router /device-farm/api/devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	platform := strings.ToLower(c.Query("platform"))
	deviceType := strings.ToLower(c.Query("deviceType"))
	var busy *bool
	if raw := c.Query("busy"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			invalidParams(c, err)
			return
		}
		busy = &b
	}

	devices := h.store.FindAll(func(d *model.DeviceRecord) bool {
		if platform != "" && string(d.Platform) != platform {
			return false
		}
		if deviceType != "" && string(d.DeviceType) != deviceType {
			return false
		}
		if busy != nil && d.Busy != *busy {
			return false
		}
		return true
	})

	c.JSON(http.StatusOK, SuccessResponse{
		Code:    "SUCCESS",
		Message: "获取设备列表成功",
		Data:    devices,
	})
}

// GetDevice 获取设备详情
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	udid := c.Param("udid")
	device, ok := h.store.Get(udid)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Code:    "DEVICE_NOT_FOUND",
			Message: "设备不存在: " + udid,
		})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "获取设备成功", Data: device})
}

// BlockDevice 封禁设备，不再参与分配
func (h *DeviceHandler) BlockDevice(c *gin.Context) {
	h.setBlocked(c, true)
}

// UnblockDevice 解除封禁
func (h *DeviceHandler) UnblockDevice(c *gin.Context) {
	h.setBlocked(c, false)
}

func (h *DeviceHandler) setBlocked(c *gin.Context, blocked bool) {
	udid := c.Param("udid")
	if err := h.allocator.SetBlocked(udid, blocked); err != nil {
		respondError(c, err)
		return
	}
	logger.WithField("udid", udid).Infof("Device blocked=%t by operator", blocked)
	device, _ := h.store.Get(udid)
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "设备状态已更新", Data: device})
}

// ReleaseDevice 手动释放设备；对空闲设备重复调用不报错
func (h *DeviceHandler) ReleaseDevice(c *gin.Context) {
	udid := c.Param("udid")
	if err := h.allocator.Release(udid); err != nil {
		respondError(c, err)
		return
	}
	device, _ := h.store.Get(udid)
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "设备已释放", Data: device})
}

// Reconcile 立即执行一轮设备同步
func (h *DeviceHandler) Reconcile(c *gin.Context) {
	result, err := h.reconciler.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "设备同步完成", Data: result})
}

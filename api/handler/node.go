package handler

import (
	"net/http"

	"github.com/devicefarmpro/devicefarmpro/internal/service"
	"github.com/gin-gonic/gin"
)

// NodeHandler 节点注册处理器（hub 侧）
type NodeHandler struct {
	directory *service.NodeDirectory
}

// NewNodeHandler 创建节点处理器
func NewNodeHandler(directory *service.NodeDirectory) *NodeHandler {
	return &NodeHandler{directory: directory}
}

// Register 节点注册
func (h *NodeHandler) Register(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidParams(c, err)
		return
	}
	node, err := h.directory.Register(req)
	if err != nil {
		invalidParams(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "节点注册成功", Data: node})
}

// Heartbeat 节点心跳；未知节点返回 404，节点据此重新注册
func (h *NodeHandler) Heartbeat(c *gin.Context) {
	var req service.HeartbeatRequest
	// 心跳体仅用于诊断，解析失败不拒绝
	_ = c.ShouldBindJSON(&req)

	node, err := h.directory.Heartbeat(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "心跳成功", Data: node})
}

// ListNodes 节点列表
func (h *NodeHandler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Code: "SUCCESS", Message: "获取节点列表成功", Data: h.directory.List()})
}

package handler

import (
	"encoding/json"
	"net/http"

	"github.com/devicefarmpro/devicefarmpro/internal/service"
	"github.com/gin-gonic/gin"
)

// SessionHandler 会话处理器
type SessionHandler struct {
	sessions *service.SessionService
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// CreateSession 分配设备并建立会话
// @Summary 创建会话
// @Description 按能力分配设备；设备属于其他节点时转发到该节点
// @Tags session
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "W3C 会话响应"
// @Failure 400 {object} ErrorResponse "能力与本实例配置不匹配"
// @Failure 502 {object} ErrorResponse "节点转发失败"
// @Failure 503 {object} ErrorResponse "等待超时仍无可用设备"
// @Router /session [post]
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req service.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidParams(c, err)
		return
	}

	sess, err := h.sessions.CreateSession(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	// 转发会话原样返回节点响应
	if sess.Forwarded != nil && json.Valid(sess.Forwarded.Body) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", sess.Forwarded.Body)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"value": gin.H{
			"sessionId":    sess.SessionID,
			"capabilities": sess.Capabilities,
		},
	})
}

// DeleteSession 结束会话并释放设备
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	device, err := h.sessions.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": nil, "udid": device.UDID})
}

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应
type SuccessResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError 按错误类别映射状态码与错误码
func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("request_id", c.GetString("request_id")).Warn("Request failed")
	}
	c.JSON(status, ErrorResponse{Code: code, Message: err.Error()})
}

func classify(err error) (int, string) {
	var forwarding *model.NodeForwardingError
	switch {
	case model.IsCapabilityMismatch(err):
		return http.StatusBadRequest, "CAPABILITY_MISMATCH"
	case model.IsNoDeviceAvailable(err):
		return http.StatusServiceUnavailable, "NO_DEVICE_AVAILABLE"
	case errors.As(err, &forwarding):
		return http.StatusBadGateway, "NODE_FORWARDING_FAILED"
	case errors.Is(err, model.ErrDeviceNotFound):
		return http.StatusNotFound, "DEVICE_NOT_FOUND"
	case errors.Is(err, model.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, model.ErrNodeNotFound):
		return http.StatusNotFound, "NODE_NOT_FOUND"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "REQUEST_CANCELED"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

func invalidParams(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Code:    "INVALID_PARAMS",
		Message: "请求参数无效: " + err.Error(),
	})
}

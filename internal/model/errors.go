package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAdapterUnavailable 设备来源暂不可用（未配置 SDK、网络错误等），本轮跳过下轮重试
	ErrAdapterUnavailable = errors.New("adapter unavailable")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrNodeNotFound       = errors.New("node not found")
	// ErrPortConflict 同平台同主机下端口已被其他设备占用
	ErrPortConflict = errors.New("port already assigned to another device")
	// ErrUdidConflict 相同 udid 已由其他主机登记
	ErrUdidConflict = errors.New("udid already registered by another host")
)

// CapabilityMismatchError 请求与本实例配置在结构上不可能匹配，调用方错误，不重试
type CapabilityMismatchError struct {
	Reason string
	Filter *CapabilityFilter
}

func (e *CapabilityMismatchError) Error() string {
	return e.Reason
}

// NewCapabilityMismatch 构造能力不匹配错误
func NewCapabilityMismatch(format string, args ...interface{}) *CapabilityMismatchError {
	return &CapabilityMismatchError{Reason: fmt.Sprintf(format, args...)}
}

// NoDeviceAvailableError 等待超时仍无可用设备，携带所用过滤条件
type NoDeviceAvailableError struct {
	Filter CapabilityFilter
	Waited time.Duration
}

func (e *NoDeviceAvailableError) Error() string {
	return "No device found for filters: " + e.Filter.String()
}

// NodeForwardingError hub 将会话转发到节点失败
type NodeForwardingError struct {
	Node       string
	UDID       string
	StatusCode int
	Body       string
	Err        error
}

func (e *NodeForwardingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("forward session for %s to node %s failed: %v", e.UDID, e.Node, e.Err)
	}
	return fmt.Sprintf("forward session for %s to node %s failed: status %d: %s", e.UDID, e.Node, e.StatusCode, e.Body)
}

func (e *NodeForwardingError) Unwrap() error {
	return e.Err
}

// IsCapabilityMismatch 判断错误类型
func IsCapabilityMismatch(err error) bool {
	var target *CapabilityMismatchError
	return errors.As(err, &target)
}

// IsNoDeviceAvailable 判断错误类型
func IsNoDeviceAvailable(err error) bool {
	var target *NoDeviceAvailableError
	return errors.As(err, &target)
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/google/uuid"
)

// SessionOptions 会话参数缺省值
type SessionOptions struct {
	Policy                    FarmPolicy
	DeviceAvailabilityTimeout time.Duration
	DeviceRetryInterval       time.Duration
}

// Session 已建立的会话
type Session struct {
	SessionID    string                 `json:"sessionId"`
	Device       model.DeviceRecord     `json:"device"`
	Capabilities map[string]interface{} `json:"capabilities"`
	// Forwarded 非空表示会话由节点或云 hub 承载
	Forwarded *ForwardedSession `json:"forwarded,omitempty"`
}

// SessionService 会话生命周期：分配、路由、结束释放
type SessionService struct {
	store     *store.Store
	allocator *Allocator
	router    *Router
	opts      SessionOptions
}

// NewSessionService 创建会话服务
func NewSessionService(s *store.Store, allocator *Allocator, router *Router, opts SessionOptions) *SessionService {
	return &SessionService{store: s, allocator: allocator, router: router, opts: opts}
}

// CreateSession 按能力分配设备；本机设备直接返回驱动参数，远端设备转发给所属节点
func (s *SessionService) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	caps := req.Merged()
	filter, err := BuildFilter(caps, s.opts.Policy)
	if err != nil {
		return nil, err
	}
	timeout, retry := AvailabilityOptions(caps, s.opts.DeviceAvailabilityTimeout, s.opts.DeviceRetryInterval)

	device, err := s.allocator.Allocate(ctx, filter, timeout, retry)
	if err != nil {
		return nil, err
	}

	if device.IsLocal() {
		id := uuid.NewString()
		if err := s.allocator.AssignSession(device.UDID, id); err != nil {
			return nil, err
		}
		device.SessionID = id
		logger.Component("session").WithField("udid", device.UDID).WithField("session_id", id).Info("Session created on local device")
		return &Session{SessionID: id, Device: device, Capabilities: driverCapabilities(caps, device)}, nil
	}

	fwd, err := s.router.Route(ctx, req, device)
	if err != nil {
		return nil, err
	}
	if err := s.allocator.AssignSession(device.UDID, fwd.SessionID); err != nil {
		logger.Component("session").WithError(err).WithField("udid", device.UDID).Warn("Device lease lost before session id was recorded")
	}
	device.SessionID = fwd.SessionID
	return &Session{SessionID: fwd.SessionID, Device: device, Capabilities: caps, Forwarded: fwd}, nil
}

// DeleteSession 结束会话并释放设备；远端会话先通知节点
func (s *SessionService) DeleteSession(ctx context.Context, sessionID string) (model.DeviceRecord, error) {
	rec, ok := s.store.FindOne(func(d *model.DeviceRecord) bool {
		return sessionID != "" && d.SessionID == sessionID
	})
	if !ok {
		return model.DeviceRecord{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	if !rec.IsLocal() && s.router != nil {
		if err := s.router.DeleteSession(ctx, rec, sessionID); err != nil {
			// 节点侧会话由其自身过期回收兜底
			logger.Component("session").WithError(err).WithField("session_id", sessionID).Warn("Failed to end session on node")
		}
	}
	if err := s.allocator.Release(rec.UDID); err != nil {
		return model.DeviceRecord{}, err
	}
	logger.Component("session").WithField("udid", rec.UDID).WithField("session_id", sessionID).Info("Session ended")
	return rec, nil
}

// driverCapabilities 为本机设备补充驱动所需参数
func driverCapabilities(caps map[string]interface{}, d model.DeviceRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(caps)+6)
	for k, v := range caps {
		out[k] = v
	}
	out["appium:udid"] = d.UDID
	out["appium:deviceName"] = d.Name
	out["appium:platformVersion"] = d.SDK
	switch d.Platform {
	case model.PlatformAndroid:
		if _, ok := out["appium:automationName"]; !ok {
			out["appium:automationName"] = "UiAutomator2"
		}
		if d.SystemPort > 0 {
			out["appium:systemPort"] = d.SystemPort
		}
		if d.ChromeDriverPath != "" {
			out["appium:chromedriverExecutable"] = d.ChromeDriverPath
		}
	case model.PlatformIOS:
		if _, ok := out["appium:automationName"]; !ok {
			out["appium:automationName"] = "XCUITest"
		}
		if d.WDALocalPort > 0 {
			out["appium:wdaLocalPort"] = d.WDALocalPort
		}
	}
	return out
}

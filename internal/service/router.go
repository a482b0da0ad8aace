package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/metrics"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

// Releaser 转发失败时归还设备
type Releaser interface {
	Release(udid string) error
}

// ForwardedSession 节点（或云 hub）接受会话后的响应
type ForwardedSession struct {
	SessionID  string          `json:"sessionId"`
	Node       string          `json:"node"`
	StatusCode int             `json:"-"`
	Body       json.RawMessage `json:"-"`
}

// Router hub 将会话请求转发给真正持有设备的节点
type Router struct {
	releaser Releaser
	client   *http.Client
	timeout  time.Duration
	cloud    config.CloudConfig
	metrics  *metrics.Metrics
}

// NewRouter 创建转发器；timeout 为单次转发的上限
func NewRouter(releaser Releaser, timeout time.Duration, cloud config.CloudConfig, m *metrics.Metrics) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Router{
		releaser: releaser,
		client:   &http.Client{},
		timeout:  timeout,
		cloud:    cloud,
		metrics:  m,
	}
}

// sessionResponse 兼容 W3C 与旧版 JSONWP 两种会话响应
type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Value     struct {
		SessionID string `json:"sessionId"`
	} `json:"value"`
}

// Route 将会话创建请求转发到设备所属节点
//
// 每次分配只转发一次：节点拒绝或不可达时立即在本地释放设备并返回 NodeForwardingError，
// 不重新分配。转发使用独立超时，调用方断开不会中断已开始的转发。
func (r *Router) Route(ctx context.Context, req SessionRequest, device model.DeviceRecord) (*ForwardedSession, error) {
	log := logger.Component("router").WithField("udid", device.UDID).WithField("node", device.Host)

	body, err := json.Marshal(r.rewrite(req, device))
	if err != nil {
		return nil, r.fail(device, 0, "", fmt.Errorf("encode session request: %w", err))
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fctx, http.MethodPost, sessionURL(device.Host), bytes.NewReader(body))
	if err != nil {
		return nil, r.fail(device, 0, "", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	r.authorize(httpReq, device)

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, r.fail(device, 0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, r.fail(device, resp.StatusCode, "", fmt.Errorf("read node response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, r.fail(device, resp.StatusCode, truncate(string(raw), 512), nil)
	}

	var parsed sessionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, r.fail(device, resp.StatusCode, truncate(string(raw), 512), fmt.Errorf("decode node response: %w", err))
	}
	sessionID := parsed.Value.SessionID
	if sessionID == "" {
		sessionID = parsed.SessionID
	}
	if sessionID == "" {
		return nil, r.fail(device, resp.StatusCode, truncate(string(raw), 512), fmt.Errorf("node response carries no session id"))
	}

	log.WithField("session_id", sessionID).Infof("Session forwarded in %s", time.Since(start).Round(time.Millisecond))
	return &ForwardedSession{
		SessionID:  sessionID,
		Node:       device.Host,
		StatusCode: resp.StatusCode,
		Body:       raw,
	}, nil
}

// DeleteSession 通知节点结束会话
func (r *Router) DeleteSession(ctx context.Context, device model.DeviceRecord, sessionID string) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(fctx, http.MethodDelete, sessionURL(device.Host)+"/"+sessionID, nil)
	if err != nil {
		return err
	}
	r.authorize(httpReq, device)
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return &model.NodeForwardingError{Node: device.Host, UDID: device.UDID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &model.NodeForwardingError{Node: device.Host, UDID: device.UDID, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return nil
}

// rewrite 将设备固定到请求中，节点端按 udid 精确分配
//
// 旧版 desiredCapabilities 并入 alwaysMatch；请求自带的 udid/udids 全部移除，
// 否则节点可能从列表中分配另一台设备。
func (r *Router) rewrite(req SessionRequest, device model.DeviceRecord) SessionRequest {
	always := make(map[string]interface{}, len(req.DesiredCapabilities)+len(req.Capabilities.AlwaysMatch)+3)
	for k, v := range req.DesiredCapabilities {
		always[k] = v
	}
	for k, v := range req.Capabilities.AlwaysMatch {
		always[k] = v
	}
	stripUDIDs(always)
	always["appium:udid"] = device.UDID
	if device.SourceKind == model.SourceCloud {
		delete(always, "appium:udid")
		always["appium:deviceName"] = device.Name
		always["appium:platformVersion"] = device.SDK
	}

	out := SessionRequest{
		Capabilities: Capabilities{AlwaysMatch: always},
	}
	// firstMatch 中的 udid 会覆盖 alwaysMatch，需要同步改写
	for _, fm := range req.Capabilities.FirstMatch {
		m := make(map[string]interface{}, len(fm))
		for k, v := range fm {
			m[k] = v
		}
		stripUDIDs(m)
		out.Capabilities.FirstMatch = append(out.Capabilities.FirstMatch, m)
	}
	return out
}

func stripUDIDs(caps map[string]interface{}) {
	for _, k := range []string{"udid", "udids", "appium:udid", "appium:udids"} {
		delete(caps, k)
	}
}

func (r *Router) authorize(req *http.Request, device model.DeviceRecord) {
	if device.SourceKind == model.SourceCloud && r.cloud.Username != "" {
		req.SetBasicAuth(r.cloud.Username, r.cloud.AccessKey)
	}
}

// fail 释放设备并构造转发错误
func (r *Router) fail(device model.DeviceRecord, status int, body string, cause error) error {
	if err := r.releaser.Release(device.UDID); err != nil {
		logger.Component("router").WithError(err).WithField("udid", device.UDID).Warn("Failed to release device after forwarding failure")
	}
	r.metrics.IncForwardFailure()
	ferr := &model.NodeForwardingError{
		Node:       device.Host,
		UDID:       device.UDID,
		StatusCode: status,
		Body:       body,
		Err:        cause,
	}
	logger.Component("router").WithField("udid", device.UDID).WithError(ferr).Warn("Session forwarding failed, device released")
	return ferr
}

func sessionURL(host string) string {
	return strings.TrimRight(host, "/") + "/session"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

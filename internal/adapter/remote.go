package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
)

// DevicesPath 节点对外暴露的设备清单接口
const DevicesPath = "/device-farm/api/devices"

// RemoteNode 查询另一个实例的设备清单
type RemoteNode struct {
	baseURL string
	scope   Scope
	client  *http.Client
}

// NewRemoteNode 创建远端节点适配器
func NewRemoteNode(baseURL string, scope Scope, timeout time.Duration) *RemoteNode {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteNode{
		baseURL: strings.TrimRight(baseURL, "/"),
		scope:   scope,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name 适配器名称，包含节点地址以便区分来源
func (a *RemoteNode) Name() string { return string(model.SourceRemoteNode) + ":" + a.baseURL }

// Kind 来源类别
func (a *RemoteNode) Kind() model.SourceKind { return model.SourceRemoteNode }

// BaseURL 节点地址
func (a *RemoteNode) BaseURL() string { return a.baseURL }

// remoteResponse 节点接口的统一响应包
type remoteResponse struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Data    []model.DeviceRecord `json:"data"`
}

// Enumerate 拉取节点本机设备；节点转发的二级来源不再向上汇报，避免环路
//
// 节点上已占用或封禁的设备以离线状态登记，hub 不会再把它分配出去。
func (a *RemoteNode) Enumerate(ctx context.Context) ([]model.DeviceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+DevicesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: node %s returned %d: %s", model.ErrAdapterUnavailable, a.baseURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode node %s devices: %v", model.ErrAdapterUnavailable, a.baseURL, err)
	}

	snaps := make([]model.DeviceSnapshot, 0, len(payload.Data))
	for _, rec := range payload.Data {
		if !rec.SourceKind.IsLocal() {
			continue
		}
		if !a.scope.Accepts(rec.Platform, rec.DeviceType) {
			continue
		}
		host := rec.Host
		if host == "" || IsLocalHost(host) {
			// 节点以回环地址登记自身设备，从 hub 视角替换为节点地址
			host = a.baseURL
		}
		snaps = append(snaps, model.DeviceSnapshot{
			UDID:             rec.UDID,
			Platform:         rec.Platform,
			DeviceType:       rec.DeviceType,
			Name:             rec.Name,
			OSVersion:        rec.SDK,
			Host:             host,
			State:            rec.State,
			Source:           a.Name(),
			Kind:             model.SourceRemoteNode,
			SystemPort:       rec.SystemPort,
			WDALocalPort:     rec.WDALocalPort,
			ChromeDriverPath: rec.ChromeDriverPath,
			Unavailable:      rec.Busy || rec.UserBlocked,
		})
	}
	return filterValid(a.Name(), snaps), nil
}

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
)

// cloudDevice 云厂商设备目录条目
type cloudDevice struct {
	OS         string `json:"os"`
	OSVersion  string `json:"os_version"`
	Device     string `json:"device"`
	RealMobile bool   `json:"realMobile"`
}

// Cloud 查询云厂商设备目录
type Cloud struct {
	cfg    config.CloudConfig
	scope  Scope
	client *http.Client
}

// NewCloud 创建云设备适配器
func NewCloud(cfg config.CloudConfig, scope Scope, timeout time.Duration) *Cloud {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Cloud{cfg: cfg, scope: scope, client: &http.Client{Timeout: timeout}}
}

// Name 适配器名称
func (a *Cloud) Name() string {
	if a.cfg.Provider == "" {
		return string(model.SourceCloud)
	}
	return string(model.SourceCloud) + ":" + a.cfg.Provider
}

// Kind 来源类别
func (a *Cloud) Kind() model.SourceKind { return model.SourceCloud }

// Enumerate 拉取设备目录；udid 由设备名与系统版本合成
func (a *Cloud) Enumerate(ctx context.Context) ([]model.DeviceSnapshot, error) {
	if a.cfg.CatalogURL == "" || a.cfg.HubURL == "" {
		return nil, fmt.Errorf("%w: cloud catalog_url and hub_url are required", model.ErrAdapterUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.CatalogURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
	}
	if a.cfg.Username != "" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.AccessKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: cloud catalog returned %d: %s", model.ErrAdapterUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var catalog []cloudDevice
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("%w: decode cloud catalog: %v", model.ErrAdapterUnavailable, err)
	}

	hub := strings.TrimRight(a.cfg.HubURL, "/")
	seen := make(map[string]bool, len(catalog))
	snaps := make([]model.DeviceSnapshot, 0, len(catalog))
	for _, d := range catalog {
		platform, err := model.ParsePlatform(d.OS)
		if err != nil {
			continue
		}
		deviceType := model.DeviceTypeReal
		if !d.RealMobile {
			if platform == model.PlatformAndroid {
				deviceType = model.DeviceTypeEmulator
			} else {
				deviceType = model.DeviceTypeSimulator
			}
		}
		if !a.scope.Accepts(platform, deviceType) {
			continue
		}
		udid := CloudUDID(d.Device, d.OSVersion)
		if seen[udid] {
			continue
		}
		seen[udid] = true
		snaps = append(snaps, model.DeviceSnapshot{
			UDID:       udid,
			Platform:   platform,
			DeviceType: deviceType,
			Name:       d.Device,
			OSVersion:  d.OSVersion,
			Host:       hub,
			Source:     a.Name(),
			Kind:       model.SourceCloud,
		})
	}
	return filterValid(a.Name(), snaps), nil
}

// CloudUDID 云设备合成 udid，例如 "Google Pixel 7_13.0"
func CloudUDID(device, osVersion string) string {
	return strings.TrimSpace(device) + "_" + strings.TrimSpace(osVersion)
}

// CloudCredentials 会话转发到云 hub 时的认证信息
func (a *Cloud) CloudCredentials() (string, string) {
	return a.cfg.Username, a.cfg.AccessKey
}

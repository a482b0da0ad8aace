// Package adapter 设备来源适配器：每个适配器负责从一个来源（本机 adb、本机
// simctl、远端节点、云厂商）枚举当前可见设备，并以统一的快照格式上报。
package adapter

import (
	"context"
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

// Adapter 设备来源
//
// Enumerate 返回本次可见设备的完整快照；来源暂不可用时返回包装
// model.ErrAdapterUnavailable 的错误，由同步流程决定如何处置。
type Adapter interface {
	Name() string
	Kind() model.SourceKind
	Enumerate(ctx context.Context) ([]model.DeviceSnapshot, error)
}

// IsLocalHost 判断地址是否指向本机（localhost 或回环 IP）
func IsLocalHost(raw string) bool {
	host := hostOf(raw)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// hostOf 提取主机名，兼容不带 scheme 的写法
func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// filterValid 丢弃非法快照并记录原因
func filterValid(name string, snaps []model.DeviceSnapshot) []model.DeviceSnapshot {
	out := snaps[:0]
	for _, s := range snaps {
		if err := s.Validate(); err != nil {
			logger.Component("adapter").WithField("adapter", name).WithError(err).Warn("Dropping invalid device snapshot")
			continue
		}
		out = append(out, s)
	}
	return out
}

// sortSnapshots 按系统版本、名称、udid 排序，保证登记顺序稳定
func sortSnapshots(snaps []model.DeviceSnapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if a.OSVersion != b.OSVersion {
			return a.OSVersion < b.OSVersion
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.UDID < b.UDID
	})
}

package model

import (
	"encoding/json"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/util"
)

// DeviceTypePolicy 设备类型策略：real | simulated | both
type DeviceTypePolicy string

const (
	PolicyReal      DeviceTypePolicy = "real"
	PolicySimulated DeviceTypePolicy = "simulated"
	PolicyBoth      DeviceTypePolicy = "both"
)

// Allows 判断策略是否允许该设备类型
func (p DeviceTypePolicy) Allows(t DeviceType) bool {
	switch p {
	case PolicyReal:
		return t == DeviceTypeReal
	case PolicySimulated:
		return t.IsSimulated()
	}
	return true
}

// FormFactor iOS 设备形态
type FormFactor string

const (
	FormFactorIPhone FormFactor = "iphone"
	FormFactorIPad   FormFactor = "ipad"
	FormFactorTV     FormFactor = "tv"
)

// IsAppleTV tvOS 设备：tvOS 模拟器或名称以 Apple TV 开头的真机
func (d *DeviceRecord) IsAppleTV() bool {
	return d.DeviceType == DeviceTypeTVSimulator || hasPrefixFold(d.Name, "Apple TV")
}

// matchesFormFactor 未指定形态的 iOS 请求不会落到 Apple TV 上
func (f CapabilityFilter) matchesFormFactor(d *DeviceRecord) bool {
	if f.Platform != PlatformIOS {
		return true
	}
	switch f.FormFactor {
	case FormFactorTV:
		return d.IsAppleTV()
	case FormFactorIPhone:
		return !d.IsAppleTV() && hasPrefixFold(d.Name, "iPhone")
	case FormFactorIPad:
		return !d.IsAppleTV() && hasPrefixFold(d.Name, "iPad")
	}
	return !d.IsAppleTV()
}

// CapabilityFilter 会话请求派生的设备过滤条件（每次请求构造，不持久化）
//
// Busy/UserBlocked 固定为 false，仅用于错误信息中完整展示过滤条件。
type CapabilityFilter struct {
	Platform        Platform   `json:"platform"`
	Name            string     `json:"name,omitempty"`
	FormFactor      FormFactor `json:"formFactor,omitempty"`
	DeviceType      DeviceType `json:"deviceType,omitempty"`
	UDIDs           []string   `json:"udid,omitempty"`
	PlatformVersion string     `json:"platformVersion,omitempty"`
	MinSDK          string     `json:"minSDK,omitempty"`
	MaxSDK          string     `json:"maxSDK,omitempty"`
	Busy            bool       `json:"busy"`
	UserBlocked     bool       `json:"userBlocked"`
}

// Matches 设备是否满足过滤条件（含空闲、未封禁、在线）
func (f CapabilityFilter) Matches(d *DeviceRecord) bool {
	if d == nil || !d.Available() {
		return false
	}
	return f.MatchesAttributes(d)
}

// MatchesAttributes 仅比较能力属性，不看会话状态
func (f CapabilityFilter) MatchesAttributes(d *DeviceRecord) bool {
	if d.Platform != f.Platform {
		return false
	}
	if f.DeviceType != "" && d.DeviceType != f.DeviceType {
		return false
	}
	if !f.matchesFormFactor(d) {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(d.Name), strings.ToLower(f.Name)) {
		return false
	}
	if len(f.UDIDs) > 0 && !containsString(f.UDIDs, d.UDID) {
		return false
	}
	if f.PlatformVersion != "" && !versionHasPrefix(d.SDK, f.PlatformVersion) {
		return false
	}
	if f.MinSDK != "" && util.CompareVersions(d.SDK, f.MinSDK) < 0 {
		return false
	}
	if f.MaxSDK != "" && util.CompareVersions(d.SDK, f.MaxSDK) > 0 {
		return false
	}
	return true
}

// String 以 JSON 形式输出，便于诊断
func (f CapabilityFilter) String() string {
	b, err := json.Marshal(f)
	if err != nil {
		return string(f.Platform)
	}
	return string(b)
}

func hasPrefixFold(s, prefix string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// versionHasPrefix "14.2" 匹配 "14.2" 与 "14.2.1"，不匹配 "14.20"
func versionHasPrefix(version, prefix string) bool {
	version = strings.TrimSpace(version)
	prefix = strings.TrimSpace(prefix)
	if version == prefix {
		return true
	}
	return strings.HasPrefix(version, prefix+".")
}

package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
)

// Capabilities W3C 会话能力
type Capabilities struct {
	AlwaysMatch map[string]interface{}   `json:"alwaysMatch,omitempty"`
	FirstMatch  []map[string]interface{} `json:"firstMatch,omitempty"`
}

// SessionRequest 会话创建请求体
type SessionRequest struct {
	Capabilities        Capabilities           `json:"capabilities"`
	DesiredCapabilities map[string]interface{} `json:"desiredCapabilities,omitempty"`
}

// Merged 合并能力：desiredCapabilities < alwaysMatch < firstMatch[0]
func (r SessionRequest) Merged() map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range r.DesiredCapabilities {
		out[k] = v
	}
	for k, v := range r.Capabilities.AlwaysMatch {
		out[k] = v
	}
	if len(r.Capabilities.FirstMatch) > 0 {
		for k, v := range r.Capabilities.FirstMatch[0] {
			out[k] = v
		}
	}
	return out
}

// FarmPolicy 本实例服务范围
type FarmPolicy struct {
	// Platform android | ios | both
	Platform string
	Android  model.DeviceTypePolicy
	IOS      model.DeviceTypePolicy
}

// PolicyFromConfig 由配置构造服务范围
func PolicyFromConfig(cfg *config.Config) FarmPolicy {
	return FarmPolicy{
		Platform: cfg.Farm.Platform,
		Android:  model.DeviceTypePolicy(cfg.Farm.AndroidDeviceType),
		IOS:      model.DeviceTypePolicy(cfg.Farm.IOSDeviceType),
	}
}

// Serves 是否服务该平台
func (p FarmPolicy) Serves(platform model.Platform) bool {
	return p.Platform == "both" || p.Platform == string(platform)
}

// For 平台对应的设备类型策略
func (p FarmPolicy) For(platform model.Platform) model.DeviceTypePolicy {
	if platform == model.PlatformIOS {
		return p.IOS
	}
	return p.Android
}

// appKind 应用包类型
type appKind int

const (
	appUnknown appKind = iota
	appSimulator
	appReal
)

func classifyApp(app string) appKind {
	app = strings.ToLower(strings.TrimSpace(app))
	// 去掉 URL 查询参数
	if i := strings.IndexAny(app, "?#"); i >= 0 {
		app = app[:i]
	}
	switch {
	case strings.HasSuffix(app, ".app"), strings.HasSuffix(app, ".zip"):
		return appSimulator
	case strings.HasSuffix(app, ".ipa"):
		return appReal
	}
	return appUnknown
}

// BuildFilter 由会话能力构造设备过滤条件；请求在结构上不可能满足时返回 CapabilityMismatch
func BuildFilter(caps map[string]interface{}, policy FarmPolicy) (model.CapabilityFilter, error) {
	var filter model.CapabilityFilter

	rawPlatform := strings.ToLower(capString(caps, "platformName"))
	if rawPlatform == "" {
		return filter, model.NewCapabilityMismatch("platformName capability is required")
	}
	tvOS := rawPlatform == "tvos"
	if tvOS {
		rawPlatform = string(model.PlatformIOS)
	}
	platform, err := model.ParsePlatform(rawPlatform)
	if err != nil {
		return filter, model.NewCapabilityMismatch("unsupported platformName %q", capString(caps, "platformName"))
	}
	if !policy.Serves(platform) {
		return filter, model.NewCapabilityMismatch("platform %s is not served by this device farm (configured platform: %s)", platform, policy.Platform)
	}
	filter.Platform = platform

	typePolicy := policy.For(platform)
	switch platform {
	case model.PlatformIOS:
		kind := classifyApp(capString(caps, "app"))
		if typePolicy == model.PolicySimulated && kind == appReal {
			return filter, model.NewCapabilityMismatch(`iosDeviceType value is set to "simulated" but app provided is not suitable for simulator device.`)
		}
		if typePolicy == model.PolicyReal && kind == appSimulator {
			return filter, model.NewCapabilityMismatch(`iosDeviceType value is set to "real" but app provided is not suitable for real device.`)
		}
		switch {
		case typePolicy == model.PolicyReal || kind == appReal:
			filter.DeviceType = model.DeviceTypeReal
		case typePolicy == model.PolicySimulated || kind == appSimulator:
			filter.DeviceType = model.DeviceTypeSimulator
		}
		if tvOS {
			filter.FormFactor = model.FormFactorTV
			if filter.DeviceType == model.DeviceTypeSimulator {
				filter.DeviceType = model.DeviceTypeTVSimulator
			}
		}

		iPhoneOnly := capBool(caps, "iPhoneOnly")
		iPadOnly := capBool(caps, "iPadOnly")
		if iPhoneOnly && iPadOnly {
			return filter, model.NewCapabilityMismatch("iPhoneOnly and iPadOnly cannot both be set")
		}
		if tvOS && (iPhoneOnly || iPadOnly) {
			return filter, model.NewCapabilityMismatch("iPhoneOnly/iPadOnly cannot be combined with platformName tvOS")
		}
		if iPhoneOnly {
			filter.FormFactor = model.FormFactorIPhone
		} else if iPadOnly {
			filter.FormFactor = model.FormFactorIPad
		}
	case model.PlatformAndroid:
		switch typePolicy {
		case model.PolicyReal:
			filter.DeviceType = model.DeviceTypeReal
		case model.PolicySimulated:
			filter.DeviceType = model.DeviceTypeEmulator
		}
	}

	// deviceName 与 iPhoneOnly/iPadOnly 可同时生效
	filter.Name = capString(caps, "deviceName")
	filter.UDIDs = capList(caps, "udids")
	if udid := capString(caps, "udid"); udid != "" {
		filter.UDIDs = append(filter.UDIDs, udid)
	}
	filter.PlatformVersion = capString(caps, "platformVersion")
	filter.MinSDK = capString(caps, "minSDK")
	filter.MaxSDK = capString(caps, "maxSDK")
	return filter, nil
}

// ValidateFilter 校验过滤条件与服务范围是否兼容（分配前快速失败）
func ValidateFilter(filter model.CapabilityFilter, policy FarmPolicy) error {
	if !policy.Serves(filter.Platform) {
		return &model.CapabilityMismatchError{
			Reason: fmt.Sprintf("platform %s is not served by this device farm (configured platform: %s)", filter.Platform, policy.Platform),
			Filter: &filter,
		}
	}
	if filter.DeviceType != "" {
		if !filter.DeviceType.ValidFor(filter.Platform) {
			return &model.CapabilityMismatchError{
				Reason: fmt.Sprintf("device type %s is not valid for platform %s", filter.DeviceType, filter.Platform),
				Filter: &filter,
			}
		}
		if p := policy.For(filter.Platform); !p.Allows(filter.DeviceType) {
			return &model.CapabilityMismatchError{
				Reason: fmt.Sprintf("%s device type %s requested but this device farm only serves %q devices", filter.Platform, filter.DeviceType, p),
				Filter: &filter,
			}
		}
	}
	return nil
}

// AvailabilityOptions 读取设备等待超时与重试间隔（毫秒），缺省使用配置
func AvailabilityOptions(caps map[string]interface{}, defTimeout, defRetry time.Duration) (time.Duration, time.Duration) {
	timeout, retry := defTimeout, defRetry
	if ms, ok := capInt(caps, "deviceAvailabilityTimeout"); ok && ms >= 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := capInt(caps, "deviceRetryInterval"); ok && ms > 0 {
		retry = time.Duration(ms) * time.Millisecond
	}
	return timeout, retry
}

// capValue 先查 appium: 前缀，再查裸键
func capValue(caps map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := caps["appium:"+key]; ok && v != nil {
		return v, true
	}
	if v, ok := caps[key]; ok && v != nil {
		return v, true
	}
	return nil, false
}

func capString(caps map[string]interface{}, key string) string {
	v, ok := capValue(caps, key)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func capBool(caps map[string]interface{}, key string) bool {
	v, ok := capValue(caps, key)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}

func capInt(caps map[string]interface{}, key string) (int64, bool) {
	v, ok := capValue(caps, key)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// capList 支持 JSON 数组或逗号分隔字符串
func capList(caps map[string]interface{}, key string) []string {
	v, ok := capValue(caps, key)
	if !ok {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

package adapter

import (
	"github.com/devicefarmpro/devicefarmpro/internal/model"
)

// Scope 本实例服务的平台及各平台设备类型策略
type Scope map[model.Platform]model.DeviceTypePolicy

// NewScope 由平台配置（android | ios | both）与两个类型策略构造
func NewScope(platform string, android, ios model.DeviceTypePolicy) Scope {
	s := Scope{}
	if platform == "android" || platform == "both" {
		s[model.PlatformAndroid] = android
	}
	if platform == "ios" || platform == "both" {
		s[model.PlatformIOS] = ios
	}
	return s
}

// Accepts 快照是否落在服务范围内
func (s Scope) Accepts(platform model.Platform, deviceType model.DeviceType) bool {
	policy, ok := s[platform]
	if !ok {
		return false
	}
	return policy.Allows(deviceType)
}

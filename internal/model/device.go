package model

import (
	"fmt"
	"strings"
	"time"
)

// Platform 设备平台
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// ParsePlatform 解析平台名（大小写不敏感）
func ParsePlatform(s string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformAndroid:
		return PlatformAndroid, nil
	case PlatformIOS:
		return PlatformIOS, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// DeviceType 设备类型
type DeviceType string

const (
	DeviceTypeReal        DeviceType = "real"
	DeviceTypeEmulator    DeviceType = "emulator"
	DeviceTypeSimulator   DeviceType = "simulator"
	DeviceTypeTVSimulator DeviceType = "tvsimulator"
)

// IsSimulated 是否为模拟器/仿真器
func (t DeviceType) IsSimulated() bool {
	return t == DeviceTypeEmulator || t == DeviceTypeSimulator || t == DeviceTypeTVSimulator
}

// ValidFor 判断设备类型与平台是否匹配
func (t DeviceType) ValidFor(p Platform) bool {
	switch p {
	case PlatformAndroid:
		return t == DeviceTypeReal || t == DeviceTypeEmulator
	case PlatformIOS:
		return t == DeviceTypeReal || t == DeviceTypeSimulator || t == DeviceTypeTVSimulator
	}
	return false
}

// SourceKind 设备来源类别
type SourceKind string

const (
	SourceLocalAndroid SourceKind = "local-android"
	SourceLocalIOS     SourceKind = "local-ios"
	SourceRemoteNode   SourceKind = "remote-node"
	SourceCloud        SourceKind = "cloud"
)

// IsLocal 本地来源：枚举结果权威，缺席即移除
func (k SourceKind) IsLocal() bool {
	return k == SourceLocalAndroid || k == SourceLocalIOS
}

// DeviceSnapshot 适配器单次枚举上报的设备
type DeviceSnapshot struct {
	UDID       string     `json:"udid"`
	Platform   Platform   `json:"platform"`
	DeviceType DeviceType `json:"device_type"`
	Name       string     `json:"name"`
	OSVersion  string     `json:"os_version"`
	Host       string     `json:"host"`
	State      string     `json:"state,omitempty"`
	// Source 适配器名称，Kind 为其类别
	Source string     `json:"source"`
	Kind   SourceKind `json:"kind"`
	// 远端节点已分配的端口原样保留
	SystemPort       int    `json:"system_port,omitempty"`
	WDALocalPort     int    `json:"wda_local_port,omitempty"`
	ChromeDriverPath string `json:"chrome_driver_path,omitempty"`
	// Unavailable 节点侧已占用或封禁，登记为离线
	Unavailable bool `json:"unavailable,omitempty"`
}

// Validate 在适配器边界校验快照，非法数据不进入存储
func (s DeviceSnapshot) Validate() error {
	if strings.TrimSpace(s.UDID) == "" {
		return fmt.Errorf("snapshot from %s: empty udid", s.Source)
	}
	if _, err := ParsePlatform(string(s.Platform)); err != nil {
		return fmt.Errorf("snapshot %s: %w", s.UDID, err)
	}
	if !s.DeviceType.ValidFor(s.Platform) {
		return fmt.Errorf("snapshot %s: device type %q not valid for %s", s.UDID, s.DeviceType, s.Platform)
	}
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("snapshot %s: empty host", s.UDID)
	}
	if s.Platform == PlatformAndroid && s.WDALocalPort != 0 {
		return fmt.Errorf("snapshot %s: android device cannot carry wda port", s.UDID)
	}
	if s.Platform == PlatformIOS && (s.SystemPort != 0 || s.ChromeDriverPath != "") {
		return fmt.Errorf("snapshot %s: ios device cannot carry android attributes", s.UDID)
	}
	return nil
}

// DeviceRecord 设备记录（设备清单唯一事实来源，持久化到 devices 表）
//
// 会话状态（Busy/SessionStartTime/SessionID/TotalUtilizationTimeMilliSec）只由分配器与
// 过期回收修改；同步流程只刷新静态属性。
type DeviceRecord struct {
	UDID       string     `json:"udid" gorm:"primaryKey;type:varchar(128)"`
	Platform   Platform   `json:"platform" gorm:"type:varchar(16);not null;index"`
	DeviceType DeviceType `json:"device_type" gorm:"type:varchar(16);not null"`
	Name       string     `json:"name" gorm:"type:varchar(128)"`
	SDK        string     `json:"sdk" gorm:"type:varchar(32)"`
	State      string     `json:"state,omitempty" gorm:"type:varchar(32)"`
	Host       string     `json:"host" gorm:"type:varchar(255);not null"`
	Source     string     `json:"source" gorm:"type:varchar(255);index"`
	SourceKind SourceKind `json:"source_kind" gorm:"type:varchar(32)"`

	SystemPort       int    `json:"system_port,omitempty"`
	WDALocalPort     int    `json:"wda_local_port,omitempty"`
	ChromeDriverPath string `json:"chrome_driver_path,omitempty" gorm:"type:text"`

	Busy        bool `json:"busy" gorm:"not null;default:false"`
	UserBlocked bool `json:"user_blocked" gorm:"not null;default:false"`
	// Offline 远端/云设备暂时不可达，等待重试期间不参与分配
	Offline     bool   `json:"offline" gorm:"not null;default:false"`
	MissedPolls int    `json:"missed_polls" gorm:"not null;default:0"`
	SessionID   string `json:"session_id,omitempty" gorm:"type:varchar(128);index"`
	// SessionStartTime 毫秒时间戳，空闲时为 0
	SessionStartTime             int64 `json:"session_start_time"`
	TotalUtilizationTimeMilliSec int64 `json:"total_utilization_time_ms"`

	// Seq 首次登记顺序，分配时按此顺序"先发现先分配"
	Seq       uint64    `json:"-" gorm:"index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 表名
func (DeviceRecord) TableName() string {
	return "devices"
}

// IsLocal 设备是否由本实例直接驱动
func (d *DeviceRecord) IsLocal() bool {
	return d.SourceKind.IsLocal()
}

// Available 可分配：空闲、未封禁、在线
func (d *DeviceRecord) Available() bool {
	return !d.Busy && !d.UserBlocked && !d.Offline
}

// RecordFromSnapshot 由快照构造新的空闲设备记录
func RecordFromSnapshot(s DeviceSnapshot) DeviceRecord {
	return DeviceRecord{
		UDID:             s.UDID,
		Platform:         s.Platform,
		DeviceType:       s.DeviceType,
		Name:             s.Name,
		SDK:              s.OSVersion,
		State:            s.State,
		Host:             s.Host,
		Source:           s.Source,
		SourceKind:       s.Kind,
		SystemPort:       s.SystemPort,
		WDALocalPort:     s.WDALocalPort,
		ChromeDriverPath: s.ChromeDriverPath,
		Offline:          s.Unavailable,
	}
}

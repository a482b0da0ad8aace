package adapter

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/util"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

var chromeVersionPattern = regexp.MustCompile(`versionName=([\d.]+)`)

// DriverResolver 按浏览器主版本返回 chromedriver 可执行文件路径
type DriverResolver interface {
	Resolve(ctx context.Context, browserMajor int) (string, error)
}

// AndroidOptions 本机 Android 适配器参数
type AndroidOptions struct {
	Host               string
	Policy             model.DeviceTypePolicy
	SDKRoot            string
	SkipChromeDownload bool
}

// LocalAndroid 通过 adb 枚举已连接的 Android 设备
type LocalAndroid struct {
	runner  Runner
	opts    AndroidOptions
	drivers DriverResolver

	mutex sync.Mutex
	// details 已查询过的设备属性，避免每轮重复 getprop
	details map[string]model.DeviceSnapshot
}

// NewLocalAndroid 创建适配器；drivers 为 nil 时不解析 chromedriver
func NewLocalAndroid(runner Runner, opts AndroidOptions, drivers DriverResolver) *LocalAndroid {
	return &LocalAndroid{
		runner:  runner,
		opts:    opts,
		drivers: drivers,
		details: make(map[string]model.DeviceSnapshot),
	}
}

// Name 适配器名称
func (a *LocalAndroid) Name() string { return string(model.SourceLocalAndroid) }

// Kind 来源类别
func (a *LocalAndroid) Kind() model.SourceKind { return model.SourceLocalAndroid }

// Enumerate 枚举设备
func (a *LocalAndroid) Enumerate(ctx context.Context) ([]model.DeviceSnapshot, error) {
	if !a.runner.Remote() {
		if err := a.requireSDKRoot(); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
		}
	}

	out, err := a.runner.Run(ctx, "adb", "devices")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrAdapterUnavailable, err)
	}
	connected := parseADBDevices(out)

	snaps := make([]model.DeviceSnapshot, 0, len(connected))
	seen := make(map[string]bool, len(connected))
	for _, dev := range connected {
		seen[dev.udid] = true
		snap, err := a.describe(ctx, dev.udid, dev.state)
		if err != nil {
			// 单台设备查询失败不影响其他设备，下轮再试
			logger.Component("adapter").WithError(err).WithField("udid", dev.udid).Warn("Failed to query android device properties")
			continue
		}
		if !a.opts.Policy.Allows(snap.DeviceType) {
			continue
		}
		snaps = append(snaps, snap)
	}

	a.mutex.Lock()
	for udid := range a.details {
		if !seen[udid] {
			delete(a.details, udid)
		}
	}
	a.mutex.Unlock()

	return filterValid(a.Name(), snaps), nil
}

// describe 查询设备属性（命中缓存时只刷新状态）
func (a *LocalAndroid) describe(ctx context.Context, udid, state string) (model.DeviceSnapshot, error) {
	a.mutex.Lock()
	cached, ok := a.details[udid]
	a.mutex.Unlock()
	if ok {
		cached.State = state
		return cached, nil
	}

	sdk, err := a.getprop(ctx, udid, "ro.build.version.release")
	if err != nil {
		return model.DeviceSnapshot{}, err
	}
	characteristics, err := a.getprop(ctx, udid, "ro.build.characteristics")
	if err != nil {
		return model.DeviceSnapshot{}, err
	}
	name, err := a.getprop(ctx, udid, "ro.product.name")
	if err != nil {
		return model.DeviceSnapshot{}, err
	}

	deviceType := model.DeviceTypeReal
	if strings.Contains(characteristics, "emulator") {
		deviceType = model.DeviceTypeEmulator
	}

	snap := model.DeviceSnapshot{
		UDID:             udid,
		Platform:         model.PlatformAndroid,
		DeviceType:       deviceType,
		Name:             name,
		OSVersion:        sdk,
		Host:             a.opts.Host,
		State:            state,
		Source:           a.Name(),
		Kind:             model.SourceLocalAndroid,
		ChromeDriverPath: a.chromeDriver(ctx, udid),
	}

	a.mutex.Lock()
	a.details[udid] = snap
	a.mutex.Unlock()
	return snap, nil
}

// chromeDriver 读取设备上 Chrome 版本并解析匹配的驱动；失败只告警
func (a *LocalAndroid) chromeDriver(ctx context.Context, udid string) string {
	if a.opts.SkipChromeDownload {
		logger.Component("adapter").WithField("udid", udid).Debug("Chromedriver download skipped, web/hybrid testing unavailable")
		return ""
	}
	if a.drivers == nil {
		return ""
	}
	out, err := a.runner.Run(ctx, "adb", "-s", udid, "shell", "dumpsys", "package", "com.android.chrome")
	if err != nil {
		logger.Component("adapter").WithError(err).WithField("udid", udid).Warn("Failed to dump chrome package info")
		return ""
	}
	m := chromeVersionPattern.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	major := util.MajorVersion(m[1])
	if major == 0 {
		return ""
	}
	path, err := a.drivers.Resolve(ctx, major)
	if err != nil {
		logger.Component("adapter").WithError(err).WithFields(map[string]interface{}{
			"udid":   udid,
			"chrome": m[1],
		}).Warn("Failed to resolve chromedriver")
		return ""
	}
	return path
}

func (a *LocalAndroid) getprop(ctx context.Context, udid, prop string) (string, error) {
	out, err := a.runner.Run(ctx, "adb", "-s", udid, "shell", "getprop", prop)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// requireSDKRoot 本机执行时要求 Android SDK 目录存在
func (a *LocalAndroid) requireSDKRoot() error {
	root := a.opts.SDKRoot
	if root == "" {
		root = os.Getenv("ANDROID_HOME")
	}
	if root == "" {
		root = os.Getenv("ANDROID_SDK_ROOT")
	}
	if root == "" {
		return fmt.Errorf("neither ANDROID_HOME nor ANDROID_SDK_ROOT is set")
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("android sdk root %q does not exist", root)
	}
	if !info.IsDir() {
		return fmt.Errorf("android sdk root %q must be a folder", root)
	}
	return nil
}

type adbDevice struct {
	udid  string
	state string
}

// parseADBDevices 按输出顺序解析 `adb devices`，仅保留 device 状态
func parseADBDevices(out string) []adbDevice {
	var devices []adbDevice
	for _, line := range util.Lines(out) {
		if strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "device" {
			devices = append(devices, adbDevice{udid: fields[0], state: fields[1]})
		}
	}
	return devices
}

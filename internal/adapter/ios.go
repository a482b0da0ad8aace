package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/util"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

const runtimePrefix = "com.apple.CoreSimulator.SimRuntime."

// IOSOptions 本机 iOS 适配器参数
type IOSOptions struct {
	Host   string
	Policy model.DeviceTypePolicy
}

// LocalIOS 通过 simctl 枚举模拟器，通过 libimobiledevice 枚举真机
type LocalIOS struct {
	runner Runner
	opts   IOSOptions
	goos   string
}

// NewLocalIOS 创建适配器
func NewLocalIOS(runner Runner, opts IOSOptions) *LocalIOS {
	return &LocalIOS{runner: runner, opts: opts, goos: runtime.GOOS}
}

// Name 适配器名称
func (a *LocalIOS) Name() string { return string(model.SourceLocalIOS) }

// Kind 来源类别
func (a *LocalIOS) Kind() model.SourceKind { return model.SourceLocalIOS }

// Enumerate 枚举设备；模拟器与真机任一来源可用即视为成功
func (a *LocalIOS) Enumerate(ctx context.Context) ([]model.DeviceSnapshot, error) {
	if !a.runner.Remote() && a.goos != "darwin" {
		return nil, fmt.Errorf("%w: iOS devices require macOS, running on %s", model.ErrAdapterUnavailable, a.goos)
	}

	var (
		snaps    []model.DeviceSnapshot
		failures []string
		tried    int
	)
	if a.opts.Policy != model.PolicyReal {
		tried++
		sims, err := a.simulators(ctx)
		if err != nil {
			failures = append(failures, err.Error())
		}
		snaps = append(snaps, sims...)
	}
	if a.opts.Policy != model.PolicySimulated {
		tried++
		reals, err := a.realDevices(ctx)
		if err != nil {
			failures = append(failures, err.Error())
		}
		snaps = append(snaps, reals...)
	}

	if tried > 0 && len(failures) == tried {
		return nil, fmt.Errorf("%w: %s", model.ErrAdapterUnavailable, strings.Join(failures, "; "))
	}
	for _, f := range failures {
		logger.Component("adapter").WithField("adapter", a.Name()).Warn("Partial iOS enumeration: " + f)
	}
	return filterValid(a.Name(), snaps), nil
}

type simctlDevice struct {
	UDID        string `json:"udid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	IsAvailable *bool  `json:"isAvailable"`
}

type simctlList struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

// simulators 解析 `xcrun simctl list devices --json`
func (a *LocalIOS) simulators(ctx context.Context) ([]model.DeviceSnapshot, error) {
	out, err := a.runner.Run(ctx, "xcrun", "simctl", "list", "devices", "--json")
	if err != nil {
		return nil, err
	}
	var list simctlList
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		return nil, fmt.Errorf("parse simctl output: %w", err)
	}

	var snaps []model.DeviceSnapshot
	for key, devices := range list.Devices {
		family, version, ok := parseRuntime(key)
		if !ok {
			continue
		}
		deviceType := model.DeviceTypeSimulator
		switch family {
		case "tvOS":
			deviceType = model.DeviceTypeTVSimulator
		case "iOS":
		default:
			// watchOS 等不受支持
			continue
		}
		for _, d := range devices {
			if d.IsAvailable != nil && !*d.IsAvailable {
				continue
			}
			snaps = append(snaps, model.DeviceSnapshot{
				UDID:       d.UDID,
				Platform:   model.PlatformIOS,
				DeviceType: deviceType,
				Name:       d.Name,
				OSVersion:  version,
				Host:       a.opts.Host,
				State:      d.State,
				Source:     a.Name(),
				Kind:       model.SourceLocalIOS,
			})
		}
	}
	sortSnapshots(snaps)
	return snaps, nil
}

// realDevices 通过 idevice_id / ideviceinfo 枚举 USB 连接的真机
func (a *LocalIOS) realDevices(ctx context.Context) ([]model.DeviceSnapshot, error) {
	out, err := a.runner.Run(ctx, "idevice_id", "-l")
	if err != nil {
		return nil, err
	}
	var snaps []model.DeviceSnapshot
	for _, udid := range util.Lines(out) {
		version, err := a.runner.Run(ctx, "ideviceinfo", "-u", udid, "-k", "ProductVersion")
		if err != nil {
			logger.Component("adapter").WithError(err).WithField("udid", udid).Warn("Failed to query iOS device version")
			continue
		}
		name, err := a.runner.Run(ctx, "ideviceinfo", "-u", udid, "-k", "DeviceName")
		if err != nil {
			name = udid
		}
		snaps = append(snaps, model.DeviceSnapshot{
			UDID:       udid,
			Platform:   model.PlatformIOS,
			DeviceType: model.DeviceTypeReal,
			Name:       strings.TrimSpace(name),
			OSVersion:  strings.TrimSpace(version),
			Host:       a.opts.Host,
			State:      "Connected",
			Source:     a.Name(),
			Kind:       model.SourceLocalIOS,
		})
	}
	return snaps, nil
}

// parseRuntime "com.apple.CoreSimulator.SimRuntime.iOS-17-0" -> ("iOS", "17.0")
func parseRuntime(key string) (family, version string, ok bool) {
	rest := strings.TrimPrefix(key, runtimePrefix)
	idx := strings.Index(rest, "-")
	if idx <= 0 {
		return "", "", false
	}
	return rest[:idx], strings.ReplaceAll(rest[idx+1:], "-", "."), true
}

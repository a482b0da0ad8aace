package adapter

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/devicefarmpro/devicefarmpro/pkg/ssh"
)

// NodeLister 提供动态注册的节点地址（hub 模式）
type NodeLister interface {
	LiveNodeURLs() []string
}

// Set 当前生效的适配器集合
type Set struct {
	mutex   sync.Mutex
	static  []Adapter
	remotes map[string]*RemoteNode
	nodes   NodeLister
	scope   Scope
	timeout time.Duration
	pool    *ssh.Pool
}

// Build 按配置构造适配器集合
//
// farm.remote 中的回环地址表示枚举本机设备，其余地址按远端节点查询；
// nodes 非空时额外纳入已注册且存活的节点。
func Build(cfg *config.Config, drivers DriverResolver, nodes NodeLister) *Set {
	scope := NewScope(cfg.Farm.Platform,
		model.DeviceTypePolicy(cfg.Farm.AndroidDeviceType),
		model.DeviceTypePolicy(cfg.Farm.IOSDeviceType))

	s := &Set{
		remotes: make(map[string]*RemoteNode),
		nodes:   nodes,
		scope:   scope,
		timeout: cfg.Reconcile.AdapterTimeout,
	}

	local := false
	for _, host := range cfg.Farm.Remote {
		if IsLocalHost(host) {
			local = true
			continue
		}
		base := normalizeURL(host)
		if base == "" || s.remotes[base] != nil {
			continue
		}
		s.remotes[base] = NewRemoteNode(base, scope, s.timeout)
	}

	if local {
		if policy, ok := scope[model.PlatformAndroid]; ok {
			s.static = append(s.static, NewLocalAndroid(s.runnerFor(cfg.Android.SSH), AndroidOptions{
				Host:               cfg.Server.PublicURL,
				Policy:             policy,
				SDKRoot:            cfg.Android.SDKRoot,
				SkipChromeDownload: cfg.Farm.SkipChromeDownload,
			}, drivers))
		}
		if policy, ok := scope[model.PlatformIOS]; ok {
			s.static = append(s.static, NewLocalIOS(s.runnerFor(cfg.IOS.SSH), IOSOptions{
				Host:   cfg.Server.PublicURL,
				Policy: policy,
			}))
		}
	}

	if cfg.Cloud.Enabled {
		s.static = append(s.static, NewCloud(cfg.Cloud, scope, s.timeout))
	}
	return s
}

// runnerFor SSH 已配置时在实验室主机上执行，否则本机执行
func (s *Set) runnerFor(sshCfg config.SSHConfig) Runner {
	if !sshCfg.Enabled() {
		return &LocalRunner{}
	}
	if s.pool == nil {
		s.pool = ssh.NewPool(&ssh.PoolConfig{
			IdleTimeout: 10 * time.Minute,
			SSHConfig: &ssh.Config{
				Timeout:   sshCfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			},
		})
	}
	logger.Component("adapter").WithField("host", sshCfg.Host).Info("Device enumeration runs over SSH")
	return NewSSHRunner(s.pool, sshCfg)
}

// Adapters 返回本轮应查询的适配器
func (s *Set) Adapters() []Adapter {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Adapter, 0, len(s.static)+len(s.remotes))
	out = append(out, s.static...)

	bases := make([]string, 0, len(s.remotes))
	for base := range s.remotes {
		bases = append(bases, base)
	}
	sort.Strings(bases)
	seen := make(map[string]bool, len(bases))
	for _, base := range bases {
		seen[base] = true
		out = append(out, s.remotes[base])
	}
	if s.nodes != nil {
		for _, raw := range s.nodes.LiveNodeURLs() {
			base := normalizeURL(raw)
			if base == "" || seen[base] {
				continue
			}
			seen[base] = true
			out = append(out, NewRemoteNode(base, s.scope, s.timeout))
		}
	}
	return out
}

// Close 释放 SSH 连接
func (s *Set) Close() error {
	if s.pool != nil {
		return s.pool.Close()
	}
	return nil
}

func normalizeURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	return raw
}

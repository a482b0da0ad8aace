package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/adapter"
	"github.com/devicefarmpro/devicefarmpro/internal/metrics"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// AdapterSource 提供本轮需要查询的适配器
type AdapterSource interface {
	Adapters() []adapter.Adapter
}

// PortReserver 为新登记的本地设备分配自动化服务端口
type PortReserver interface {
	Reserve(used map[int]bool) (int, error)
}

// FreePortReserver 向系统申请空闲端口，跳过已分配给其他设备的端口
type FreePortReserver struct{}

// Reserve 申请一个当前空闲且未被占用的端口
func (FreePortReserver) Reserve(used map[int]bool) (int, error) {
	for attempt := 0; attempt < 20; attempt++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, fmt.Errorf("reserve port: %w", err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
		if !used[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("reserve port: no free port after 20 attempts")
}

// ReconcilerOptions 同步参数
type ReconcilerOptions struct {
	Interval time.Duration
	// AdapterTimeout 单个适配器单轮枚举超时
	AdapterTimeout time.Duration
	// MissThreshold 远端/云设备连续缺席次数达到后移除
	MissThreshold int
	// MaxConcurrentPolls 同时枚举的适配器上限
	MaxConcurrentPolls int
}

// ReconcileResult 单轮同步统计
type ReconcileResult struct {
	Inserted      int           `json:"inserted"`
	Updated       int           `json:"updated"`
	Removed       int           `json:"removed"`
	MarkedMissing int           `json:"marked_missing"`
	Skipped       int           `json:"skipped"`
	Failed        []string      `json:"failed_adapters,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Reconciler 设备清单同步：并行枚举所有适配器并串行合并到存储
type Reconciler struct {
	store   *store.Store
	source  AdapterSource
	ports   PortReserver
	opts    ReconcilerOptions
	metrics *metrics.Metrics

	// runMu 保证同一时刻只有一轮合并
	runMu   sync.Mutex
	trigger chan struct{}

	mutex    sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewReconciler 创建同步器
func NewReconciler(s *store.Store, source AdapterSource, ports PortReserver, opts ReconcilerOptions, m *metrics.Metrics) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = 60 * time.Second
	}
	if opts.MissThreshold <= 0 {
		opts.MissThreshold = 1
	}
	if opts.MaxConcurrentPolls <= 0 {
		opts.MaxConcurrentPolls = 8
	}
	if ports == nil {
		ports = FreePortReserver{}
	}
	return &Reconciler{
		store:   s,
		source:  source,
		ports:   ports,
		opts:    opts,
		metrics: m,
		trigger: make(chan struct{}, 1),
	}
}

type pollResult struct {
	adapter adapter.Adapter
	snaps   []model.DeviceSnapshot
	err     error
}

// RunOnce 执行一轮同步
//
// 适配器枚举并行进行；合并按适配器顺序串行写入存储。已存在设备只刷新静态属性，
// 会话状态保持不变。本地来源缺席的设备立即移除；远端与云来源缺席的设备标记离线，
// 连续缺席达到阈值且空闲时才移除。枚举失败的本地适配器本轮不移除任何设备。
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	log := logger.Component("reconciler")
	adapters := r.source.Adapters()
	polls := make([]pollResult, len(adapters))

	// 适配器错误记录在 polls 中，errgroup 只用于限流并发枚举
	var g errgroup.Group
	g.SetLimit(r.opts.MaxConcurrentPolls)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, r.opts.AdapterTimeout)
			defer cancel()
			snaps, err := a.Enumerate(actx)
			polls[i] = pollResult{adapter: a, snaps: snaps, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return ReconcileResult{}, fmt.Errorf("reconcile canceled: %w", err)
	}

	var result ReconcileResult
	active := make(map[string]bool, len(polls))
	failed := make(map[string]bool)
	seen := make(map[string]map[string]bool, len(polls))

	for _, p := range polls {
		name := p.adapter.Name()
		active[name] = true
		if p.err != nil {
			failed[name] = true
			result.Failed = append(result.Failed, name)
			r.metrics.IncAdapterFailure(p.adapter.Kind())
			entry := log.WithField("adapter", name).WithError(p.err)
			if errors.Is(p.err, model.ErrAdapterUnavailable) {
				entry.Debug("Adapter unavailable, skipped this cycle")
			} else {
				entry.Warn("Adapter enumeration failed, skipped this cycle")
			}
			continue
		}
		ids := make(map[string]bool, len(p.snaps))
		seen[name] = ids
		for _, snap := range p.snaps {
			ids[snap.UDID] = true
			inserted, err := r.merge(snap)
			switch {
			case err != nil:
				result.Skipped++
				log.WithField("udid", snap.UDID).WithField("adapter", name).WithError(err).Warn("Device skipped")
			case inserted:
				result.Inserted++
				log.WithField("udid", snap.UDID).WithField("host", snap.Host).Infof("Device registered: %s %s %s", snap.Platform, snap.DeviceType, snap.Name)
			default:
				result.Updated++
			}
		}
	}

	removeLocal, missing := r.classifyAbsent(active, failed, seen)
	if len(removeLocal) > 0 {
		result.Removed += r.store.Remove(func(d *model.DeviceRecord) bool { return removeLocal[d.UDID] })
		log.WithField("udids", keys(removeLocal)).Info("Local devices disconnected")
	}
	if len(missing) > 0 {
		result.MarkedMissing = r.store.AtomicUpdate(
			func(d *model.DeviceRecord) bool { return missing[d.UDID] },
			func(d *model.DeviceRecord) {
				d.MissedPolls++
				d.Offline = true
			},
			0,
		)
		threshold := r.opts.MissThreshold
		expired := r.store.Remove(func(d *model.DeviceRecord) bool {
			return missing[d.UDID] && d.MissedPolls >= threshold && !d.Busy
		})
		if expired > 0 {
			log.Infof("Removed %d unreachable device(s) after %d missed polls", expired, threshold)
		}
		result.Removed += expired
	}

	result.Duration = time.Since(start)
	r.metrics.ObserveReconcile(result.Duration)
	log.Debugf("Reconcile finished in %s: inserted=%d updated=%d removed=%d missing=%d skipped=%d failed=%d",
		result.Duration.Round(time.Millisecond), result.Inserted, result.Updated, result.Removed,
		result.MarkedMissing, result.Skipped, len(result.Failed))
	return result, nil
}

// merge 写入单个快照；新登记的本地设备分配端口
func (r *Reconciler) merge(snap model.DeviceSnapshot) (bool, error) {
	rec := model.RecordFromSnapshot(snap)
	if _, exists := r.store.Get(rec.UDID); !exists && snap.Kind.IsLocal() {
		if err := r.assignPort(&rec); err != nil {
			return false, err
		}
	}
	return r.store.Upsert(rec)
}

func (r *Reconciler) assignPort(rec *model.DeviceRecord) error {
	switch rec.Platform {
	case model.PlatformAndroid:
		if rec.SystemPort != 0 {
			return nil
		}
	case model.PlatformIOS:
		if rec.WDALocalPort != 0 {
			return nil
		}
	}
	port, err := r.ports.Reserve(r.store.UsedPorts(rec.Platform, rec.Host))
	if err != nil {
		return err
	}
	if rec.Platform == model.PlatformAndroid {
		rec.SystemPort = port
	} else {
		rec.WDALocalPort = port
	}
	return nil
}

// classifyAbsent 找出本轮缺席的设备：本地来源直接移除，远端与云来源计入缺席
func (r *Reconciler) classifyAbsent(active, failed map[string]bool, seen map[string]map[string]bool) (map[string]bool, map[string]bool) {
	removeLocal := make(map[string]bool)
	missing := make(map[string]bool)
	for _, d := range r.store.FindAll(nil) {
		local := d.SourceKind.IsLocal()
		switch {
		case failed[d.Source]:
			// 本地枚举失败不代表设备断开
			if !local {
				missing[d.UDID] = true
			}
		case active[d.Source]:
			if seen[d.Source][d.UDID] {
				continue
			}
			if local {
				removeLocal[d.UDID] = true
			} else {
				missing[d.UDID] = true
			}
		default:
			// 来源已不在配置中（节点下线或配置变更）
			if local {
				removeLocal[d.UDID] = true
			} else {
				missing[d.UDID] = true
			}
		}
	}
	return removeLocal, missing
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Trigger 请求立即同步一次（非阻塞，合并重复请求）
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Start 启动周期同步；启动时立即执行一轮
func (r *Reconciler) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.running {
		return fmt.Errorf("reconciler is already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	go r.loop(ctx, r.stopChan)
	logger.Component("reconciler").Infof("Reconciler started (interval %s)", r.opts.Interval)
	return nil
}

// Stop 停止周期同步
func (r *Reconciler) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
	logger.Component("reconciler").Info("Reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context, stop <-chan struct{}) {
	r.runLogged(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.runLogged(ctx)
		case <-r.trigger:
			r.runLogged(ctx)
		}
	}
}

func (r *Reconciler) runLogged(ctx context.Context) {
	if _, err := r.RunOnce(ctx); err != nil {
		logger.Component("reconciler").WithError(err).Warn("Reconcile pass aborted")
	}
}

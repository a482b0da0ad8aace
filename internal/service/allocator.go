package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/metrics"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

// AllocatorOptions 分配器参数
type AllocatorOptions struct {
	Policy FarmPolicy
	// MaxSessions 同时 busy 的设备上限，0 表示不限
	MaxSessions int
	// MaxSessionDuration 超过该时长的租约视为遗弃并自动释放，0 表示不回收
	MaxSessionDuration time.Duration
	StaleCheckInterval time.Duration
}

// Allocator 设备分配器：查找空闲匹配设备并原子置忙，释放与过期回收
type Allocator struct {
	store   *store.Store
	opts    AllocatorOptions
	metrics *metrics.Metrics
	now     func() time.Time

	mutex    sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewAllocator 创建分配器
func NewAllocator(s *store.Store, opts AllocatorOptions, m *metrics.Metrics) *Allocator {
	if opts.StaleCheckInterval <= 0 {
		opts.StaleCheckInterval = 30 * time.Second
	}
	return &Allocator{
		store:   s,
		opts:    opts,
		metrics: m,
		now:     time.Now,
	}
}

// allocState 分配轮询状态
type allocState int

const (
	stateSearching allocState = iota
	stateFound
	stateTimedOut
)

// Allocate 在超时前反复尝试占用一台匹配设备
//
// 先按服务范围校验过滤条件，结构上不可能满足时立即返回 CapabilityMismatch；
// 之后按登记顺序占用第一台空闲匹配设备，超时返回携带过滤条件的 NoDeviceAvailable。
// 设备一旦置忙，调用方取消不会自动释放，释放只由会话结束或过期回收驱动。
func (a *Allocator) Allocate(ctx context.Context, filter model.CapabilityFilter, timeout, retry time.Duration) (model.DeviceRecord, error) {
	if err := ValidateFilter(filter, a.opts.Policy); err != nil {
		a.metrics.ObserveAllocation(filter.Platform, metrics.ResultMismatch, 0)
		return model.DeviceRecord{}, err
	}
	if timeout < 0 {
		timeout = 0
	}
	if retry <= 0 {
		retry = time.Second
	}

	start := time.Now()
	deadline := start.Add(timeout)
	log := logger.Component("allocator").WithField("filter", filter.String())

	var (
		device model.DeviceRecord
		state  = stateSearching
		tries  int
	)
	for {
		switch state {
		case stateSearching:
			tries++
			if rec, ok := a.claim(filter); ok {
				device = rec
				state = stateFound
				continue
			}
			remaining := time.Until(deadline)
			if remaining <= 0 {
				state = stateTimedOut
				continue
			}
			wait := retry
			if wait > remaining {
				wait = remaining
			}
			if tries == 1 {
				log.Infof("No free device matches, retrying every %s for up to %s", retry, timeout)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				a.metrics.ObserveAllocation(filter.Platform, metrics.ResultCanceled, time.Since(start))
				return model.DeviceRecord{}, fmt.Errorf("allocation canceled: %w", ctx.Err())
			case <-timer.C:
			}

		case stateFound:
			waited := time.Since(start)
			a.metrics.ObserveAllocation(filter.Platform, metrics.ResultAllocated, waited)
			log.WithField("udid", device.UDID).WithField("host", device.Host).Infof("Device allocated after %d attempt(s)", tries)
			return device, nil

		case stateTimedOut:
			waited := time.Since(start)
			a.metrics.ObserveAllocation(filter.Platform, metrics.ResultTimeout, waited)
			log.Warnf("No device available after %s", waited.Round(time.Millisecond))
			return model.DeviceRecord{}, &model.NoDeviceAvailableError{Filter: filter, Waited: waited}
		}
	}
}

// claim 单次原子占用
func (a *Allocator) claim(filter model.CapabilityFilter) (model.DeviceRecord, bool) {
	startMs := a.now().UnixMilli()
	return a.store.Claim(
		func(d *model.DeviceRecord) bool { return filter.Matches(d) },
		func(d *model.DeviceRecord) {
			d.Busy = true
			d.SessionStartTime = startMs
			d.SessionID = ""
		},
		a.opts.MaxSessions,
	)
}

// Release 释放设备并累计占用时长；对空闲设备重复释放为空操作
func (a *Allocator) Release(udid string) error {
	if _, ok := a.store.Get(udid); !ok {
		return fmt.Errorf("%w: %s", model.ErrDeviceNotFound, udid)
	}
	wasBusy := false
	nowMs := a.now().UnixMilli()
	a.store.AtomicUpdate(
		func(d *model.DeviceRecord) bool { return d.UDID == udid },
		func(d *model.DeviceRecord) {
			wasBusy = d.Busy
			releaseLease(d, nowMs)
		},
		1,
	)
	if wasBusy {
		a.metrics.IncRelease()
		logger.Component("allocator").WithField("udid", udid).Info("Device released")
	}
	return nil
}

// ReleaseSession 按会话 id 释放，返回被释放设备
func (a *Allocator) ReleaseSession(sessionID string) (model.DeviceRecord, error) {
	rec, ok := a.store.FindOne(func(d *model.DeviceRecord) bool { return d.SessionID == sessionID })
	if !ok || sessionID == "" {
		return model.DeviceRecord{}, fmt.Errorf("%w: %s", model.ErrSessionNotFound, sessionID)
	}
	if err := a.Release(rec.UDID); err != nil {
		return model.DeviceRecord{}, err
	}
	return rec, nil
}

// AssignSession 为已占用的设备记录会话 id
func (a *Allocator) AssignSession(udid, sessionID string) error {
	n := a.store.AtomicUpdate(
		func(d *model.DeviceRecord) bool { return d.UDID == udid && d.Busy },
		func(d *model.DeviceRecord) { d.SessionID = sessionID },
		1,
	)
	if n == 0 {
		return fmt.Errorf("%w: %s is not leased", model.ErrDeviceNotFound, udid)
	}
	return nil
}

// SetBlocked 管理员封禁/解封设备；封禁不影响进行中的会话
func (a *Allocator) SetBlocked(udid string, blocked bool) error {
	n := a.store.AtomicUpdate(
		func(d *model.DeviceRecord) bool { return d.UDID == udid },
		func(d *model.DeviceRecord) { d.UserBlocked = blocked },
		1,
	)
	if n == 0 {
		return fmt.Errorf("%w: %s", model.ErrDeviceNotFound, udid)
	}
	return nil
}

// ReclaimStale 释放占用超过最长会话时长的设备，返回回收数量
func (a *Allocator) ReclaimStale() int {
	if a.opts.MaxSessionDuration <= 0 {
		return 0
	}
	nowMs := a.now().UnixMilli()
	cutoff := nowMs - a.opts.MaxSessionDuration.Milliseconds()

	var reclaimed []string
	n := a.store.AtomicUpdate(
		func(d *model.DeviceRecord) bool {
			return d.Busy && d.SessionStartTime > 0 && d.SessionStartTime <= cutoff
		},
		func(d *model.DeviceRecord) {
			reclaimed = append(reclaimed, d.UDID)
			releaseLease(d, nowMs)
		},
		0,
	)
	if n > 0 {
		a.metrics.AddReclaimed(n)
		logger.Component("allocator").WithField("udids", reclaimed).
			Warnf("Reclaimed %d stale lease(s) older than %s", n, a.opts.MaxSessionDuration)
	}
	return n
}

// releaseLease 清除租约并累计占用时长
func releaseLease(d *model.DeviceRecord, nowMs int64) {
	if d.Busy && d.SessionStartTime > 0 && nowMs > d.SessionStartTime {
		d.TotalUtilizationTimeMilliSec += nowMs - d.SessionStartTime
	}
	d.Busy = false
	d.SessionStartTime = 0
	d.SessionID = ""
}

// Start 启动过期租约回收
func (a *Allocator) Start(ctx context.Context) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if a.running {
		return fmt.Errorf("allocator sweep is already running")
	}
	if a.opts.MaxSessionDuration <= 0 {
		logger.Component("allocator").Info("Stale lease reclamation disabled")
		return nil
	}
	a.running = true
	a.stopChan = make(chan struct{})
	go a.sweepLoop(ctx, a.stopChan)
	logger.Component("allocator").Infof("Stale lease sweep started (max session %s, every %s)",
		a.opts.MaxSessionDuration, a.opts.StaleCheckInterval)
	return nil
}

// Stop 停止回收
func (a *Allocator) Stop() {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stopChan)
}

func (a *Allocator) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(a.opts.StaleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			a.ReclaimStale()
		}
	}
}

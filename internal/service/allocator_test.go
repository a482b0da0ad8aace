package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localHost = "http://127.0.0.1:4723"

var bothPolicy = FarmPolicy{Platform: "both", Android: model.PolicyBoth, IOS: model.PolicyBoth}

func androidDevice(udid, name string, deviceType model.DeviceType) model.DeviceRecord {
	return model.DeviceRecord{
		UDID:       udid,
		Platform:   model.PlatformAndroid,
		DeviceType: deviceType,
		Name:       name,
		SDK:        "13",
		Host:       localHost,
		Source:     string(model.SourceLocalAndroid),
		SourceKind: model.SourceLocalAndroid,
	}
}

func iosDevice(udid, name string, deviceType model.DeviceType) model.DeviceRecord {
	return model.DeviceRecord{
		UDID:       udid,
		Platform:   model.PlatformIOS,
		DeviceType: deviceType,
		Name:       name,
		SDK:        "17.2",
		Host:       localHost,
		Source:     string(model.SourceLocalIOS),
		SourceKind: model.SourceLocalIOS,
	}
}

func newTestStore(t *testing.T, records ...model.DeviceRecord) *store.Store {
	t.Helper()
	s := store.New(nil)
	for _, rec := range records {
		_, err := s.Upsert(rec)
		require.NoError(t, err)
	}
	return s
}

func markBusy(s *store.Store, udid string, startMs int64) {
	s.AtomicUpdate(func(d *model.DeviceRecord) bool { return d.UDID == udid }, func(d *model.DeviceRecord) {
		d.Busy = true
		d.SessionStartTime = startMs
	}, 1)
}

func TestAllocateFirstSeenFirstOffered(t *testing.T) {
	s := newTestStore(t,
		androidDevice("emu-1", "Pixel 7", model.DeviceTypeEmulator),
		androidDevice("real-1", "Galaxy S23", model.DeviceTypeReal),
		androidDevice("real-2", "Pixel 8", model.DeviceTypeReal),
	)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)

	filter := model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeReal}
	d, err := a.Allocate(context.Background(), filter, 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "real-1", d.UDID)
	assert.True(t, d.Busy)
	assert.NotZero(t, d.SessionStartTime)

	d, err = a.Allocate(context.Background(), filter, 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "real-2", d.UDID)
}

func TestAllocateConcurrentOneFreeDevice(t *testing.T) {
	s := newTestStore(t,
		androidDevice("busy-1", "Pixel 7", model.DeviceTypeReal),
		androidDevice("free-1", "Pixel 8", model.DeviceTypeReal),
	)
	markBusy(s, "busy-1", time.Now().UnixMilli())
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)
	filter := model.CapabilityFilter{Platform: model.PlatformAndroid, DeviceType: model.DeviceTypeReal}

	type outcome struct {
		device  model.DeviceRecord
		err     error
		elapsed time.Duration
	}
	results := make([]outcome, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := time.Now()
			d, err := a.Allocate(context.Background(), filter, time.Second, 100*time.Millisecond)
			results[i] = outcome{device: d, err: err, elapsed: time.Since(start)}
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, r := range results {
		if r.err == nil {
			won++
			assert.Equal(t, "free-1", r.device.UDID)
			continue
		}
		lost++
		var noDevice *model.NoDeviceAvailableError
		require.True(t, errors.As(r.err, &noDevice))
		assert.Equal(t, filter.Platform, noDevice.Filter.Platform)
		assert.Contains(t, r.err.Error(), "No device found for filters:")
		assert.GreaterOrEqual(t, r.elapsed, 900*time.Millisecond)
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
}

func TestAllocateMutualExclusion(t *testing.T) {
	var records []model.DeviceRecord
	for _, udid := range []string{"d1", "d2", "d3", "d4", "d5"} {
		records = append(records, androidDevice(udid, "Pixel", model.DeviceTypeReal))
	}
	s := newTestStore(t, records...)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)
	filter := model.CapabilityFilter{Platform: model.PlatformAndroid}

	var (
		mu      sync.Mutex
		granted = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := a.Allocate(context.Background(), filter, 0, time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			granted[d.UDID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, granted, 5)
	for udid, n := range granted {
		assert.Equal(t, 1, n, udid)
	}
}

func TestAllocateIPhoneOnlySimulator(t *testing.T) {
	s := newTestStore(t,
		iosDevice("sim-ipad", "iPad Pro (12.9-inch)", model.DeviceTypeSimulator),
		iosDevice("sim-iphone", "iPhone 15", model.DeviceTypeSimulator),
	)
	policy := FarmPolicy{Platform: "ios", Android: model.PolicyBoth, IOS: model.PolicySimulated}
	a := NewAllocator(s, AllocatorOptions{Policy: policy}, nil)

	filter, err := BuildFilter(map[string]interface{}{
		"platformName":      "iOS",
		"appium:app":        "/builds/Demo.app",
		"appium:iPhoneOnly": true,
	}, policy)
	require.NoError(t, err)

	d, err := a.Allocate(context.Background(), filter, 0, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.Name, "iPhone"))
}

func TestAllocateFailsFastOnMismatch(t *testing.T) {
	s := newTestStore(t, iosDevice("sim-1", "iPhone 15", model.DeviceTypeSimulator))
	policy := FarmPolicy{Platform: "ios", Android: model.PolicyBoth, IOS: model.PolicySimulated}
	a := NewAllocator(s, AllocatorOptions{Policy: policy}, nil)

	start := time.Now()
	_, err := a.Allocate(context.Background(),
		model.CapabilityFilter{Platform: model.PlatformIOS, DeviceType: model.DeviceTypeReal},
		5*time.Second, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, model.IsCapabilityMismatch(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	_, err = a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 5*time.Second, 100*time.Millisecond)
	assert.True(t, model.IsCapabilityMismatch(err))
}

func TestAllocateSkipsBlockedAndOffline(t *testing.T) {
	s := newTestStore(t,
		androidDevice("blocked", "Pixel", model.DeviceTypeReal),
		androidDevice("offline", "Pixel", model.DeviceTypeReal),
		androidDevice("ok", "Pixel", model.DeviceTypeReal),
	)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)
	require.NoError(t, a.SetBlocked("blocked", true))
	s.AtomicUpdate(func(d *model.DeviceRecord) bool { return d.UDID == "offline" }, func(d *model.DeviceRecord) { d.Offline = true }, 1)

	d, err := a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 0, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ok", d.UDID)

	_, err = a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 0, time.Millisecond)
	assert.True(t, model.IsNoDeviceAvailable(err))

	assert.ErrorIs(t, a.SetBlocked("missing", true), model.ErrDeviceNotFound)
}

func TestAllocateRespectsMaxSessions(t *testing.T) {
	s := newTestStore(t,
		androidDevice("d1", "Pixel", model.DeviceTypeReal),
		androidDevice("d2", "Pixel", model.DeviceTypeReal),
	)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy, MaxSessions: 1}, nil)
	filter := model.CapabilityFilter{Platform: model.PlatformAndroid}

	_, err := a.Allocate(context.Background(), filter, 0, time.Millisecond)
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), filter, 50*time.Millisecond, 10*time.Millisecond)
	assert.True(t, model.IsNoDeviceAvailable(err))
}

func TestAllocateCanceledByCaller(t *testing.T) {
	s := newTestStore(t)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Allocate(ctx, model.CapabilityFilter{Platform: model.PlatformAndroid}, 10*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := newTestStore(t, androidDevice("d1", "Pixel", model.DeviceTypeReal))
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)
	clock := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return clock }

	_, err := a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 0, time.Millisecond)
	require.NoError(t, err)

	clock = clock.Add(90 * time.Second)
	require.NoError(t, a.Release("d1"))
	require.NoError(t, a.Release("d1"))

	d, ok := s.Get("d1")
	require.True(t, ok)
	assert.False(t, d.Busy)
	assert.Zero(t, d.SessionStartTime)
	assert.Equal(t, int64(90_000), d.TotalUtilizationTimeMilliSec)

	assert.ErrorIs(t, a.Release("unknown"), model.ErrDeviceNotFound)
}

func TestReleaseSessionAndAssign(t *testing.T) {
	s := newTestStore(t, androidDevice("d1", "Pixel", model.DeviceTypeReal))
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy}, nil)

	assert.ErrorIs(t, a.AssignSession("d1", "sess-1"), model.ErrDeviceNotFound)

	_, err := a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 0, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, a.AssignSession("d1", "sess-1"))

	d, err := a.ReleaseSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "d1", d.UDID)

	_, err = a.ReleaseSession("sess-1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestReclaimStaleLeases(t *testing.T) {
	s := newTestStore(t,
		androidDevice("d1", "Pixel", model.DeviceTypeReal),
		androidDevice("d2", "Pixel", model.DeviceTypeReal),
	)
	a := NewAllocator(s, AllocatorOptions{Policy: bothPolicy, MaxSessionDuration: time.Hour}, nil)
	clock := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return clock }
	filter := model.CapabilityFilter{Platform: model.PlatformAndroid, UDIDs: []string{"d1"}}

	_, err := a.Allocate(context.Background(), filter, 0, time.Millisecond)
	require.NoError(t, err)
	clock = clock.Add(30 * time.Minute)
	_, err = a.Allocate(context.Background(), model.CapabilityFilter{Platform: model.PlatformAndroid}, 0, time.Millisecond)
	require.NoError(t, err)

	clock = clock.Add(31 * time.Minute)
	assert.Equal(t, 1, a.ReclaimStale())

	d1, _ := s.Get("d1")
	d2, _ := s.Get("d2")
	assert.False(t, d1.Busy)
	assert.Equal(t, int64(61*time.Minute/time.Millisecond), d1.TotalUtilizationTimeMilliSec)
	assert.True(t, d2.Busy)

	// 回收后无需显式释放即可再次分配
	d, err := a.Allocate(context.Background(), filter, 0, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "d1", d.UDID)
}

func TestStaleSweepLoop(t *testing.T) {
	s := newTestStore(t, androidDevice("d1", "Pixel", model.DeviceTypeReal))
	markBusy(s, "d1", time.Now().Add(-2*time.Hour).UnixMilli())
	a := NewAllocator(s, AllocatorOptions{
		Policy:             bothPolicy,
		MaxSessionDuration: time.Hour,
		StaleCheckInterval: 10 * time.Millisecond,
	}, nil)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	assert.Error(t, a.Start(context.Background()))

	assert.Eventually(t, func() bool {
		d, _ := s.Get("d1")
		return !d.Busy
	}, time.Second, 10*time.Millisecond)
}

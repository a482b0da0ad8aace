package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/database"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func androidRecord(udid string, port int) model.DeviceRecord {
	return model.DeviceRecord{
		UDID:       udid,
		Platform:   model.PlatformAndroid,
		DeviceType: model.DeviceTypeReal,
		Name:       "Pixel " + udid,
		SDK:        "13",
		Host:       "http://127.0.0.1:4723",
		Source:     "local-android",
		SourceKind: model.SourceLocalAndroid,
		SystemPort: port,
	}
}

func TestUpsertPreservesSessionState(t *testing.T) {
	s := New(nil)
	inserted, err := s.Upsert(androidRecord("A", 8200))
	require.NoError(t, err)
	assert.True(t, inserted)

	n := s.AtomicUpdate(func(d *model.DeviceRecord) bool { return d.UDID == "A" }, func(d *model.DeviceRecord) {
		d.Busy = true
		d.SessionStartTime = 1000
		d.SessionID = "s1"
	}, 1)
	assert.Equal(t, 1, n)

	refreshed := androidRecord("A", 0)
	refreshed.Name = "Pixel 7"
	refreshed.SDK = "14"
	inserted, err = s.Upsert(refreshed)
	require.NoError(t, err)
	assert.False(t, inserted)

	rec, ok := s.Get("A")
	require.True(t, ok)
	assert.True(t, rec.Busy, "同步刷新不能清除占用状态")
	assert.Equal(t, int64(1000), rec.SessionStartTime)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, 8200, rec.SystemPort, "已分配端口保持不变")
	assert.Equal(t, "Pixel 7", rec.Name)
	assert.Equal(t, "14", rec.SDK)
}

func TestUpsertRejectsConflicts(t *testing.T) {
	s := New(nil)
	_, err := s.Upsert(androidRecord("A", 8200))
	require.NoError(t, err)

	_, err = s.Upsert(androidRecord("B", 8200))
	assert.ErrorIs(t, err, model.ErrPortConflict)

	// 不同主机可复用相同端口
	other := androidRecord("C", 8200)
	other.Host = "http://10.0.0.2:4723"
	_, err = s.Upsert(other)
	assert.NoError(t, err)

	moved := androidRecord("A", 0)
	moved.Host = "http://10.0.0.3:4723"
	_, err = s.Upsert(moved)
	assert.ErrorIs(t, err, model.ErrUdidConflict)
}

func TestFindAllKeepsInsertionOrder(t *testing.T) {
	s := New(nil)
	for i, udid := range []string{"z", "a", "m"} {
		_, err := s.Upsert(androidRecord(udid, 8200+i))
		require.NoError(t, err)
	}
	var got []string
	for _, rec := range s.FindAll(nil) {
		got = append(got, rec.UDID)
	}
	assert.Equal(t, []string{"z", "a", "m"}, got)

	first, ok := s.FindOne(func(d *model.DeviceRecord) bool { return d.UDID != "z" })
	require.True(t, ok)
	assert.Equal(t, "a", first.UDID)
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	s := New(nil)
	_, err := s.Upsert(androidRecord("only", 8200))
	require.NoError(t, err)

	free := func(d *model.DeviceRecord) bool { return !d.Busy }
	take := func(d *model.DeviceRecord) { d.Busy = true }

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Claim(free, take, 0); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestClaimHonoursMaxBusy(t *testing.T) {
	s := New(nil)
	_, _ = s.Upsert(androidRecord("A", 8200))
	_, _ = s.Upsert(androidRecord("B", 8201))

	free := func(d *model.DeviceRecord) bool { return !d.Busy }
	take := func(d *model.DeviceRecord) { d.Busy = true }

	_, ok := s.Claim(free, take, 1)
	assert.True(t, ok)
	_, ok = s.Claim(free, take, 1)
	assert.False(t, ok, "达到上限后不再占用")
	assert.Equal(t, 1, s.Count(func(d *model.DeviceRecord) bool { return d.Busy }))
}

func TestRemoveAndUsedPorts(t *testing.T) {
	s := New(nil)
	_, _ = s.Upsert(androidRecord("A", 8200))
	_, _ = s.Upsert(androidRecord("B", 8201))

	used := s.UsedPorts(model.PlatformAndroid, "http://127.0.0.1:4723")
	assert.True(t, used[8200])
	assert.True(t, used[8201])

	removed := s.Remove(func(d *model.DeviceRecord) bool { return d.UDID == "A" })
	assert.Equal(t, 1, removed)
	_, ok := s.Get("A")
	assert.False(t, ok)
	assert.Len(t, s.FindAll(nil), 1)
}

func TestRestoreResetsBusyDevices(t *testing.T) {
	db, err := database.Open(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "farm.db")})
	require.NoError(t, err)
	p := NewGormPersister(db)

	s := New(p)
	_, err = s.Upsert(androidRecord("A", 8200))
	require.NoError(t, err)
	_, err = s.Upsert(androidRecord("B", 8201))
	require.NoError(t, err)
	s.AtomicUpdate(func(d *model.DeviceRecord) bool { return d.UDID == "B" }, func(d *model.DeviceRecord) {
		d.Busy = true
		d.SessionStartTime = time.Now().UnixMilli()
		d.SessionID = "lost"
	}, 1)

	restored := New(p)
	reset, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	all := restored.FindAll(nil)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].UDID)
	assert.Equal(t, "B", all[1].UDID)
	assert.False(t, all[1].Busy)
	assert.Empty(t, all[1].SessionID)

	// 新插入的记录排在恢复记录之后
	_, err = restored.Upsert(androidRecord("C", 8202))
	require.NoError(t, err)
	all = restored.FindAll(nil)
	assert.Equal(t, "C", all[2].UDID)
}

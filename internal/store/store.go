// Package store 设备记录存储：所有变更在同一把互斥锁内完成，保证
// "查找空闲设备并置忙"是单一原子操作，不会出现两个请求同时占用同一设备。
package store

import (
	"sort"
	"sync"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

// Predicate 记录筛选条件
type Predicate func(*model.DeviceRecord) bool

// Mutator 记录原地修改函数（在存储锁内执行，不可阻塞）
type Mutator func(*model.DeviceRecord)

// Persister 持久化后端；为 nil 时仅内存
type Persister interface {
	Load() ([]model.DeviceRecord, error)
	Save(rec model.DeviceRecord) error
	Delete(udid string) error
}

// Store 设备记录存储
type Store struct {
	mutex     sync.RWMutex
	records   map[string]*model.DeviceRecord
	order     []string
	nextSeq   uint64
	persister Persister
	// onChange 变更后回调（锁外调用），用于刷新指标
	onChange func(all []model.DeviceRecord)
}

// New 创建存储
func New(p Persister) *Store {
	return &Store{
		records:   make(map[string]*model.DeviceRecord),
		persister: p,
	}
}

// OnChange 注册变更回调
func (s *Store) OnChange(fn func(all []model.DeviceRecord)) {
	s.mutex.Lock()
	s.onChange = fn
	s.mutex.Unlock()
}

// Restore 从持久化后端恢复记录。进程崩溃无法保证会话已正常释放，
// 因此所有 busy 设备一律重置为空闲。返回被重置的设备数。
func (s *Store) Restore() (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	recs, err := s.persister.Load()
	if err != nil {
		return 0, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	s.mutex.Lock()
	reset := 0
	for i := range recs {
		rec := recs[i]
		if rec.Busy || rec.SessionStartTime != 0 || rec.SessionID != "" {
			rec.Busy = false
			rec.SessionStartTime = 0
			rec.SessionID = ""
			reset++
			s.persist(rec)
		}
		if _, exists := s.records[rec.UDID]; exists {
			continue
		}
		if rec.Seq >= s.nextSeq {
			s.nextSeq = rec.Seq
		}
		r := rec
		s.records[r.UDID] = &r
		s.order = append(s.order, r.UDID)
	}
	s.mutex.Unlock()
	s.notify()
	return reset, nil
}

// Upsert 插入新设备或刷新已存在设备的静态属性。
//
// 已存在设备的会话字段（Busy/SessionStartTime/SessionID/累计占用时长）、封禁状态
// 与已分配端口保持不变；离线标记取自传入记录，缺席计数清零。返回是否为新插入。
func (s *Store) Upsert(rec model.DeviceRecord) (bool, error) {
	s.mutex.Lock()
	existing, ok := s.records[rec.UDID]
	if ok {
		if existing.Host != rec.Host {
			s.mutex.Unlock()
			return false, model.ErrUdidConflict
		}
		existing.Name = rec.Name
		existing.SDK = rec.SDK
		existing.State = rec.State
		existing.DeviceType = rec.DeviceType
		existing.Source = rec.Source
		existing.SourceKind = rec.SourceKind
		if rec.ChromeDriverPath != "" {
			existing.ChromeDriverPath = rec.ChromeDriverPath
		}
		existing.Offline = rec.Offline
		existing.MissedPolls = 0
		s.persist(*existing)
		s.mutex.Unlock()
		s.notify()
		return false, nil
	}

	if s.portTakenLocked(rec.Platform, rec.Host, rec.SystemPort, rec.WDALocalPort, rec.UDID) {
		s.mutex.Unlock()
		return false, model.ErrPortConflict
	}
	s.nextSeq++
	r := rec
	r.Seq = s.nextSeq
	r.Busy = false
	r.SessionStartTime = 0
	r.SessionID = ""
	r.MissedPolls = 0
	s.records[r.UDID] = &r
	s.order = append(s.order, r.UDID)
	s.persist(r)
	s.mutex.Unlock()
	s.notify()
	return true, nil
}

// FindAll 按登记顺序返回满足条件的记录副本；pred 为 nil 时返回全部
func (s *Store) FindAll(pred Predicate) []model.DeviceRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]model.DeviceRecord, 0, len(s.order))
	for _, udid := range s.order {
		rec := s.records[udid]
		if pred == nil || pred(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

// FindOne 返回第一条满足条件的记录副本
func (s *Store) FindOne(pred Predicate) (model.DeviceRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, udid := range s.order {
		rec := s.records[udid]
		if pred == nil || pred(rec) {
			return *rec, true
		}
	}
	return model.DeviceRecord{}, false
}

// Get 按 udid 查询
func (s *Store) Get(udid string) (model.DeviceRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	rec, ok := s.records[udid]
	if !ok {
		return model.DeviceRecord{}, false
	}
	return *rec, true
}

// Count 统计满足条件的记录数
func (s *Store) Count(pred Predicate) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	n := 0
	for _, rec := range s.records {
		if pred == nil || pred(rec) {
			n++
		}
	}
	return n
}

// AtomicUpdate 在同一临界区内筛选并修改记录，limit<=0 表示不限数量。
// 返回受影响的记录数。
func (s *Store) AtomicUpdate(pred Predicate, mut Mutator, limit int) int {
	s.mutex.Lock()
	affected := 0
	for _, udid := range s.order {
		if limit > 0 && affected >= limit {
			break
		}
		rec := s.records[udid]
		if pred != nil && !pred(rec) {
			continue
		}
		s.applyLocked(rec, mut)
		affected++
	}
	s.mutex.Unlock()
	if affected > 0 {
		s.notify()
	}
	return affected
}

// Claim 按登记顺序找到第一条满足条件的记录并修改，返回修改后的副本。
// maxBusy>0 时，若当前 busy 设备数已达上限则不占用任何设备。
func (s *Store) Claim(pred Predicate, mut Mutator, maxBusy int) (model.DeviceRecord, bool) {
	s.mutex.Lock()
	if maxBusy > 0 {
		busy := 0
		for _, rec := range s.records {
			if rec.Busy {
				busy++
			}
		}
		if busy >= maxBusy {
			s.mutex.Unlock()
			return model.DeviceRecord{}, false
		}
	}
	for _, udid := range s.order {
		rec := s.records[udid]
		if !pred(rec) {
			continue
		}
		s.applyLocked(rec, mut)
		out := *rec
		s.mutex.Unlock()
		s.notify()
		return out, true
	}
	s.mutex.Unlock()
	return model.DeviceRecord{}, false
}

// Remove 删除满足条件的记录，返回删除数量
func (s *Store) Remove(pred Predicate) int {
	s.mutex.Lock()
	kept := s.order[:0]
	removed := 0
	for _, udid := range s.order {
		rec := s.records[udid]
		if pred != nil && !pred(rec) {
			kept = append(kept, udid)
			continue
		}
		delete(s.records, udid)
		removed++
		if s.persister != nil {
			if err := s.persister.Delete(udid); err != nil {
				logger.WithError(err).WithField("udid", udid).Warn("Failed to delete persisted device")
			}
		}
	}
	s.order = kept
	s.mutex.Unlock()
	if removed > 0 {
		s.notify()
	}
	return removed
}

// UsedPorts 返回指定平台、主机下已分配的端口集合
func (s *Store) UsedPorts(platform model.Platform, host string) map[int]bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	used := make(map[int]bool)
	for _, rec := range s.records {
		if rec.Platform != platform || rec.Host != host {
			continue
		}
		if rec.SystemPort > 0 {
			used[rec.SystemPort] = true
		}
		if rec.WDALocalPort > 0 {
			used[rec.WDALocalPort] = true
		}
	}
	return used
}

// applyLocked 执行修改并保持主键、登记顺序不变
func (s *Store) applyLocked(rec *model.DeviceRecord, mut Mutator) {
	udid, seq, host := rec.UDID, rec.Seq, rec.Host
	mut(rec)
	rec.UDID, rec.Seq, rec.Host = udid, seq, host
	s.persist(*rec)
}

// portTakenLocked 端口只在同平台、同主机范围内要求唯一（不同节点是不同机器）
func (s *Store) portTakenLocked(platform model.Platform, host string, systemPort, wdaPort int, except string) bool {
	if systemPort == 0 && wdaPort == 0 {
		return false
	}
	for udid, rec := range s.records {
		if udid == except || rec.Platform != platform || rec.Host != host {
			continue
		}
		if systemPort > 0 && rec.SystemPort == systemPort {
			return true
		}
		if wdaPort > 0 && rec.WDALocalPort == wdaPort {
			return true
		}
	}
	return false
}

// persist 写穿到持久化后端；失败只记录日志，内存状态仍为准
func (s *Store) persist(rec model.DeviceRecord) {
	if s.persister == nil {
		return
	}
	if err := s.persister.Save(rec); err != nil {
		logger.WithError(err).WithField("udid", rec.UDID).Warn("Failed to persist device record")
	}
}

func (s *Store) notify() {
	s.mutex.RLock()
	fn := s.onChange
	s.mutex.RUnlock()
	if fn == nil {
		return
	}
	fn(s.FindAll(nil))
}

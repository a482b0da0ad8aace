package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/database"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 节点注册接口路径
const (
	NodeRegisterPath  = "/device-farm/api/nodes/register"
	NodeHeartbeatPath = "/device-farm/api/nodes/%s/heartbeat"
)

// RegisterRequest 节点注册请求
type RegisterRequest struct {
	ID       string            `json:"id"`
	URL      string            `json:"url" binding:"required"`
	Platform string            `json:"platform"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
}

// HeartbeatRequest 节点心跳请求
type HeartbeatRequest struct {
	Devices       int   `json:"devices"`
	BusyDevices   int   `json:"busy_devices"`
	LastHeartbeat int64 `json:"last_heartbeat"`
}

// NodeDirectory hub 侧节点目录：登记节点、维护心跳、向适配器集合提供存活节点
type NodeDirectory struct {
	db          *gorm.DB
	expireAfter time.Duration
	now         func() time.Time
	// onChange 节点上线或下线时回调（触发一次同步）
	onChange func()

	mutex    sync.RWMutex
	nodes    map[string]*model.FarmNode
	running  bool
	stopChan chan struct{}
}

// NewNodeDirectory 创建节点目录；db 为 nil 时仅内存
func NewNodeDirectory(db *gorm.DB, expireAfter time.Duration) *NodeDirectory {
	return &NodeDirectory{
		db:          db,
		expireAfter: expireAfter,
		now:         time.Now,
		nodes:       make(map[string]*model.FarmNode),
	}
}

// OnChange 注册节点变化回调
func (d *NodeDirectory) OnChange(fn func()) {
	d.mutex.Lock()
	d.onChange = fn
	d.mutex.Unlock()
}

// Load 从数据库恢复节点；恢复的节点需重新心跳才视为存活
func (d *NodeDirectory) Load() error {
	if d.db == nil {
		return nil
	}
	var nodes []model.FarmNode
	if err := d.db.Order("created_at ASC").Find(&nodes).Error; err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	d.mutex.Lock()
	for i := range nodes {
		n := nodes[i]
		n.Status = model.NodeStatusOffline
		d.nodes[n.ID] = &n
	}
	d.mutex.Unlock()
	return nil
}

// Register 登记或刷新节点
func (d *NodeDirectory) Register(req RegisterRequest) (model.FarmNode, error) {
	url := strings.TrimRight(strings.TrimSpace(req.URL), "/")
	if url == "" {
		return model.FarmNode{}, fmt.Errorf("node url is required")
	}
	id := req.ID
	if id == "" {
		id = NodeIDFor(url)
	}
	meta, _ := json.Marshal(req.Metadata)

	d.mutex.Lock()
	// 同一地址以新 id 重新注册时替换旧记录
	for oldID, n := range d.nodes {
		if n.URL == url && oldID != id {
			delete(d.nodes, oldID)
			d.deleteNode(oldID)
		}
	}
	n, ok := d.nodes[id]
	if !ok {
		n = &model.FarmNode{ID: id, CreatedAt: d.now()}
		d.nodes[id] = n
	}
	wasAlive := ok && n.Alive(d.now(), d.expireAfter)
	n.URL = url
	n.Platform = req.Platform
	n.Version = req.Version
	n.Metadata = string(meta)
	n.Status = model.NodeStatusOnline
	n.LastHeartbeat = d.now()
	out := *n
	fn := d.onChange
	d.mutex.Unlock()

	d.saveNode(out)
	logger.Component("nodes").WithField("node_id", id).WithField("url", url).Info("Node registered")
	if !wasAlive && fn != nil {
		fn()
	}
	return out, nil
}

// Heartbeat 刷新心跳
func (d *NodeDirectory) Heartbeat(id string) (model.FarmNode, error) {
	d.mutex.Lock()
	n, ok := d.nodes[id]
	if !ok {
		d.mutex.Unlock()
		return model.FarmNode{}, fmt.Errorf("%w: %s", model.ErrNodeNotFound, id)
	}
	revived := !n.Alive(d.now(), d.expireAfter)
	n.Status = model.NodeStatusOnline
	n.LastHeartbeat = d.now()
	out := *n
	fn := d.onChange
	d.mutex.Unlock()

	d.saveNode(out)
	if revived && fn != nil {
		fn()
	}
	return out, nil
}

// List 返回全部节点（按地址排序）
func (d *NodeDirectory) List() []model.FarmNode {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	out := make([]model.FarmNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// LiveNodeURLs 存活节点地址，供适配器集合构造远端适配器
func (d *NodeDirectory) LiveNodeURLs() []string {
	now := d.now()
	var urls []string
	for _, n := range d.List() {
		if n.Alive(now, d.expireAfter) {
			urls = append(urls, n.URL)
		}
	}
	return urls
}

// ExpireStale 将心跳超时的节点标记为离线，返回数量
func (d *NodeDirectory) ExpireStale() int {
	now := d.now()
	var expired []model.FarmNode
	d.mutex.Lock()
	for _, n := range d.nodes {
		if n.Status == model.NodeStatusOnline && !n.Alive(now, d.expireAfter) {
			n.Status = model.NodeStatusOffline
			expired = append(expired, *n)
		}
	}
	fn := d.onChange
	d.mutex.Unlock()

	for _, n := range expired {
		d.saveNode(n)
		logger.Component("nodes").WithField("node_id", n.ID).WithField("url", n.URL).
			Warnf("Node missed heartbeats since %s, marked offline", n.LastHeartbeat.Format(time.RFC3339))
	}
	if len(expired) > 0 && fn != nil {
		fn()
	}
	return len(expired)
}

func (d *NodeDirectory) saveNode(n model.FarmNode) {
	if d.db == nil {
		return
	}
	err := database.WithRetry(d.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&n).Error
	}, 5, 50*time.Millisecond)
	if err != nil {
		logger.Component("nodes").WithError(err).WithField("node_id", n.ID).Warn("Failed to persist node")
	}
}

func (d *NodeDirectory) deleteNode(id string) {
	if d.db == nil {
		return
	}
	err := database.WithRetry(d.db, func(tx *gorm.DB) error {
		return tx.Where("id = ?", id).Delete(&model.FarmNode{}).Error
	}, 5, 50*time.Millisecond)
	if err != nil {
		logger.Component("nodes").WithError(err).WithField("node_id", id).Warn("Failed to delete node")
	}
}

// Start 启动心跳过期检查
func (d *NodeDirectory) Start(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.running {
		return fmt.Errorf("node directory is already running")
	}
	interval := d.expireAfter / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	d.running = true
	d.stopChan = make(chan struct{})
	go func(stop <-chan struct{}) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				d.ExpireStale()
			}
		}
	}(d.stopChan)
	return nil
}

// Stop 停止过期检查
func (d *NodeDirectory) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopChan)
}

// NodeIDFor 由节点地址派生稳定 id
func NodeIDFor(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimRight(url, "/"))).String()
}

// InventoryCounter 心跳中上报的设备数量
type InventoryCounter interface {
	Count(pred store.Predicate) int
}

// NodeRegistrarOptions 节点侧注册参数
type NodeRegistrarOptions struct {
	HubURL            string
	PublicURL         string
	NodeID            string
	Platform          string
	Version           string
	HeartbeatInterval time.Duration
}

// NodeRegistrar 节点侧：向 hub 注册并定期心跳；心跳被拒（hub 重启丢失目录）时重新注册
type NodeRegistrar struct {
	opts       NodeRegistrarOptions
	inventory  InventoryCounter
	httpClient *http.Client

	mutex      sync.RWMutex
	registered bool
	running    bool
	stopChan   chan struct{}
}

// NewNodeRegistrar 创建节点注册器
func NewNodeRegistrar(opts NodeRegistrarOptions, inventory InventoryCounter) *NodeRegistrar {
	opts.HubURL = strings.TrimRight(opts.HubURL, "/")
	if opts.NodeID == "" {
		opts.NodeID = NodeIDFor(opts.PublicURL)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &NodeRegistrar{
		opts:       opts,
		inventory:  inventory,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NodeID 本节点 id
func (r *NodeRegistrar) NodeID() string { return r.opts.NodeID }

// IsRegistered hub 是否已接受注册
func (r *NodeRegistrar) IsRegistered() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.registered
}

// Start 立即注册并启动心跳循环
func (r *NodeRegistrar) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.running {
		return fmt.Errorf("node registrar is already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	go r.loop(ctx, r.stopChan)
	logger.Component("nodes").WithField("hub", r.opts.HubURL).WithField("node_id", r.opts.NodeID).Info("Node registrar started")
	return nil
}

// Stop 停止心跳
func (r *NodeRegistrar) Stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
}

func (r *NodeRegistrar) loop(ctx context.Context, stop <-chan struct{}) {
	r.tick(ctx)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick 未注册时注册，否则发送心跳
func (r *NodeRegistrar) tick(ctx context.Context) {
	log := logger.Component("nodes").WithField("hub", r.opts.HubURL)
	if !r.IsRegistered() {
		if err := r.Register(ctx); err != nil {
			log.WithError(err).Warn("Failed to register with hub")
		}
		return
	}
	if err := r.Heartbeat(ctx); err != nil {
		log.WithError(err).Warn("Heartbeat rejected, will register again")
		r.setRegistered(false)
	}
}

// Register 向 hub 注册本节点
func (r *NodeRegistrar) Register(ctx context.Context) error {
	req := RegisterRequest{
		ID:       r.opts.NodeID,
		URL:      r.opts.PublicURL,
		Platform: r.opts.Platform,
		Version:  r.opts.Version,
		Metadata: map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"go":   runtime.Version(),
		},
	}
	if err := r.post(ctx, r.opts.HubURL+NodeRegisterPath, req); err != nil {
		return err
	}
	r.setRegistered(true)
	logger.Component("nodes").WithField("hub", r.opts.HubURL).Info("Registered with hub")
	return nil
}

// Heartbeat 发送一次心跳
func (r *NodeRegistrar) Heartbeat(ctx context.Context) error {
	req := HeartbeatRequest{LastHeartbeat: time.Now().Unix()}
	if r.inventory != nil {
		req.Devices = r.inventory.Count(nil)
		req.BusyDevices = r.inventory.Count(func(d *model.DeviceRecord) bool { return d.Busy })
	}
	return r.post(ctx, r.opts.HubURL+fmt.Sprintf(NodeHeartbeatPath, r.opts.NodeID), req)
}

func (r *NodeRegistrar) setRegistered(v bool) {
	r.mutex.Lock()
	r.registered = v
	r.mutex.Unlock()
}

func (r *NodeRegistrar) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	return nil
}

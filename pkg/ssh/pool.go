package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pool SSH连接池（每个主机复用一条连接，会话可并发）
type Pool struct {
	config      *Config
	connections map[string]*pooledConnection
	mutex       sync.Mutex
	idleTimeout time.Duration
	stopChan    chan struct{}
	closeOnce   sync.Once
}

// pooledConnection 池化的连接
type pooledConnection struct {
	client   *Client
	lastUsed time.Time
	inFlight int
}

// PoolConfig 连接池配置
type PoolConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	SSHConfig   *Config       `yaml:"ssh"`
}

// NewPool 创建SSH连接池
func NewPool(config *PoolConfig) *Pool {
	idle := config.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	pool := &Pool{
		config:      config.SSHConfig,
		connections: make(map[string]*pooledConnection),
		idleTimeout: idle,
		stopChan:    make(chan struct{}),
	}

	go pool.cleanup()
	return pool
}

// Get 获取（必要时建立）到指定主机的连接，使用完需调用 Release
func (p *Pool) Get(ctx context.Context, info *ConnectionInfo) (*Client, error) {
	key := info.Key()

	p.mutex.Lock()
	if conn, ok := p.connections[key]; ok {
		if conn.client.IsConnected() {
			conn.inFlight++
			conn.lastUsed = time.Now()
			p.mutex.Unlock()
			return conn.client, nil
		}
		_ = conn.client.Close()
		delete(p.connections, key)
	}
	p.mutex.Unlock()

	// 建连在锁外进行，避免阻塞其他主机
	client := NewClient(p.config)
	if err := client.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if conn, ok := p.connections[key]; ok {
		// 并发建连，保留先到者
		_ = client.Close()
		conn.inFlight++
		conn.lastUsed = time.Now()
		return conn.client, nil
	}
	p.connections[key] = &pooledConnection{client: client, lastUsed: time.Now(), inFlight: 1}
	return client, nil
}

// Release 归还连接
func (p *Pool) Release(info *ConnectionInfo) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if conn, ok := p.connections[info.Key()]; ok {
		if conn.inFlight > 0 {
			conn.inFlight--
		}
		conn.lastUsed = time.Now()
	}
}

// Run 通过连接池执行命令
func (p *Pool) Run(ctx context.Context, info *ConnectionInfo, command string) (*CommandResult, error) {
	client, err := p.Get(ctx, info)
	if err != nil {
		return nil, err
	}
	defer p.Release(info)
	return client.Run(ctx, command)
}

// Close 关闭连接池
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.stopChan) })

	p.mutex.Lock()
	defer p.mutex.Unlock()
	var lastErr error
	for key, conn := range p.connections {
		if err := conn.client.Close(); err != nil {
			lastErr = err
		}
		delete(p.connections, key)
	}
	return lastErr
}

// Size 当前连接数
func (p *Pool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.connections)
}

// cleanup 定期清理过期连接
func (p *Pool) cleanup() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired 清理空闲超时或已断开的连接
func (p *Pool) cleanupExpired(now time.Time) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for key, conn := range p.connections {
		if conn.inFlight > 0 {
			continue
		}
		if now.Sub(conn.lastUsed) > p.idleTimeout || !conn.client.IsConnected() {
			_ = conn.client.Close()
			delete(p.connections, key)
		}
	}
}

package model

import (
	"time"
)

// FarmNode 注册到 hub 的节点
type FarmNode struct {
	ID            string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	URL           string    `json:"url" gorm:"type:varchar(255);not null;uniqueIndex"`
	Platform      string    `json:"platform" gorm:"type:varchar(16)"`
	Version       string    `json:"version" gorm:"type:varchar(32)"`
	Metadata      string    `json:"metadata" gorm:"type:text"`
	Status        string    `json:"status" gorm:"type:varchar(16);not null;default:'offline'"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (FarmNode) TableName() string {
	return "farm_nodes"
}

// 节点状态
const (
	NodeStatusOnline  = "online"
	NodeStatusOffline = "offline"
)

// Alive 最近心跳是否在有效期内
func (n *FarmNode) Alive(now time.Time, expireAfter time.Duration) bool {
	if expireAfter <= 0 {
		return n.Status == NodeStatusOnline
	}
	return n.Status == NodeStatusOnline && now.Sub(n.LastHeartbeat) <= expireAfter
}

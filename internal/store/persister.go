package store

import (
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/database"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormPersister 基于 gorm 的设备记录持久化
type GormPersister struct {
	db *gorm.DB
}

// NewGormPersister 创建持久化后端
func NewGormPersister(db *gorm.DB) *GormPersister {
	return &GormPersister{db: db}
}

// Load 读取全部设备记录
func (p *GormPersister) Load() ([]model.DeviceRecord, error) {
	var recs []model.DeviceRecord
	err := database.WithRetry(p.db, func(tx *gorm.DB) error {
		return tx.Order("seq ASC").Find(&recs).Error
	}, 5, 50*time.Millisecond)
	return recs, err
}

// Save 按主键写入（存在则整行覆盖）
func (p *GormPersister) Save(rec model.DeviceRecord) error {
	return database.WithRetry(p.db, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	}, 5, 50*time.Millisecond)
}

// Delete 删除设备记录
func (p *GormPersister) Delete(udid string) error {
	return database.WithRetry(p.db, func(tx *gorm.DB) error {
		return tx.Where("udid = ?", udid).Delete(&model.DeviceRecord{}).Error
	}, 5, 50*time.Millisecond)
}

package store

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"wirtbot/pkg/model"
)

type snapshotRecord struct {
	ID       uint   `gorm:"primaryKey"`
	Revision uint64 `gorm:"index"`
	Version  string `gorm:"size:32"`
	Data     []byte `gorm:"type:longblob"`
	SavedAt  time.Time
}

func (snapshotRecord) TableName() string { return "snapshots" }

type auditRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Actor     string `gorm:"size:64"`
	Action    string `gorm:"size:64;index"`
	Target    string `gorm:"size:128"`
	Detail    string `gorm:"type:text"`
	Revision  uint64
	Timestamp time.Time `gorm:"index"`
}

func (auditRecord) TableName() string { return "audit_entries" }

// GormStore keeps snapshots and audit entries in MySQL next to the API users.
type GormStore struct {
	db   *gorm.DB
	keep int
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&snapshotRecord{}, &auditRecord{}); err != nil {
		return nil, fmt.Errorf("migrate snapshot tables: %w", err)
	}
	return &GormStore{db: db, keep: DefaultHistory}, nil
}

func (g *GormStore) SaveSnapshot(s Snapshot) error {
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	return g.db.Transaction(func(tx *gorm.DB) error {
		rec := snapshotRecord{Revision: s.Revision, Version: s.Version, Data: s.Data, SavedAt: s.SavedAt}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		var cutoff snapshotRecord
		err := tx.Order("id desc").Offset(g.keep).Limit(1).Find(&cutoff).Error
		if err != nil || cutoff.ID == 0 {
			return err
		}
		return tx.Where("id <= ?", cutoff.ID).Delete(&snapshotRecord{}).Error
	})
}

func (g *GormStore) LoadSnapshot() (Snapshot, bool, error) {
	var recs []snapshotRecord
	if err := g.db.Order("id desc").Limit(1).Find(&recs).Error; err != nil {
		return Snapshot{}, false, err
	}
	if len(recs) == 0 {
		return Snapshot{}, false, nil
	}
	return recs[0].snapshot(), true, nil
}

func (g *GormStore) ListSnapshots(limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = g.keep
	}
	var recs []snapshotRecord
	if err := g.db.Order("id desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = r.snapshot()
	}
	return out, nil
}

func (r snapshotRecord) snapshot() Snapshot {
	return Snapshot{Revision: r.Revision, Version: r.Version, Data: r.Data, SavedAt: r.SavedAt}
}

func (g *GormStore) AppendAudit(e model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	rec := auditRecord{Actor: e.Actor, Action: e.Action, Target: e.Target, Detail: e.Detail, Revision: e.Revision, Timestamp: e.Timestamp}
	return g.db.Create(&rec).Error
}

func (g *GormStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	q := g.db.Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []auditRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.AuditEntry, len(recs))
	for i, r := range recs {
		out[len(recs)-1-i] = model.AuditEntry{
			Actor: r.Actor, Action: r.Action, Target: r.Target, Detail: r.Detail,
			Revision: r.Revision, Timestamp: r.Timestamp,
		}
	}
	return out, nil
}

func (g *GormStore) Ping() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

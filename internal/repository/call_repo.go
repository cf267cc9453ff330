package repository

import (
	"github.com/pccr10001/rtcall/internal/model"
	"gorm.io/gorm"
)

type CallRepository struct {
	db *gorm.DB
}

func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

// SaveCall inserts rec; saving the same session twice is a no-op.
func (r *CallRepository) SaveCall(rec *model.CallRecord) error {
	var existing int64
	if err := r.db.Model(&model.CallRecord{}).Where("session_id = ?", rec.SessionID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return r.db.Create(rec).Error
}

type CallFilter struct {
	PeerID     string
	MissedOnly bool
	Page       int
	Limit      int
}

// ListCalls returns one page of history, newest first, and the total count.
func (r *CallRepository) ListCalls(f CallFilter) ([]model.CallRecord, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	query := r.db.Model(&model.CallRecord{})
	if f.PeerID != "" {
		query = query.Where("peer_id = ?", f.PeerID)
	}
	if f.MissedOnly {
		query = query.Where("direction = ? AND connected_at IS NULL AND end_reason IN ?",
			"incoming", []string{"missed", "remote-ended", "busy"})
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var list []model.CallRecord
	err := query.Order("started_at desc").Limit(f.Limit).Offset((f.Page - 1) * f.Limit).Find(&list).Error
	return list, total, err
}

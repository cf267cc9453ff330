package repository

import (
	"github.com/pccr10001/rtcall/internal/model"
	"gorm.io/gorm"
)

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

func (r *WebhookRepository) Create(webhook *model.Webhook) error {
	return r.db.Create(webhook).Error
}

func (r *WebhookRepository) List() ([]model.Webhook, error) {
	var list []model.Webhook
	err := r.db.Order("id").Find(&list).Error
	return list, err
}

// FindForPeer returns the enabled webhooks for calls from peerID, including
// the catch-all ones.
func (r *WebhookRepository) FindForPeer(peerID string) ([]model.Webhook, error) {
	var list []model.Webhook
	err := r.db.Where("enabled = ? AND (peer_id = ? OR peer_id = ?)", true, peerID, "").Find(&list).Error
	return list, err
}

func (r *WebhookRepository) Delete(id uint) error {
	return r.db.Delete(&model.Webhook{}, id).Error
}

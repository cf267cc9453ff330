package model

import (
	"time"

	"gorm.io/gorm"
)

// User is an operator of the control API.
type User struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Username     string         `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string         `gorm:"not null" json:"-"`
	Role         string         `gorm:"default:'user'" json:"role"` // admin, user
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// CallRecord is one finished call, written when the session reaches ended.
type CallRecord struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SessionID      string     `gorm:"uniqueIndex;size:64;not null" json:"session_id"`
	CallID         string     `gorm:"index;size:64" json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	PeerID         string     `gorm:"index;not null" json:"peer_id"`
	PeerName       string     `json:"peer_name"`
	Direction      string     `json:"direction"` // incoming, outgoing
	Mode           string     `json:"mode"`      // audio, video
	StartedAt      time.Time  `gorm:"index" json:"started_at"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	EndedAt        time.Time  `json:"ended_at"`
	DurationSec    int64      `json:"duration_sec"`
	EndReason      string     `gorm:"index" json:"end_reason"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Webhook receives missed-call notifications. An empty PeerID matches every
// caller.
type Webhook struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PeerID    string    `gorm:"index" json:"peer_id"`
	URL       string    `gorm:"not null" json:"url"`
	Platform  string    `json:"platform"`   // telegram, slack, generic
	ChannelID string    `json:"channel_id"` // For Telegram
	Template  string    `json:"template"`   // "Missed call from {{.PeerName}}"
	Enabled   bool      `gorm:"default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

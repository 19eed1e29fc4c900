package database

import (
	"time"
)

// Direction of a relayed transaction
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReply   Direction = "reply"
)

// User owns aliases; Email is the real mailbox mail is forwarded to
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Email     string    `gorm:"uniqueIndex;not null"`
	IsActive  bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

// Alias represents a relay address handed out to a user
type Alias struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Address   string    `gorm:"uniqueIndex;not null"`
	UserID    uint      `gorm:"not null;index"`
	Enabled   bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
	User      User      `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// ForwardMapping ties an (alias, external sender) pair to its reply handle.
// Rows are never updated once created.
type ForwardMapping struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	AliasAddress   string    `gorm:"not null;uniqueIndex:idx_alias_sender"`
	ExternalSender string    `gorm:"not null;uniqueIndex:idx_alias_sender"`
	OriginalFrom   string    `gorm:"not null;default:''"`
	ReplyHandle    string    `gorm:"uniqueIndex;not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}

// DeliveryLog is the append-only audit entry written once per transaction
type DeliveryLog struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	MappingID uint           `gorm:"not null;index"`
	Direction Direction      `gorm:"not null"`
	Blocked   bool           `gorm:"not null;default:false"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime"`
	Mapping   ForwardMapping `gorm:"foreignKey:MappingID;constraint:OnDelete:CASCADE"`
}

// Activity is a delivery log entry joined with its mapping
type Activity struct {
	ID             uint      `json:"id"`
	AliasAddress   string    `json:"alias"`
	ExternalSender string    `json:"external_sender"`
	ReplyHandle    string    `json:"reply_handle"`
	Direction      Direction `json:"direction"`
	Blocked        bool      `json:"blocked"`
	CreatedAt      time.Time `json:"created_at"`
}

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. WeChatID is a pointer so the unique index
// admits any number of unbound users.
type UserModel struct {
	ID           string    `gorm:"primaryKey;size:50"`
	Username     string    `gorm:"size:50;uniqueIndex;not null"`
	PasswordHash string    `gorm:"size:255;not null"`
	WeChatID     *string   `gorm:"column:wechat_id;size:100;uniqueIndex"`
	CreatedAt    time.Time `gorm:"not null"`

	Collections []CollectionModel `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

func (UserModel) TableName() string { return "users" }

type CollectionModel struct {
	ID           string         `gorm:"primaryKey;size:50"`
	UserID       string         `gorm:"size:50;not null;index"`
	OriginalText string         `gorm:"type:text;not null"`
	Keywords     datatypes.JSON `gorm:"type:jsonb"`
	Category     string         `gorm:"size:50;index"`
	SourceApp    string         `gorm:"size:100"`
	SourceURL    string         `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

func (CollectionModel) TableName() string { return "collections" }

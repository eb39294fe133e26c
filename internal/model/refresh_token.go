package model

import "time"

type RefreshToken struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	Token     string    `gorm:"size:512;uniqueIndex;not null"`
	UserID    string    `gorm:"type:uuid;not null;index"`
	ExpiresAt time.Time `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (RefreshToken) TableName() string { return "refresh_token" }

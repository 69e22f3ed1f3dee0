package models

import (
	"time"

	"gorm.io/gorm"
)

// Bookmark is the last playback position recorded for a track.
type Bookmark struct {
	BaseModel

	URI        string `gorm:"uniqueIndex;not null;size:2048" json:"uri"`
	PositionMs int64  `json:"position_ms"`
}

func (Bookmark) TableName() string { return "bookmarks" }

func (b *Bookmark) Validate() error {
	if b.URI == "" {
		return ErrURIRequired
	}
	if b.PositionMs < 0 {
		return ErrNegativePosition
	}
	return nil
}

func (b *Bookmark) BeforeCreate(tx *gorm.DB) error {
	if err := b.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return b.Validate()
}

func (b *Bookmark) Position() time.Duration {
	return time.Duration(b.PositionMs) * time.Millisecond
}

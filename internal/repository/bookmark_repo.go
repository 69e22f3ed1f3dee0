package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/demuxd/internal/models"
)

type bookmarkRepository struct {
	db *gorm.DB
}

// NewBookmarkRepository creates a BookmarkRepository backed by db.
func NewBookmarkRepository(db *gorm.DB) BookmarkRepository {
	return &bookmarkRepository{db: db}
}

func (r *bookmarkRepository) GetByURI(ctx context.Context, uri string) (*models.Bookmark, error) {
	var b models.Bookmark
	if err := r.db.WithContext(ctx).First(&b, "uri = ?", uri).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

func (r *bookmarkRepository) Upsert(ctx context.Context, b *models.Bookmark) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("validating bookmark: %w", err)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{"position_ms", "updated_at"}),
	}).Create(b).Error
}

func (r *bookmarkRepository) DeleteByURI(ctx context.Context, uri string) error {
	return r.db.WithContext(ctx).Delete(&models.Bookmark{}, "uri = ?", uri).Error
}

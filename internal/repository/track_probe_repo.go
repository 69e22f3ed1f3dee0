package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/demuxd/internal/models"
)

type trackProbeRepository struct {
	db *gorm.DB
}

// NewTrackProbeRepository creates a TrackProbeRepository backed by db.
func NewTrackProbeRepository(db *gorm.DB) TrackProbeRepository {
	return &trackProbeRepository{db: db}
}

func (r *trackProbeRepository) GetByURI(ctx context.Context, uri string) (*models.TrackProbe, error) {
	var probe models.TrackProbe
	if err := r.db.WithContext(ctx).First(&probe, "uri = ?", uri).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &probe, nil
}

func (r *trackProbeRepository) Upsert(ctx context.Context, probe *models.TrackProbe) error {
	if err := probe.Validate(); err != nil {
		return fmt.Errorf("validating track probe: %w", err)
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uri"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"core", "streams", "codecs", "bitrate", "duration_ms",
			"probed_at", "updated_at",
		}),
	}).Create(probe).Error
}

func (r *trackProbeRepository) Touch(ctx context.Context, uri string) error {
	return r.db.WithContext(ctx).Model(&models.TrackProbe{}).
		Where("uri = ?", uri).
		UpdateColumn("hit_count", gorm.Expr("hit_count + ?", 1)).Error
}

func (r *trackProbeRepository) DeleteByURI(ctx context.Context, uri string) error {
	return r.db.WithContext(ctx).Delete(&models.TrackProbe{}, "uri = ?", uri).Error
}

func (r *trackProbeRepository) DeleteByCore(ctx context.Context, core string) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&models.TrackProbe{}, "core = ?", core)
	return result.RowsAffected, result.Error
}

func (r *trackProbeRepository) DeleteProbedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&models.TrackProbe{}, "probed_at < ?", cutoff)
	return result.RowsAffected, result.Error
}

func (r *trackProbeRepository) List(ctx context.Context) ([]*models.TrackProbe, error) {
	var probes []*models.TrackProbe
	if err := r.db.WithContext(ctx).Order("probed_at DESC").Find(&probes).Error; err != nil {
		return nil, err
	}
	return probes, nil
}

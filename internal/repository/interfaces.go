// Package repository provides data access implementations.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/demuxd/internal/models"
)

// TrackProbeRepository persists probe results keyed by track URI.
type TrackProbeRepository interface {
	// GetByURI returns nil, nil when no probe is stored for uri.
	GetByURI(ctx context.Context, uri string) (*models.TrackProbe, error)
	// Upsert creates or replaces the probe for the record's URI.
	Upsert(ctx context.Context, probe *models.TrackProbe) error
	// Touch increments the hit count for uri.
	Touch(ctx context.Context, uri string) error
	DeleteByURI(ctx context.Context, uri string) error
	// DeleteByCore removes every probe that selected core, for use when a
	// core is removed or its detection changes.
	DeleteByCore(ctx context.Context, core string) (int64, error)
	// DeleteProbedBefore removes probes older than cutoff.
	DeleteProbedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	List(ctx context.Context) ([]*models.TrackProbe, error)
}

// BookmarkRepository persists the last playback position per track URI.
type BookmarkRepository interface {
	// GetByURI returns nil, nil when no bookmark is stored for uri.
	GetByURI(ctx context.Context, uri string) (*models.Bookmark, error)
	Upsert(ctx context.Context, bookmark *models.Bookmark) error
	DeleteByURI(ctx context.Context, uri string) error
}

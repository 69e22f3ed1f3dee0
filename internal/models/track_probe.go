package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// TrackProbe caches the outcome of opening a track so the next open can go
// straight to the core that handled it.
type TrackProbe struct {
	BaseModel

	URI     string `gorm:"uniqueIndex;not null;size:2048" json:"uri"`
	Core    string `gorm:"size:64;not null" json:"core"`
	Streams int    `json:"streams"`
	// Codecs is a comma separated list in stream order.
	Codecs     string    `gorm:"size:512" json:"codecs"`
	Bitrate    int64     `json:"bitrate"`
	DurationMs int64     `json:"duration_ms"`
	ProbedAt   time.Time `gorm:"not null" json:"probed_at"`
	HitCount   int64     `gorm:"default:0" json:"hit_count"`
}

func (TrackProbe) TableName() string { return "track_probes" }

func (p *TrackProbe) Validate() error {
	if p.URI == "" {
		return ErrURIRequired
	}
	if p.Core == "" {
		return ErrCoreRequired
	}
	return nil
}

func (p *TrackProbe) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if p.ProbedAt.IsZero() {
		p.ProbedAt = time.Now().UTC()
	}
	return p.Validate()
}

// CodecList splits Codecs.
func (p *TrackProbe) CodecList() []string {
	if p.Codecs == "" {
		return nil
	}
	return strings.Split(p.Codecs, ",")
}

func (p *TrackProbe) SetCodecs(codecs []string) {
	p.Codecs = strings.Join(codecs, ",")
}

func (p *TrackProbe) Duration() time.Duration {
	return time.Duration(p.DurationMs) * time.Millisecond
}

// Stale reports whether the probe is older than ttl. A zero ttl never
// expires.
func (p *TrackProbe) Stale(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(p.ProbedAt) > ttl
}

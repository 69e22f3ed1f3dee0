package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/demuxd/internal/database"
	"github.com/jmylchreest/demuxd/internal/repository"
	"github.com/jmylchreest/demuxd/internal/startup"
)

var errStoreDisabled = errors.New("the probe cache is disabled; pass --store, set database.enabled or DEMUXD_DATABASE_ENABLED=true")

// store bundles the probe cache database and its repositories.
type store struct {
	db        *database.DB
	probes    repository.TrackProbeRepository
	bookmarks repository.BookmarkRepository
	cache     *repository.ProbeCache
}

// openStore opens and migrates the configured database. It returns
// errStoreDisabled when persistence is switched off.
func openStore(ctx context.Context) (*store, error) {
	cfg := appConfig.Database
	if !cfg.Enabled {
		return nil, errStoreDisabled
	}
	db, err := database.New(cfg, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	s := &store{
		db:        db,
		probes:    repository.NewTrackProbeRepository(db.DB),
		bookmarks: repository.NewBookmarkRepository(db.DB),
	}
	s.cache = repository.NewProbeCache(s.probes, s.bookmarks, cfg.ProbeTTL, logger)
	if _, err := startup.PruneStaleProbes(ctx, logger, s.probes, cfg.ProbeTTL); err != nil {
		logger.Warn("continuing with stale probes in the cache", slog.String("error", err.Error()))
	}
	return s, nil
}

// openOptionalStore is openStore that treats a disabled store as absent.
func openOptionalStore(ctx context.Context) (*store, error) {
	s, err := openStore(ctx)
	if errors.Is(err, errStoreDisabled) {
		return nil, nil
	}
	return s, err
}

func (s *store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

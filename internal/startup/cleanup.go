// Package startup provides tasks run once when a store is opened.
package startup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/demuxd/internal/repository"
)

// PruneStaleProbes deletes cached probe results older than ttl. A ttl of
// zero or less keeps everything.
//
// Returns the number of probes removed.
func PruneStaleProbes(ctx context.Context, logger *slog.Logger, probes repository.TrackProbeRepository, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	removed, err := probes.DeleteProbedBefore(ctx, cutoff)
	if err != nil {
		logger.Error("failed to prune stale probes",
			slog.Time("cutoff", cutoff),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	if removed > 0 {
		logger.Info("pruned stale probes",
			slog.Int64("removed", removed),
			slog.Duration("ttl", ttl),
		)
	}
	return removed, nil
}

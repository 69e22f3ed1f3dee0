package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/demuxd/internal/models"
)

// AllMigrations returns the registered migrations in order:
//   - 001: track probe cache and bookmarks
//   - 002: index probes by core for cache invalidation
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002ProbeCoreIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create track probe and bookmark tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.TrackProbe{}, &models.Bookmark{})
		},
		Down: func(tx *gorm.DB) error {
			for _, table := range []string{"bookmarks", "track_probes"} {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}

func migration002ProbeCoreIndex() Migration {
	const index = "idx_track_probes_core"
	return Migration{
		Version:     "002",
		Description: "Index track probes by core",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.TrackProbe{}, index) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + index + " ON track_probes (core)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.TrackProbe{}, index) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.TrackProbe{}, index)
		},
	}
}

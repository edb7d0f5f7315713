package cache

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"
)

// InvalidateCacheCmd represents the cache invalidate subcommand
type InvalidateCacheCmd struct {
	Source string `arg:"" help:"Cache source to invalidate: rdf, etag" required:""`
}

func (i *InvalidateCacheCmd) Run() error {
	cacheDB := viper.GetString("cache.dbfile")

	slog.Info("Invalidating cache", "source", i.Source, "database", cacheDB)

	tableName := i.Source + "_cache"

	validSources := map[string]bool{
		"rdf":  true,
		"etag": true,
	}
	if !validSources[i.Source] {
		return fmt.Errorf("invalid cache source '%s'; valid sources are: rdf, etag", i.Source)
	}

	cacheInstance, err := GetGlobalCache()
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	rowsDeleted, err := cacheInstance.InvalidateSource(tableName)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	slog.Info("Cache invalidated", "source", i.Source, "rows_deleted", rowsDeleted)
	return nil
}

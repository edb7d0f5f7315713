package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lepinkainen/humanlog"
	"github.com/spf13/viper"

	"github.com/lepinkainen/gutenzim/internal/cache"
	"github.com/lepinkainen/gutenzim/internal/catalog"
	"github.com/lepinkainen/gutenzim/internal/config"
	"github.com/lepinkainen/gutenzim/internal/download"
	"github.com/lepinkainen/gutenzim/internal/export"
	"github.com/lepinkainen/gutenzim/internal/library"
	"github.com/lepinkainen/gutenzim/internal/objcache"
	"github.com/lepinkainen/gutenzim/internal/processor"
	"github.com/lepinkainen/gutenzim/internal/progress"
	"github.com/lepinkainen/gutenzim/internal/ratelimit"
	"github.com/lepinkainen/gutenzim/internal/urls"
)

// CLI represents the complete command structure for the gutenzim application
type CLI struct {
	// Global flags
	Force       bool   `help:"Re-download content even when it is already present"`
	MirrorURL   string `help:"Gutenberg mirror base URL" default:"http://aleph.pglaf.org"`
	DownloadDir string `help:"Directory downloaded book content is written to" default:"./dl-cache/"`

	// Cache flags
	CacheDBFile string `help:"Path to cache SQLite database file" default:"./cache.db"`
	CacheTTL    string `help:"Cache time-to-live duration (e.g., 720h for 30 days)" default:"720h"`

	Fetch FetchCmd `cmd:"" help:"Run the acquisition pipeline over the catalog"`
	Index IndexCmd `cmd:"" help:"Rebuild the known-URL index from a mirror listing"`
	Cache CacheCmd `cmd:"" help:"Manage the local fetch cache"`
}

// FetchCmd runs the full pipeline: catalog load, metadata parse, download,
// popularity pass and JSON export.
type FetchCmd struct {
	Catalog     string   `short:"c" help:"Path to the gzipped catalog CSV file"`
	DBFile      string   `help:"Path to the library SQLite database" default:"./library.db"`
	Languages   []string `short:"l" help:"Only process books in these language codes"`
	Formats     []string `help:"Logical formats to fetch (html, epub, pdf)"`
	Books       []int    `help:"Only process these book ids"`
	Concurrency int      `help:"Worker pool size (overrides config)"`
	StatsFile   string   `help:"Path for the JSON progress snapshot"`
	OutDir      string   `short:"o" help:"Directory for the JSON index output" default:"./json/"`
	MirrorRPS   int      `help:"Request rate limit against the mirror, per second" default:"10"`
}

// IndexCmd loads an rsync --list-only capture of the mirror tree into the
// known-URL index used to pre-filter candidate URLs.
type IndexCmd struct {
	Listing string `arg:"" help:"Path to the rsync --list-only output file"`
	DBFile  string `help:"Path to the library SQLite database" default:"./library.db"`
}

// CacheCmd groups cache management subcommands.
type CacheCmd struct {
	Invalidate cache.InvalidateCacheCmd `cmd:"" help:"Clear a cache source (rdf, etag)"`
}

// Execute runs the Kong-based CLI
func Execute() {
	initLogging()
	initConfig()

	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("gutenzim"),
		kong.Description("Fetches and normalizes Project Gutenberg books for offline packaging."),
		kong.UsageOnError(),
	)

	updateGlobalConfig(&cli)

	if err := ctx.Run(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Cache defaults
	viper.SetDefault("cache.dbfile", "./cache.db")
	viper.SetDefault("cache.ttl", "720h") // 30 days
	viper.SetDefault("library.dbfile", "./library.db")

	// Enable environment variable support
	viper.AutomaticEnv()
	if err := viper.BindEnv("objectcache.url", "OBJECT_CACHE_URL"); err != nil {
		slog.Error("Failed to bind environment variable", "error", err)
	}
	if err := viper.BindEnv("objectcache.token", "OBJECT_CACHE_TOKEN"); err != nil {
		slog.Error("Failed to bind environment variable", "error", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("Config file not found, writing default config file...")
			if err := viper.SafeWriteConfig(); err != nil {
				slog.Error("Error writing config file", "error", err)
			}
			os.Exit(0)
		} else {
			slog.Error("Fatal error config file", "error", err)
			os.Exit(1)
		}
	}

	config.InitConfig()
}

func updateGlobalConfig(cli *CLI) {
	viper.Set("force", cli.Force)
	viper.Set("mirrorurl", cli.MirrorURL)
	viper.Set("downloaddir", cli.DownloadDir)
	viper.Set("cache.dbfile", cli.CacheDBFile)
	viper.Set("cache.ttl", cli.CacheTTL)

	// re-snapshot after flag overrides
	config.InitConfig()
}

// Run methods for each command

func (f *FetchCmd) Run() error {
	catalogPath := f.Catalog
	if catalogPath == "" {
		catalogPath = viper.GetString("catalog.file")
	}
	if catalogPath == "" {
		return fmt.Errorf("catalog file is required (provide via --catalog flag or catalog.file in config)")
	}

	concurrency := f.Concurrency
	if concurrency == 0 {
		concurrency = config.Concurrency
	}
	formats := f.Formats
	if len(formats) == 0 {
		formats = config.Formats
	}

	entries, err := catalog.Load(catalogPath)
	if err != nil {
		return err
	}
	selected := selectEntries(entries, f.Languages, f.Books)
	if len(selected) == 0 {
		return fmt.Errorf("no catalog entries match the requested languages/ids")
	}
	slog.Info("Starting run", "books", len(selected), "formats", formats, "concurrency", concurrency)

	repo, err := library.Open(f.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	resolver := urls.NewResolver(config.MirrorURL, repo, config.StrictURLIndex)
	limiter := ratelimit.New("mirror", f.MirrorRPS)

	var objCache download.ObjectCache
	if config.ObjectCacheURL != "" {
		client := objcache.New(config.ObjectCacheURL, viper.GetString("objectcache.token"))
		if err := client.Connect(); err != nil {
			return err
		}
		objCache = client
	}

	fetcher := download.NewFetcher(repo, resolver, limiter, objCache, download.Options{
		Dir:               config.DownloadDir,
		Force:             config.Force,
		OptimizerVersions: config.OptimizerVersions,
	})
	reporter := progress.NewReporter(f.StatsFile)
	exporter := export.NewJSONExporter(repo, config.DownloadDir, f.OutDir, true)

	proc := processor.New(repo, fetcher, resolver, limiter, reporter, exporter, processor.Options{
		Concurrency: concurrency,
		Formats:     formats,
	})

	summary, err := proc.Run(context.Background(), selected)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		slog.Warn("Run finished with failures", "failed", summary.Failed)
	}
	return nil
}

// selectEntries narrows catalog entries to the requested languages and ids.
func selectEntries(entries []catalog.Entry, languages []string, onlyIDs []int) []catalog.Entry {
	wanted := make(map[int]bool)
	for _, id := range catalog.FilterIDs(entries, languages, onlyIDs) {
		wanted[id] = true
	}
	var selected []catalog.Entry
	for _, entry := range entries {
		if wanted[entry.BookID] {
			selected = append(selected, entry)
		}
	}
	return selected
}

func (i *IndexCmd) Run() error {
	f, err := os.Open(i.Listing)
	if err != nil {
		return fmt.Errorf("failed to open listing: %w", err)
	}
	defer func() { _ = f.Close() }()

	paths, err := urls.ParseListing(f)
	if err != nil {
		return err
	}

	repo, err := library.Open(i.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	if err := repo.ReplaceURLIndex(paths); err != nil {
		return err
	}
	slog.Info("URL index rebuilt", "urls", len(paths))
	return nil
}

func initLogging() {
	handler := humanlog.NewHandler(os.Stdout, &humanlog.Options{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(handler))
}

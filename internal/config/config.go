package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Global configuration variables
var (
	// Force controls whether already-downloaded content is re-fetched
	Force bool
	// MirrorURL is the Gutenberg mirror serving the file tree
	MirrorURL string
	// DownloadDir is the directory downloaded book content is written to
	DownloadDir string
	// Concurrency is the fixed worker pool size for book processing
	Concurrency int
	// Formats is the list of logical formats to fetch (html, epub, pdf)
	Formats []string
	// StrictURLIndex makes the URL resolver trust the known-URL index even
	// when it filters every candidate out (production mode)
	StrictURLIndex bool
	// ObjectCacheURL is the optional remote optimization cache endpoint
	ObjectCacheURL string
	// OptimizerVersions maps a format to the optimizer version tag expected
	// on cached artifacts of that format
	OptimizerVersions map[string]string
)

// InitConfig initializes the global configuration
func InitConfig() {
	viper.SetDefault("mirrorurl", "http://aleph.pglaf.org")
	viper.SetDefault("downloaddir", "./dl-cache/")
	viper.SetDefault("concurrency", 8)
	viper.SetDefault("formats", "html,epub,pdf")
	viper.SetDefault("urlindex.strict", false)

	Force = viper.GetBool("force")
	MirrorURL = strings.TrimRight(viper.GetString("mirrorurl"), "/")
	DownloadDir = viper.GetString("downloaddir")
	Concurrency = viper.GetInt("concurrency")
	Formats = SplitList(viper.GetString("formats"))
	StrictURLIndex = viper.GetBool("urlindex.strict")
	ObjectCacheURL = viper.GetString("objectcache.url")
	OptimizerVersions = viper.GetStringMapString("objectcache.optimizerversions")
}

// SetForce sets the Force flag
func SetForce(force bool) {
	Force = force
}

// SplitList splits a comma-separated config value, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package testutil

import (
	"testing"

	"github.com/lepinkainen/gutenzim/internal/config"
	"github.com/spf13/viper"
)

// ConfigState holds the state of the config package variables.
type ConfigState struct {
	Force             bool
	MirrorURL         string
	DownloadDir       string
	Concurrency       int
	Formats           []string
	StrictURLIndex    bool
	ObjectCacheURL    string
	OptimizerVersions map[string]string
}

// SaveConfigState captures the current state of config package variables.
func SaveConfigState() ConfigState {
	return ConfigState{
		Force:             config.Force,
		MirrorURL:         config.MirrorURL,
		DownloadDir:       config.DownloadDir,
		Concurrency:       config.Concurrency,
		Formats:           config.Formats,
		StrictURLIndex:    config.StrictURLIndex,
		ObjectCacheURL:    config.ObjectCacheURL,
		OptimizerVersions: config.OptimizerVersions,
	}
}

// RestoreConfigState restores the config package variables to a saved state.
func RestoreConfigState(state ConfigState) {
	config.Force = state.Force
	config.MirrorURL = state.MirrorURL
	config.DownloadDir = state.DownloadDir
	config.Concurrency = state.Concurrency
	config.Formats = state.Formats
	config.StrictURLIndex = state.StrictURLIndex
	config.ObjectCacheURL = state.ObjectCacheURL
	config.OptimizerVersions = state.OptimizerVersions
}

// ResetConfig saves the current config state and schedules restoration
// when the test completes. It also resets viper.
func ResetConfig(t *testing.T) {
	t.Helper()

	// Save current config state
	state := SaveConfigState()

	// Reset viper
	viper.Reset()

	// Schedule restoration on test cleanup
	t.Cleanup(func() {
		RestoreConfigState(state)
		viper.Reset()
	})
}

// SetTestConfig sets up a test configuration with common defaults.
// It saves the current state and restores it when the test completes.
func SetTestConfig(t *testing.T) {
	t.Helper()

	// Save current config state
	state := SaveConfigState()

	// Reset viper and set test defaults
	viper.Reset()

	// Set common test defaults
	config.Force = false
	config.MirrorURL = "http://mirror.test"
	config.DownloadDir = t.TempDir()
	config.Concurrency = 2
	config.Formats = []string{"html", "epub"}
	config.StrictURLIndex = false
	config.ObjectCacheURL = ""
	config.OptimizerVersions = nil

	// Schedule restoration on test cleanup
	t.Cleanup(func() {
		RestoreConfigState(state)
		viper.Reset()
	})
}

// SetTestConfigOption is a functional option for configuring test config.
type SetTestConfigOption func(*testConfigOptions)

type testConfigOptions struct {
	force       bool
	mirrorURL   string
	downloadDir string
	formats     []string
}

// WithForce sets the Force option.
func WithForce(v bool) SetTestConfigOption {
	return func(o *testConfigOptions) {
		o.force = v
	}
}

// WithMirrorURL sets the mirror base URL.
func WithMirrorURL(url string) SetTestConfigOption {
	return func(o *testConfigOptions) {
		o.mirrorURL = url
	}
}

// WithDownloadDir sets the download directory.
func WithDownloadDir(dir string) SetTestConfigOption {
	return func(o *testConfigOptions) {
		o.downloadDir = dir
	}
}

// WithFormats sets the logical formats to fetch.
func WithFormats(formats ...string) SetTestConfigOption {
	return func(o *testConfigOptions) {
		o.formats = formats
	}
}

// SetTestConfigWithOptions sets up a test configuration with custom options.
// It saves the current state and restores it when the test completes.
func SetTestConfigWithOptions(t *testing.T, opts ...SetTestConfigOption) {
	t.Helper()

	// Save current config state
	state := SaveConfigState()

	// Reset viper
	viper.Reset()

	// Set defaults
	options := testConfigOptions{
		force:       false,
		mirrorURL:   "http://mirror.test",
		downloadDir: t.TempDir(),
		formats:     []string{"html", "epub"},
	}

	// Apply options
	for _, opt := range opts {
		opt(&options)
	}

	// Apply to config
	config.Force = options.force
	config.MirrorURL = options.mirrorURL
	config.DownloadDir = options.downloadDir
	config.Formats = options.formats

	// Schedule restoration on test cleanup
	t.Cleanup(func() {
		RestoreConfigState(state)
		viper.Reset()
	})
}

// SetViperValue sets a viper configuration value and schedules cleanup.
func SetViperValue(t *testing.T, key string, value any) {
	t.Helper()

	// Get the old value (if any)
	oldValue := viper.Get(key)
	hadValue := viper.IsSet(key)

	// Set the new value
	viper.Set(key, value)

	// Schedule cleanup
	t.Cleanup(func() {
		if hadValue {
			viper.Set(key, oldValue)
		}
		// Note: viper doesn't have an Unset function, so we can't
		// restore the "unset" state. This is a known limitation.
	})
}

// SetupTestCache configures viper for test caching with a temporary directory.
// It creates the cache directory and sets up viper configuration.
func SetupTestCache(t *testing.T, env *TestEnv) string {
	t.Helper()

	// Create cache directory
	cacheDir := env.Path("cache")
	env.MkdirAll("cache")

	// Configure viper
	viper.Set("cache.dbfile", env.Path("cache", "test-cache.db"))
	viper.Set("cache.ttl", "24h")

	return cacheDir
}

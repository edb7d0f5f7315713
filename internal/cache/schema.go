package cache

// SQL schemas for cache tables
// All cache tables use "cache_key" as the primary key column for consistency

// RDFCacheSchema holds raw per-book RDF documents fetched from the mirror,
// keyed by book id.
const RDFCacheSchema = `
CREATE TABLE IF NOT EXISTS rdf_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rdf_cached_at ON rdf_cache(cached_at);
`

// EtagCacheSchema holds HEAD-request ETag lookups, keyed by URL.
const EtagCacheSchema = `
CREATE TABLE IF NOT EXISTS etag_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_etag_cached_at ON etag_cache(cached_at);
`

// AllCacheSchemas contains all cache table schemas for easy initialization
var AllCacheSchemas = []string{
	RDFCacheSchema,
	EtagCacheSchema,
}

// ValidCacheTableNames is the whitelist of allowed cache table names
// Used to prevent SQL injection when interpolating table names
var ValidCacheTableNames = map[string]bool{
	"rdf_cache":  true,
	"etag_cache": true,
}

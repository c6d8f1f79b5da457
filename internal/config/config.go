package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type Config struct {
	Addr     string
	LogLevel string

	RedisAddr    string
	RoutesDBPath string

	ShellVersion     string
	ShellUpstreamURL string
	UpstreamURL      string

	TileURLTemplate string
	TileHostPattern string
	APIPrefixes     []string

	RuntimeTTL     time.Duration
	TileTTL        time.Duration
	TileMemEntries int

	DownloadBatchSize  int
	DownloadBatchDelay time.Duration

	StorageQuotaBytes uint64

	CacheOpTimeout time.Duration

	Invalidation InvalidationCfg
}

func FromEnv() Config {
	batch := getint("DOWNLOAD_BATCH_SIZE", 10)
	if batch < 1 {
		batch = 1
	}

	return Config{
		Addr:     getenv("ADDR", ":8090"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		RoutesDBPath: getenv("ROUTES_DB_PATH", "offline-routes.db"),

		ShellVersion:     getenv("SHELL_VERSION", "v4"),
		ShellUpstreamURL: getenv("SHELL_UPSTREAM_URL", "http://localhost:3000"),
		UpstreamURL:      getenv("UPSTREAM_URL", "http://localhost:3000"),

		TileURLTemplate: getenv("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/%d/%d/%d.png"),
		TileHostPattern: getenv("TILE_HOST_PATTERN", `tile\.openstreetmap\.org`),
		APIPrefixes:     getlist("API_PREFIXES", "/api/osrm,/api/nominatim,/api/overpass"),

		RuntimeTTL:     getduration("RUNTIME_TTL", 0),
		TileTTL:        getduration("TILE_TTL", 0),
		TileMemEntries: getint("TILE_MEM_ENTRIES", 512),

		DownloadBatchSize:  batch,
		DownloadBatchDelay: getduration("DOWNLOAD_BATCH_DELAY", 100*time.Millisecond),

		StorageQuotaBytes: getuint64("STORAGE_QUOTA_BYTES", 0),

		CacheOpTimeout: getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "deploy-activations"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "offline-cache-worker"),
		},
	}
}

// ShellPartition is the versioned shell partition name for this deploy.
func (c Config) ShellPartition() string {
	return "shell-" + c.ShellVersion
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getuint64(k string, def uint64) uint64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a,b,c" into a slice, dropping empty elements
func getlist(k, def string) []string {
	raw := getenv(k, def)
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

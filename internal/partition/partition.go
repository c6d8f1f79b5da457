// Package partition manages the named, versioned cache partitions that hold
// intercepted responses: the versioned application shell, runtime API
// responses, map tile imagery, and the offline-routes index.
//
// A partition is a redis key namespace. Each stored response lives under
// part:<name>:<xxhash64(url)>; the URLs belonging to a partition are tracked
// in a partidx:<name> set so a partition can be enumerated, sized, and
// dropped as a unit, and partition names themselves are tracked in the
// partnames set so an activation sweep can discover stale partitions.
package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
)

// Logical partition names. The shell partition name is versioned per deploy
// and supplied by the caller (config.ShellPartition).
const (
	Runtime     = "runtime"
	Tiles       = "map-tiles"
	RoutesIndex = "offline-routes"
)

const (
	namesKey    = "partnames"
	indexPrefix = "partidx:"
	dataPrefix  = "part:"
)

// ErrNotFound reports a cache miss on Get.
var ErrNotFound = errors.New("partition: entry not found")

// Entry is a cached response payload stored under its source URL.
type Entry struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

type Option func(*Manager)

// WithTTL sets the expiry applied to entries of the named partition.
// Zero (the default) keeps entries until the partition is deleted.
func WithTTL(name string, ttl time.Duration) Option {
	return func(m *Manager) { m.ttl[name] = ttl }
}

func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) { m.ropts.DialTimeout = d }
}

// WithOpTimeout bounds individual read and write operations against redis.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ropts.ReadTimeout = d
			m.ropts.WriteTimeout = d
		}
	}
}

func WithPoolSize(n int) Option {
	return func(m *Manager) { m.ropts.PoolSize = n }
}

type Manager struct {
	rdb   *redis.Client
	ttl   map[string]time.Duration
	ropts *redis.Options
}

func New(ctx context.Context, addr string, opts ...Option) (*Manager, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	m := &Manager{
		ttl: map[string]time.Duration{},
		ropts: &redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
	}
	for _, f := range opts {
		f(m)
	}

	m.rdb = redis.NewClient(m.ropts)

	start := time.Now()
	err := m.rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = m.rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return m, nil
}

func dataKey(name, url string) string {
	return fmt.Sprintf("%s%s:%016x", dataPrefix, name, xxhash.Sum64String(url))
}

// Put upserts an entry into the named partition. Later writes for the same
// URL overwrite earlier ones.
func (m *Manager) Put(ctx context.Context, name string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("partition %q encode %q: %w", name, e.URL, err)
	}

	start := time.Now()
	_, err = m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, dataKey(name, e.URL), raw, m.ttl[name])
		p.SAdd(ctx, indexPrefix+name, e.URL)
		p.SAdd(ctx, namesKey, name)
		return nil
	})
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("partition %q put %q: %w", name, e.URL, err)
	}
	return nil
}

// Get returns the entry stored for url, or ErrNotFound on a miss.
func (m *Manager) Get(ctx context.Context, name, url string) (Entry, error) {
	start := time.Now()
	raw, err := m.rdb.Get(ctx, dataKey(name, url)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return Entry{}, ErrNotFound
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return Entry{}, fmt.Errorf("partition %q get %q: %w", name, url, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("partition %q decode %q: %w", name, url, err)
	}
	return e, nil
}

// Keys lists the URLs recorded for a partition. Entries evicted by TTL may
// still be listed here; Get resolves the truth per URL.
func (m *Manager) Keys(ctx context.Context, name string) ([]string, error) {
	urls, err := m.rdb.SMembers(ctx, indexPrefix+name).Result()
	if err != nil {
		return nil, fmt.Errorf("partition %q keys: %w", name, err)
	}
	return urls, nil
}

// Names lists every partition that currently exists.
func (m *Manager) Names(ctx context.Context) ([]string, error) {
	names, err := m.rdb.SMembers(ctx, namesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("partition names: %w", err)
	}
	return names, nil
}

// Delete drops a whole partition: every entry, its index, and its name.
func (m *Manager) Delete(ctx context.Context, name string) error {
	urls, err := m.Keys(ctx, name)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(urls)+1)
	for _, u := range urls {
		keys = append(keys, dataKey(name, u))
	}
	keys = append(keys, indexPrefix+name)

	start := time.Now()
	_, err = m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.SRem(ctx, namesKey, name)
		return nil
	})
	observability.ObserveCacheOp("delete_partition", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("partition %q delete: %w", name, err)
	}
	return nil
}

// Sweep deletes every partition whose name is not in allow. Deletion is not
// transactional; a crash mid-sweep leaves the remainder for the next sweep,
// which is idempotent.
func (m *Manager) Sweep(ctx context.Context, allow []string) error {
	allowed := make(map[string]struct{}, len(allow))
	for _, a := range allow {
		allowed[a] = struct{}{}
	}

	names, err := m.Names(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, ok := allowed[n]; ok {
			continue
		}
		if err := m.Delete(ctx, n); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
	}
	return nil
}

// Usage sums the stored byte size of every live entry across all partitions.
func (m *Manager) Usage(ctx context.Context) (uint64, error) {
	names, err := m.Names(ctx)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, n := range names {
		urls, err := m.Keys(ctx, n)
		if err != nil {
			return 0, err
		}
		for _, u := range urls {
			// STRLEN of an expired key is 0, so TTL-evicted entries drop out.
			sz, err := m.rdb.StrLen(ctx, dataKey(n, u)).Result()
			if err != nil {
				return 0, fmt.Errorf("partition %q usage %q: %w", n, u, err)
			}
			total += uint64(sz)
		}
	}
	return total, nil
}

func (m *Manager) Close() error {
	if err := m.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

// Package strategy routes every intercepted request into one of three
// caching lanes: cache-first for tile imagery, network-first for proxied API
// calls, and stale-while-revalidate for everything else.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
)

const (
	laneTile    = "tile"
	laneAPI     = "api"
	laneDefault = "default"

	refreshTimeout = 30 * time.Second
)

type Config struct {
	// TileHostPattern matches the hostname of tile image requests.
	TileHostPattern string
	// APIPrefixes are the proxied-API path prefixes served network-first.
	APIPrefixes []string
	// UpstreamURL is the origin that relative (same-origin) requests
	// resolve against.
	UpstreamURL string
	// TileMemEntries bounds the in-memory hot-tile tier.
	TileMemEntries int
	// TileTTL is the tile partition's expiry; the memory tier honors the
	// same bound so an entry evicted from redis cannot outlive it in memory.
	// Zero keeps memory-tier entries until LRU eviction.
	TileTTL time.Duration
}

type Engine struct {
	log         *slog.Logger
	parts       *partition.Manager
	client      *http.Client
	tileHost    *regexp.Regexp
	apiPrefixes []string
	upstream    *url.URL
	mem         *lru.Cache[string, partition.Entry]
	tileTTL     time.Duration
}

func New(log *slog.Logger, parts *partition.Manager, client *http.Client, cfg Config) (*Engine, error) {
	tileHost, err := regexp.Compile(cfg.TileHostPattern)
	if err != nil {
		return nil, fmt.Errorf("tile host pattern: %w", err)
	}
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	n := cfg.TileMemEntries
	if n <= 0 {
		n = 512
	}
	mem, err := lru.New[string, partition.Entry](n)
	if err != nil {
		return nil, fmt.Errorf("tile memory tier: %w", err)
	}
	return &Engine{
		log:         log,
		parts:       parts,
		client:      client,
		tileHost:    tileHost,
		apiPrefixes: cfg.APIPrefixes,
		upstream:    upstream,
		mem:         mem,
		tileTTL:     cfg.TileTTL,
	}, nil
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := e.resolve(r)

	// Only navigational GETs over http(s) participate in caching.
	if r.Method != http.MethodGet || (target.Scheme != "http" && target.Scheme != "https") {
		e.passThrough(w, r, target)
		return
	}

	switch {
	case e.tileHost.MatchString(target.Hostname()):
		e.serveTile(w, r, target)
	case e.isAPIPath(target.Path):
		e.serveAPI(w, r, target)
	default:
		e.serveDefault(w, r, target)
	}
}

// resolve turns the incoming request into the outbound target URL. Absolute
// request URLs (explicit proxying, tile traffic) are used as-is; same-origin
// paths resolve against the configured upstream.
func (e *Engine) resolve(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		return r.URL
	}
	return e.upstream.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
}

func (e *Engine) isAPIPath(path string) bool {
	for _, p := range e.apiPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// serveTile is cache-first: a cached tile short-circuits the network
// entirely; misses are filled from the network and stored; a network failure
// with nothing cached fails visibly.
func (e *Engine) serveTile(w http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx := logger.WithLane(r.Context(), laneTile)
	urlStr := target.String()

	if cached, ok := e.mem.Get(urlStr); ok {
		if !e.tileExpired(cached) {
			observability.IncLaneHit(laneTile)
			writeEntry(w, cached)
			return
		}
		e.mem.Remove(urlStr)
	}
	if cached, err := e.parts.Get(ctx, partition.Tiles, urlStr); err == nil {
		observability.IncLaneHit(laneTile)
		e.mem.Add(urlStr, cached)
		writeEntry(w, cached)
		return
	} else if !errors.Is(err, partition.ErrNotFound) {
		e.log.ErrorContext(ctx, "tile partition read failed", "url", urlStr, "err", err)
	}

	observability.IncLaneMiss(laneTile)
	entry, err := e.fetch(ctx, urlStr)
	if err != nil {
		e.log.WarnContext(ctx, "tile fetch failed with empty cache", "url", urlStr, "err", err)
		http.Error(w, "tile unavailable offline", http.StatusBadGateway)
		return
	}
	if entry.Status == http.StatusOK {
		e.mem.Add(urlStr, entry)
		if err := e.parts.Put(ctx, partition.Tiles, entry); err != nil {
			e.log.ErrorContext(ctx, "tile cache write failed", "url", urlStr, "err", err)
		}
	}
	writeEntry(w, entry)
}

// serveAPI is network-first: a live response wins and refreshes the runtime
// partition; only a network failure falls back to whatever was cached.
func (e *Engine) serveAPI(w http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx := logger.WithLane(r.Context(), laneAPI)
	urlStr := target.String()

	entry, err := e.fetch(ctx, urlStr)
	if err == nil {
		observability.IncLaneNetwork(laneAPI)
		if err := e.parts.Put(ctx, partition.Runtime, entry); err != nil {
			e.log.ErrorContext(ctx, "runtime cache write failed", "url", urlStr, "err", err)
		}
		writeEntry(w, entry)
		return
	}

	cached, cerr := e.parts.Get(ctx, partition.Runtime, urlStr)
	if cerr != nil {
		observability.IncLaneMiss(laneAPI)
		e.log.WarnContext(ctx, "api fetch failed with empty cache", "url", urlStr, "err", err)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	observability.IncLaneHit(laneAPI)
	writeEntry(w, cached)
}

// serveDefault is stale-while-revalidate: a cached response returns
// immediately while a background fetch refreshes the runtime partition; with
// nothing cached the caller waits on the network.
func (e *Engine) serveDefault(w http.ResponseWriter, r *http.Request, target *url.URL) {
	ctx := logger.WithLane(r.Context(), laneDefault)
	urlStr := target.String()

	cached, err := e.parts.Get(ctx, partition.Runtime, urlStr)
	if err == nil {
		observability.IncLaneHit(laneDefault)
		go e.refresh(urlStr)
		writeEntry(w, cached)
		return
	}
	if !errors.Is(err, partition.ErrNotFound) {
		e.log.ErrorContext(ctx, "runtime partition read failed", "url", urlStr, "err", err)
	}

	observability.IncLaneMiss(laneDefault)
	entry, ferr := e.fetch(ctx, urlStr)
	if ferr != nil {
		e.log.WarnContext(ctx, "fetch failed with empty cache", "url", urlStr, "err", ferr)
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	if err := e.parts.Put(ctx, partition.Runtime, entry); err != nil {
		e.log.ErrorContext(ctx, "runtime cache write failed", "url", urlStr, "err", err)
	}
	writeEntry(w, entry)
}

// tileExpired reports whether a memory-tier entry has outlived the tile TTL.
func (e *Engine) tileExpired(entry partition.Entry) bool {
	return e.tileTTL > 0 && time.Since(entry.StoredAt) > e.tileTTL
}

// refresh re-fetches a URL outside the request lifetime and overwrites the
// runtime partition entry for next time.
func (e *Engine) refresh(urlStr string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	ctx = logger.WithLane(ctx, laneDefault)

	entry, err := e.fetch(ctx, urlStr)
	if err != nil {
		e.log.DebugContext(ctx, "background revalidation failed", "url", urlStr, "err", err)
		return
	}
	if err := e.parts.Put(ctx, partition.Runtime, entry); err != nil {
		e.log.ErrorContext(ctx, "background cache refresh failed", "url", urlStr, "err", err)
	}
}

// fetch performs the outbound GET and materializes the whole response so the
// same bytes can be served and stored without consuming a stream twice.
func (e *Engine) fetch(ctx context.Context, urlStr string) (partition.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return partition.Entry{}, fmt.Errorf("build request %q: %w", urlStr, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return partition.Entry{}, fmt.Errorf("fetch %q: %w", urlStr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return partition.Entry{}, fmt.Errorf("read body %q: %w", urlStr, err)
	}

	return partition.Entry{
		URL:      urlStr,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// passThrough proxies a request verbatim, no caching on either side.
func (e *Engine) passThrough(w http.ResponseWriter, r *http.Request, target *url.URL) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeEntry(w http.ResponseWriter, e partition.Entry) {
	copyHeader(w.Header(), e.Header)
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

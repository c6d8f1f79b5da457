// Package worker ties the offline cache together: it owns the partition
// manager and the route store, runs the install/activate lifecycle, and
// serves the foreground command protocol. Each command gets a private reply
// channel and its own goroutine; the stores provide per-operation atomicity,
// so the worker itself holds no cross-command mutable state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/downloader"
	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
	"github.com/mohammed-shakir/offline-tile-cache/internal/routestore"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tile"
)

// ErrEstimateUnavailable reports that no storage quota is configured, the
// equivalent of a platform that cannot answer a storage estimate query.
var ErrEstimateUnavailable = errors.New("worker: storage estimate unavailable")

// corePaths is the application shell pre-cached at install time.
var corePaths = []string{"/", "/index.html"}

type Config struct {
	// ShellPartition is the versioned shell partition name for this deploy.
	ShellPartition string
	// ShellUpstreamURL is the origin the shell core is pre-cached from.
	ShellUpstreamURL string
	// StorageQuotaBytes is the configured origin quota; zero means the
	// estimate query reports unavailable.
	StorageQuotaBytes uint64
}

type Worker struct {
	log    *slog.Logger
	parts  *partition.Manager
	routes *routestore.Store
	dl     *downloader.Downloader
	client *http.Client
	cfg    Config
}

func New(log *slog.Logger, parts *partition.Manager, routes *routestore.Store, dl *downloader.Downloader, client *http.Client, cfg Config) *Worker {
	return &Worker{
		log:    log,
		parts:  parts,
		routes: routes,
		dl:     dl,
		client: client,
		cfg:    cfg,
	}
}

// AllowList is the partition set that survives an activation sweep. The
// offline-routes name is retained for compatibility with workers that still
// write it, even though route payloads live in the route store.
func (w *Worker) AllowList() []string {
	return []string{w.cfg.ShellPartition, partition.Runtime, partition.Tiles, partition.RoutesIndex}
}

// Install pre-caches the shell core into the versioned shell partition.
// Any core path failing fails the install, matching shell semantics: a
// half-populated shell is worse than retrying the install.
func (w *Worker) Install(ctx context.Context) error {
	for _, p := range corePaths {
		urlStr := w.cfg.ShellUpstreamURL + p

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return fmt.Errorf("install %q: %w", p, err)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return fmt.Errorf("install fetch %q: %w", p, err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("install read %q: %w", p, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("install fetch %q: status %d", p, resp.StatusCode)
		}

		entry := partition.Entry{
			URL:      urlStr,
			Status:   resp.StatusCode,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: time.Now().UTC(),
		}
		if err := w.parts.Put(ctx, w.cfg.ShellPartition, entry); err != nil {
			return fmt.Errorf("install store %q: %w", p, err)
		}
	}
	w.log.InfoContext(ctx, "shell installed", "partition", w.cfg.ShellPartition, "paths", len(corePaths))
	return nil
}

// Activate garbage-collects partitions superseded by this deploy. Safe to
// run repeatedly; a sweep interrupted mid-way is finished by the next one.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.parts.Sweep(ctx, w.AllowList()); err != nil {
		return fmt.Errorf("activation sweep: %w", err)
	}
	w.log.InfoContext(ctx, "activated", "allow", w.AllowList())
	return nil
}

// Submit validates a command and dispatches it on its own goroutine,
// returning the private reply channel. The caller owns its timeout; the
// channel is buffered so an abandoned command never blocks the worker.
func (w *Worker) Submit(ctx context.Context, cmd Command) <-chan Reply {
	ch := make(chan Reply, 1)

	if err := cmd.Validate(); err != nil {
		observability.IncCommand(cmd.Kind(), err)
		ch <- failure(fmt.Errorf("invalid %s command: %w", cmd.Kind(), err))
		return ch
	}

	go func() {
		rep := w.dispatch(ctx, cmd)
		var err error
		if !rep.OK {
			err = errors.New(rep.Err)
		}
		observability.IncCommand(cmd.Kind(), err)
		ch <- rep
	}()
	return ch
}

func (w *Worker) dispatch(ctx context.Context, cmd Command) Reply {
	switch c := cmd.(type) {
	case DownloadTiles:
		return w.downloadTiles(ctx, c)
	case CacheRoute:
		return w.cacheRoute(c)
	case GetOfflineRoute:
		return w.offlineRoute(c)
	case GetCacheSize:
		return w.cacheSize(ctx)
	default:
		return failure(fmt.Errorf("unknown command %q", cmd.Kind()))
	}
}

func (w *Worker) downloadTiles(ctx context.Context, c DownloadTiles) Reply {
	rep, err := w.dl.DownloadArea(ctx, c.BBox, c.Zoom, c.MapID)
	if err != nil {
		return failure(err)
	}
	return Reply{OK: true, Report: &rep}
}

func (w *Worker) cacheRoute(c CacheRoute) Reply {
	rec := routestore.Record{
		ID:          routestore.Fingerprint(c.Start, c.End),
		Coordinates: c.Route.Coordinates,
		Distance:    c.Route.Distance,
		Duration:    c.Route.Duration,
		Steps:       c.Route.Steps,
		CachedAt:    time.Now().UTC(),
	}
	if err := w.routes.Put(rec); err != nil {
		return failure(err)
	}
	return Reply{OK: true}
}

func (w *Worker) offlineRoute(c GetOfflineRoute) Reply {
	id := routestore.Fingerprint(c.Start, c.End)

	rec, err := w.routes.Get(id)
	switch {
	case err == nil:
		return Reply{OK: true, Route: &model.Route{
			Coordinates: rec.Coordinates,
			Distance:    rec.Distance,
			Duration:    rec.Duration,
			Steps:       rec.Steps,
		}}
	case errors.Is(err, routestore.ErrNotFound):
		r := fallbackRoute(c.Start, c.End)
		return Reply{OK: true, Route: &r}
	default:
		return failure(err)
	}
}

// fallbackRoute synthesizes a two-point straight-line route when nothing is
// cached: great-circle distance and a fixed-speed duration estimate.
func fallbackRoute(start, end model.LatLon) model.Route {
	dist := tile.Haversine(start, end)
	return model.Route{
		Coordinates: [][2]float64{{start.Lon, start.Lat}, {end.Lon, end.Lat}},
		Distance:    dist,
		Duration:    dist / 1000 * 60,
		Steps: []model.RouteStep{{
			Instruction: fmt.Sprintf("Head towards destination (%.0fm)", dist),
			Distance:    dist,
		}},
	}
}

func (w *Worker) cacheSize(ctx context.Context) Reply {
	if w.cfg.StorageQuotaBytes == 0 {
		return failure(ErrEstimateUnavailable)
	}

	partUsage, err := w.parts.Usage(ctx)
	if err != nil {
		return failure(err)
	}
	dbSize, err := w.routes.Size()
	if err != nil {
		return failure(err)
	}

	usage := partUsage + dbSize
	pct := float64(usage) / float64(w.cfg.StorageQuotaBytes) * 100
	return Reply{OK: true, Size: &model.StorageEstimate{
		Usage:      usage,
		Quota:      w.cfg.StorageQuotaBytes,
		Percentage: math.Round(pct*100) / 100,
	}}
}

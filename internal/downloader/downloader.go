// Package downloader populates the tile partition for a geographic area in
// throttled batches. Individual tile failures are tolerated by policy: one
// missing tile must not abort an offline download.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tile"
)

type Config struct {
	// URLTemplate renders a tile URL from z/x/y (fmt with three %d verbs).
	URLTemplate string
	// BatchSize bounds concurrent in-flight tile fetches.
	BatchSize int
	// BatchDelay is the pause between batches, protecting the provider.
	BatchDelay time.Duration
}

// Report summarizes a completed area download. Failed counts tiles that were
// attempted but not stored; the download as a whole still completes.
type Report struct {
	Tiles  int `json:"tiles"`
	Failed int `json:"failed"`
}

type Downloader struct {
	log         *slog.Logger
	client      *http.Client
	parts       *partition.Manager
	urlTemplate string
	batchSize   int
	batchDelay  time.Duration
}

func New(log *slog.Logger, client *http.Client, parts *partition.Manager, cfg Config) *Downloader {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 10
	}
	return &Downloader{
		log:         log,
		client:      client,
		parts:       parts,
		urlTemplate: cfg.URLTemplate,
		batchSize:   batch,
		batchDelay:  cfg.BatchDelay,
	}
}

// DownloadArea enumerates every tile covering bbox at the zoom levels
// bracketing zoom, fetches them batch by batch, and stores them in the tile
// partition. Tiles are idempotent keyed writes, so re-downloading an area
// overwrites in place. The returned error is non-nil only for cancellation;
// per-tile failures are reported through Report.Failed.
func (d *Downloader) DownloadArea(ctx context.Context, bbox model.BBox, zoom int, areaID string) (Report, error) {
	keys := tile.Coverage(bbox, tile.ClampZoom(zoom))
	log := d.log.With("area_id", areaID, "zoom", zoom, "tiles", len(keys))
	log.InfoContext(ctx, "area download starting")

	var failed atomic.Int64
	for i := 0; i < len(keys); i += d.batchSize {
		if err := ctx.Err(); err != nil {
			return Report{Tiles: len(keys), Failed: int(failed.Load())},
				fmt.Errorf("area download %q: %w", areaID, err)
		}

		end := i + d.batchSize
		if end > len(keys) {
			end = len(keys)
		}

		var wg sync.WaitGroup
		for _, k := range keys[i:end] {
			wg.Add(1)
			go func(k tile.Key) {
				defer wg.Done()
				if err := d.fetchTile(ctx, k); err != nil {
					failed.Add(1)
					log.DebugContext(ctx, "tile skipped", "tile", k.String(), "err", err)
				}
			}(k)
		}
		wg.Wait()

		if end < len(keys) && d.batchDelay > 0 {
			select {
			case <-time.After(d.batchDelay):
			case <-ctx.Done():
			}
		}
	}

	nf := int(failed.Load())
	observability.AddTilesDownloaded(len(keys) - nf)
	observability.AddTilesFailed(nf)
	log.InfoContext(ctx, "area download finished", "failed", nf)
	return Report{Tiles: len(keys), Failed: nf}, nil
}

func (d *Downloader) fetchTile(ctx context.Context, k tile.Key) error {
	urlStr := k.URL(d.urlTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "offline-tile-cache/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %q: %w", urlStr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %q: status %d", urlStr, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %q: %w", urlStr, err)
	}

	entry := partition.Entry{
		URL:      urlStr,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if err := d.parts.Put(ctx, partition.Tiles, entry); err != nil {
		return fmt.Errorf("store %q: %w", urlStr, err)
	}
	return nil
}

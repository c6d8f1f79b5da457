package worker

import (
	"errors"
	"fmt"

	"github.com/mohammed-shakir/offline-tile-cache/internal/downloader"
	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tile"
)

// Command is the closed set of requests the worker accepts. Every command is
// validated at the protocol boundary before dispatch so malformed input is
// rejected with an explicit error instead of propagating NaN into tile math.
type Command interface {
	Kind() string
	Validate() error
	isCommand()
}

// DownloadTiles populates the tile partition for an area.
type DownloadTiles struct {
	BBox  model.BBox `json:"bbox"`
	Zoom  int        `json:"zoom"`
	MapID string     `json:"map_id"`
}

func (DownloadTiles) Kind() string { return "download_tiles" }
func (DownloadTiles) isCommand()   {}

func (c DownloadTiles) Validate() error {
	if err := c.BBox.Validate(); err != nil {
		return fmt.Errorf("bbox: %w", err)
	}
	if c.Zoom < tile.MinZoom {
		return errors.New("zoom must be at least 1")
	}
	return nil
}

// CacheRoute persists a route for offline lookup, keyed by its endpoints.
type CacheRoute struct {
	Start model.LatLon `json:"start"`
	End   model.LatLon `json:"end"`
	Route model.Route  `json:"route"`
}

func (CacheRoute) Kind() string { return "cache_route" }
func (CacheRoute) isCommand()   {}

func (c CacheRoute) Validate() error {
	if err := c.Start.Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := c.End.Validate(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if err := c.Route.Validate(); err != nil {
		return fmt.Errorf("route: %w", err)
	}
	return nil
}

// GetOfflineRoute looks up a cached route; a miss synthesizes a straight-line
// fallback rather than failing.
type GetOfflineRoute struct {
	Start model.LatLon `json:"start"`
	End   model.LatLon `json:"end"`
}

func (GetOfflineRoute) Kind() string { return "get_offline_route" }
func (GetOfflineRoute) isCommand()   {}

func (c GetOfflineRoute) Validate() error {
	if err := c.Start.Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := c.End.Validate(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// GetCacheSize reports origin storage accounting.
type GetCacheSize struct{}

func (GetCacheSize) Kind() string    { return "get_cache_size" }
func (GetCacheSize) isCommand()      {}
func (GetCacheSize) Validate() error { return nil }

// Reply is the typed response delivered on a command's private channel.
type Reply struct {
	OK     bool                   `json:"success"`
	Err    string                 `json:"error,omitempty"`
	Route  *model.Route           `json:"route,omitempty"`
	Size   *model.StorageEstimate `json:"size,omitempty"`
	Report *downloader.Report     `json:"report,omitempty"`
}

func failure(err error) Reply {
	return Reply{OK: false, Err: err.Error()}
}

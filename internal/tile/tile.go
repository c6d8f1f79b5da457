// Package tile converts geographic coordinates into slippy-map tile grid
// coordinates (Web Mercator, z/x/y addressing).
package tile

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
)

const (
	MinZoom = 1
	MaxZoom = 18

	// MaxGridLat is the northern edge of the Web Mercator tile grid;
	// latitudes beyond it toward the poles have no tile row.
	MaxGridLat = 85.05112878

	earthRadiusM = 6371000.0
)

// Key addresses a single tile. Immutable once computed.
type Key struct {
	Z, X, Y int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// URL renders the tile resource URL from a template with %d/%d/%d in z/x/y order.
func (k Key) URL(template string) string {
	return fmt.Sprintf(template, k.Z, k.X, k.Y)
}

// X returns the tile column for a longitude at the given zoom.
func X(lon float64, zoom int) int {
	return int(math.Floor((lon + 180) / 360 * math.Exp2(float64(zoom))))
}

// Y returns the tile row for a latitude at the given zoom. Rows grow southward.
func Y(lat float64, zoom int) int {
	rad := lat * math.Pi / 180
	return int(math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * math.Exp2(float64(zoom))))
}

func ClampZoom(z int) int {
	if z < MinZoom {
		return MinZoom
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

// Range returns the inclusive column and row spans covering bbox at zoom z.
// The row span is derived from the latitudes in reverse: the northern edge
// (MaxLat) maps to the smallest row. Latitudes beyond the Mercator band are
// clamped to the grid edge, and the spans are clamped into [0, 2^z-1], so a
// bbox touching a pole or the antimeridian never yields off-grid indexes.
func Range(bbox model.BBox, z int) (minX, maxX, minY, maxY int) {
	last := int(math.Exp2(float64(z))) - 1
	minX = clampIndex(X(bbox.MinLon, z), last)
	maxX = clampIndex(X(bbox.MaxLon, z), last)
	minY = clampIndex(Y(clampLat(bbox.MaxLat), z), last)
	maxY = clampIndex(Y(clampLat(bbox.MinLat), z), last)
	return minX, maxX, minY, maxY
}

func clampLat(lat float64) float64 {
	if lat > MaxGridLat {
		return MaxGridLat
	}
	if lat < -MaxGridLat {
		return -MaxGridLat
	}
	return lat
}

func clampIndex(v, last int) int {
	if v < 0 {
		return 0
	}
	if v > last {
		return last
	}
	return v
}

// Coverage enumerates every tile needed to show bbox at the five zoom levels
// bracketing zoom (zoom-2 .. zoom+2, clamped to the supported range).
func Coverage(bbox model.BBox, zoom int) []Key {
	var keys []Key
	lo := ClampZoom(zoom - 2)
	hi := ClampZoom(zoom + 2)
	for z := lo; z <= hi; z++ {
		minX, maxX, minY, maxY := Range(bbox, z)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				keys = append(keys, Key{Z: z, X: x, Y: y})
			}
		}
	}
	return keys
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b model.LatLon) float64 {
	la1 := a.Lat * math.Pi / 180
	la2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

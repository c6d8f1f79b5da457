package routestore

import (
	"fmt"

	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
)

// Fingerprint derives the record key for an origin/destination pair.
// Coordinates are rounded to six decimal places (~0.11 m at the equator) so
// that two lookups for the same physical endpoints produce the same key
// regardless of float formatting noise past that precision.
func Fingerprint(start, end model.LatLon) string {
	return fmt.Sprintf("%.6f,%.6f_%.6f,%.6f", start.Lat, start.Lon, end.Lat, end.Lon)
}

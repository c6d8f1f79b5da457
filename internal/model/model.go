// Package model defines core domain types shared across the worker.
package model

import (
	"errors"
	"fmt"
)

type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p LatLon) Validate() error {
	if p.Lon < -180 || p.Lon > 180 {
		return errors.New("longitude must be in [-180,180]")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return errors.New("latitude must be in [-90,90]")
	}
	return nil
}

// BBox is a geographic bounding box ordered minLon,minLat,maxLon,maxLat.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

func (b BBox) Validate() error {
	if !(b.MinLon >= -180 && b.MinLon <= 180 && b.MaxLon >= -180 && b.MaxLon <= 180) {
		return errors.New("longitude must be in [-180,180]")
	}
	if !(b.MinLat >= -90 && b.MinLat <= 90 && b.MaxLat >= -90 && b.MaxLat <= 90) {
		return errors.New("latitude must be in [-90,90]")
	}
	if b.MaxLon <= b.MinLon || b.MaxLat <= b.MinLat {
		return errors.New("bounds must satisfy max>min on both axes")
	}
	return nil
}

type RouteStep struct {
	Instruction string  `json:"instruction"`
	Distance    float64 `json:"distance"`
}

// Route is an offline-capable route between two endpoints. Coordinates are
// ordered [lon, lat] pairs, distance is meters, duration is seconds.
type Route struct {
	Coordinates [][2]float64 `json:"coordinates"`
	Distance    float64      `json:"distance"`
	Duration    float64      `json:"duration"`
	Steps       []RouteStep  `json:"steps"`
}

func (r Route) Validate() error {
	if len(r.Coordinates) < 2 {
		return errors.New("route needs at least two coordinates")
	}
	if r.Distance < 0 {
		return errors.New("distance must be non-negative")
	}
	if r.Duration < 0 {
		return errors.New("duration must be non-negative")
	}
	return nil
}

// StorageEstimate mirrors what the platform reports for origin storage.
type StorageEstimate struct {
	Usage      uint64  `json:"usage"`
	Quota      uint64  `json:"quota"`
	Percentage float64 `json:"percentage"`
}

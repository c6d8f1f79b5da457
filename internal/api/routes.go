// Package api exposes the worker command protocol over HTTP for foreground
// pages and mounts the fetch interception engine as the front catch-all.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/offline-tile-cache/internal/health"
	"github.com/mohammed-shakir/offline-tile-cache/internal/middleware"
	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/observability"
	"github.com/mohammed-shakir/offline-tile-cache/internal/worker"
)

// downloadTimeout bounds how long a foreground caller waits on a bulk
// download. The worker-side download itself is not cancelled by an impatient
// caller; it runs to completion in the background.
const downloadTimeout = 5 * time.Minute

type downloadTilesRequest struct {
	BBox  *model.BBox `json:"bbox"`
	Zoom  int         `json:"zoom"`
	MapID string      `json:"map_id"`
}

type routeData struct {
	Start       model.LatLon      `json:"start"`
	End         model.LatLon      `json:"end"`
	Coordinates [][2]float64      `json:"coordinates"`
	Distance    float64           `json:"distance"`
	Duration    float64           `json:"duration"`
	Steps       []model.RouteStep `json:"steps"`
}

type cacheRouteRequest struct {
	RouteData routeData `json:"route_data"`
}

type offlineRouteRequest struct {
	Start model.LatLon `json:"start"`
	End   model.LatLon `json:"end"`
}

// Routes builds the front router: command endpoints, health, metrics, and
// the strategy engine for everything else.
func Routes(log *slog.Logger, w *worker.Worker, front http.Handler, metricsHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(log))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if metricsHandler != nil {
		r.Get("/metrics", metricsHandler.ServeHTTP)
	}

	r.Post("/commands/download-tiles", handleDownloadTiles(w))
	r.Post("/commands/cache-route", handleCacheRoute(w))
	r.Post("/commands/offline-route", handleOfflineRoute(w))
	r.Get("/commands/cache-size", handleCacheSize(w))

	r.Handle("/*", front)
	return r
}

func handleDownloadTiles(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req downloadTilesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, "invalid request body")
			observability.ObserveHTTP(r.Method, "/commands/download-tiles", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}
		if req.BBox == nil {
			writeError(rw, http.StatusBadRequest, "bbox is required")
			observability.ObserveHTTP(r.Method, "/commands/download-tiles", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		// Detached from the request so a disconnecting caller does not
		// abort the batch loop mid-flight.
		ctx := context.WithoutCancel(r.Context())
		cmd := worker.DownloadTiles{BBox: *req.BBox, Zoom: req.Zoom, MapID: req.MapID}

		select {
		case rep := <-w.Submit(ctx, cmd):
			status := writeReply(rw, rep)
			observability.ObserveHTTP(r.Method, "/commands/download-tiles", status, time.Since(start).Seconds())
		case <-time.After(downloadTimeout):
			writeError(rw, http.StatusGatewayTimeout, "download timeout - please try again")
			observability.ObserveHTTP(r.Method, "/commands/download-tiles", http.StatusGatewayTimeout, time.Since(start).Seconds())
		}
	}
}

func handleCacheRoute(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req cacheRouteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, "invalid request body")
			observability.ObserveHTTP(r.Method, "/commands/cache-route", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		cmd := worker.CacheRoute{
			Start: req.RouteData.Start,
			End:   req.RouteData.End,
			Route: model.Route{
				Coordinates: req.RouteData.Coordinates,
				Distance:    req.RouteData.Distance,
				Duration:    req.RouteData.Duration,
				Steps:       req.RouteData.Steps,
			},
		}
		rep := <-w.Submit(r.Context(), cmd)
		status := writeReply(rw, rep)
		observability.ObserveHTTP(r.Method, "/commands/cache-route", status, time.Since(start).Seconds())
	}
}

func handleOfflineRoute(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req offlineRouteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, "invalid request body")
			observability.ObserveHTTP(r.Method, "/commands/offline-route", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		rep := <-w.Submit(r.Context(), worker.GetOfflineRoute{Start: req.Start, End: req.End})
		status := writeReply(rw, rep)
		observability.ObserveHTTP(r.Method, "/commands/offline-route", status, time.Since(start).Seconds())
	}
}

func handleCacheSize(w *worker.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rep := <-w.Submit(r.Context(), worker.GetCacheSize{})
		status := writeReply(rw, rep)
		observability.ObserveHTTP(r.Method, "/commands/cache-size", status, time.Since(start).Seconds())
	}
}

func writeReply(rw http.ResponseWriter, rep worker.Reply) int {
	status := http.StatusOK
	if !rep.OK {
		status = http.StatusInternalServerError
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(rep)
	return status
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(worker.Reply{OK: false, Err: msg})
}

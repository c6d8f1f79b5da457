package worker

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/offline-tile-cache/internal/downloader"
	"github.com/mohammed-shakir/offline-tile-cache/internal/logger"
	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
	"github.com/mohammed-shakir/offline-tile-cache/internal/partition"
	"github.com/mohammed-shakir/offline-tile-cache/internal/routestore"
	"github.com/mohammed-shakir/offline-tile-cache/internal/tile"
)

var testArea = model.BBox{MinLon: 10, MinLat: 10, MaxLon: 10.01, MaxLat: 10.01}

func nopLogger() *slog.Logger {
	zl := zerolog.Nop()
	return logger.NewSlog(&zl)
}

type fixture struct {
	w     *Worker
	parts *partition.Manager
}

func newFixture(t *testing.T, quota uint64) fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	parts, err := partition.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("partition.New: %v", err)
	}
	t.Cleanup(func() { _ = parts.Close() })

	routes, err := routestore.Open(filepath.Join(t.TempDir(), "routes.db"))
	if err != nil {
		t.Fatalf("routestore.Open: %v", err)
	}
	t.Cleanup(func() { _ = routes.Close() })

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload for " + r.URL.Path))
	}))
	t.Cleanup(upstream.Close)

	client := &http.Client{Timeout: 2 * time.Second}
	dl := downloader.New(nopLogger(), client, parts, downloader.Config{
		URLTemplate: upstream.URL + "/%d/%d/%d.png",
		BatchSize:   10,
		BatchDelay:  time.Millisecond,
	})

	w := New(nopLogger(), parts, routes, dl, client, Config{
		ShellPartition:    "shell-v4",
		ShellUpstreamURL:  upstream.URL,
		StorageQuotaBytes: quota,
	})
	return fixture{w: w, parts: parts}
}

func await(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case rep := <-ch:
		return rep
	case <-time.After(10 * time.Second):
		t.Fatal("no reply from worker")
		return Reply{}
	}
}

func TestInstall_PrecachesShellCore(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.w.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}

	keys, err := f.parts.Keys(ctx, "shell-v4")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("shell entries=%d want 2 (/, /index.html)", len(keys))
	}
}

func TestActivate_SweepsSupersededShell(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, name := range []string{"shell-v3", "shell-v4", partition.Tiles} {
		err := f.parts.Put(ctx, name, partition.Entry{URL: "u-" + name, Status: 200, Body: []byte("x")})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if err := f.w.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	names, err := f.parts.Names(ctx)
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	for _, n := range names {
		if n == "shell-v3" {
			t.Fatal("superseded shell partition survived activation")
		}
	}
	if _, err := f.parts.Get(ctx, partition.Tiles, "u-"+partition.Tiles); err != nil {
		t.Fatalf("tiles partition swept: %v", err)
	}
}

func TestSubmit_DownloadTiles(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rep := await(t, f.w.Submit(ctx, DownloadTiles{BBox: testArea, Zoom: 3, MapID: "map-1"}))
	if !rep.OK {
		t.Fatalf("reply: %+v", rep)
	}
	want := len(tile.Coverage(testArea, 3))
	if rep.Report == nil || rep.Report.Tiles != want || rep.Report.Failed != 0 {
		t.Fatalf("report=%+v want tiles=%d failed=0", rep.Report, want)
	}

	keys, err := f.parts.Keys(ctx, partition.Tiles)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != want {
		t.Fatalf("cached tiles=%d want %d", len(keys), want)
	}
}

func TestSubmit_RejectsMalformedCommands(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tests := []struct {
		name string
		cmd  Command
	}{
		{"empty bbox", DownloadTiles{Zoom: 13}},
		{"zoom zero", DownloadTiles{BBox: testArea}},
		{"inverted bbox", DownloadTiles{BBox: model.BBox{MinLon: 1, MinLat: 1, MaxLon: 0, MaxLat: 0}, Zoom: 13}},
		{"route without coordinates", CacheRoute{Start: model.LatLon{}, End: model.LatLon{Lat: 1, Lon: 1}}},
		{"out of range endpoint", GetOfflineRoute{Start: model.LatLon{Lat: 95}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rep := await(t, f.w.Submit(ctx, tc.cmd))
			if rep.OK {
				t.Fatalf("command accepted: %+v", rep)
			}
			if rep.Err == "" {
				t.Fatal("failure reply without message")
			}
		})
	}
}

func TestSubmit_CacheRouteThenLookup(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := model.LatLon{Lat: 52.52, Lon: 13.405}
	end := model.LatLon{Lat: 52.6, Lon: 13.5}
	route := model.Route{
		Coordinates: [][2]float64{{13.405, 52.52}, {13.45, 52.55}, {13.5, 52.6}},
		Distance:    12000,
		Duration:    900,
		Steps: []model.RouteStep{
			{Instruction: "Continue straight", Distance: 11000},
			{Instruction: "Arrive at destination", Distance: 1000},
		},
	}

	if rep := await(t, f.w.Submit(ctx, CacheRoute{Start: start, End: end, Route: route})); !rep.OK {
		t.Fatalf("CacheRoute: %+v", rep)
	}

	rep := await(t, f.w.Submit(ctx, GetOfflineRoute{Start: start, End: end}))
	if !rep.OK || rep.Route == nil {
		t.Fatalf("GetOfflineRoute: %+v", rep)
	}
	if rep.Route.Distance != route.Distance || rep.Route.Duration != route.Duration {
		t.Fatalf("route mismatch: %+v", rep.Route)
	}
	if len(rep.Route.Steps) != 2 || rep.Route.Steps[0] != route.Steps[0] {
		t.Fatalf("steps mismatch: %+v", rep.Route.Steps)
	}
}

func TestSubmit_CacheRouteUpserts(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := model.LatLon{Lat: 1, Lon: 1}
	end := model.LatLon{Lat: 2, Lon: 2}
	base := model.Route{
		Coordinates: [][2]float64{{1, 1}, {2, 2}},
		Distance:    100,
		Duration:    60,
	}
	updated := base
	updated.Distance = 200

	if rep := await(t, f.w.Submit(ctx, CacheRoute{Start: start, End: end, Route: base})); !rep.OK {
		t.Fatalf("first CacheRoute: %+v", rep)
	}
	if rep := await(t, f.w.Submit(ctx, CacheRoute{Start: start, End: end, Route: updated})); !rep.OK {
		t.Fatalf("second CacheRoute: %+v", rep)
	}

	rep := await(t, f.w.Submit(ctx, GetOfflineRoute{Start: start, End: end}))
	if !rep.OK || rep.Route == nil || rep.Route.Distance != 200 {
		t.Fatalf("lookup after upsert: %+v", rep.Route)
	}
}

func TestSubmit_OfflineRouteFallbackSynthesis(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := model.LatLon{Lat: 0, Lon: 0}
	end := model.LatLon{Lat: 0, Lon: 1}

	rep := await(t, f.w.Submit(ctx, GetOfflineRoute{Start: start, End: end}))
	if !rep.OK || rep.Route == nil {
		t.Fatalf("fallback lookup failed: %+v", rep)
	}
	r := rep.Route

	if math.Abs(r.Distance-111195) > 1 {
		t.Fatalf("fallback distance=%v want ~111195", r.Distance)
	}
	if want := r.Distance / 1000 * 60; math.Abs(r.Duration-want) > 1e-9 {
		t.Fatalf("duration=%v want %v", r.Duration, want)
	}
	if len(r.Coordinates) != 2 ||
		r.Coordinates[0] != [2]float64{0, 0} || r.Coordinates[1] != [2]float64{1, 0} {
		t.Fatalf("coordinates=%v want straight line lon/lat pairs", r.Coordinates)
	}
	if len(r.Steps) != 1 || !strings.HasPrefix(r.Steps[0].Instruction, "Head towards destination") {
		t.Fatalf("steps=%+v", r.Steps)
	}
}

func TestSubmit_CacheSize(t *testing.T) {
	f := newFixture(t, 1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.parts.Put(ctx, partition.Tiles, partition.Entry{URL: "t", Status: 200, Body: make([]byte, 1000)})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	rep := await(t, f.w.Submit(ctx, GetCacheSize{}))
	if !rep.OK || rep.Size == nil {
		t.Fatalf("GetCacheSize: %+v", rep)
	}
	if rep.Size.Usage == 0 || rep.Size.Quota != 1_000_000 {
		t.Fatalf("size=%+v", rep.Size)
	}
	want := math.Round(float64(rep.Size.Usage)/float64(rep.Size.Quota)*100*100) / 100
	if rep.Size.Percentage != want {
		t.Fatalf("percentage=%v want %v (2-decimal rounding)", rep.Size.Percentage, want)
	}
}

func TestSubmit_CacheSizeUnavailableWithoutQuota(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rep := await(t, f.w.Submit(ctx, GetCacheSize{}))
	if rep.OK {
		t.Fatalf("expected unavailable, got %+v", rep)
	}
	if !strings.Contains(rep.Err, "unavailable") {
		t.Fatalf("err=%q want unavailable signal", rep.Err)
	}
}

func TestSubmit_ConcurrentCommands(t *testing.T) {
	f := newFixture(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep := <-f.w.Submit(ctx, GetOfflineRoute{
				Start: model.LatLon{Lat: float64(i), Lon: 0},
				End:   model.LatLon{Lat: float64(i), Lon: 1},
			})
			if !rep.OK || rep.Route == nil {
				t.Errorf("command %d failed: %+v", i, rep)
			}
		}(i)
	}
	wg.Wait()
}

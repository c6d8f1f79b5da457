package routestore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammed-shakir/offline-tile-cache/internal/model"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func sampleRecord(id string) Record {
	return Record{
		ID:          id,
		Coordinates: [][2]float64{{13.405, 52.52}, {13.5, 52.6}},
		Distance:    12345.6,
		Duration:    740.7,
		Steps: []model.RouteStep{
			{Instruction: "Turn left onto Unter den Linden", Distance: 420},
			{Instruction: "Arrive at destination", Distance: 0},
		},
		CachedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, _ := newStore(t)

	in := sampleRecord("52.520000,13.405000_52.600000,13.500000")
	if err := s.Put(in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := s.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Distance != in.Distance || out.Duration != in.Duration {
		t.Fatalf("distance/duration mismatch: %+v", out)
	}
	if len(out.Steps) != 2 || out.Steps[0] != in.Steps[0] {
		t.Fatalf("steps mismatch: %+v", out.Steps)
	}
	if len(out.Coordinates) != 2 || out.Coordinates[0] != in.Coordinates[0] {
		t.Fatalf("coordinates mismatch: %+v", out.Coordinates)
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get("0.000000,0.000000_1.000000,1.000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestPut_UpsertKeepsSecondWrite(t *testing.T) {
	s, _ := newStore(t)

	first := sampleRecord("same-id")
	second := sampleRecord("same-id")
	second.Distance = 999

	if err := s.Put(first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get("same-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Distance != 999 {
		t.Fatalf("distance=%v want second write", got.Distance)
	}
}

func TestPut_RequiresID(t *testing.T) {
	s, _ := newStore(t)
	if err := s.Put(Record{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestReopen_MigrationIsAdditive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := sampleRecord("keep-me")
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Get("keep-me")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Distance != rec.Distance {
		t.Fatalf("record changed across reopen: %+v", got)
	}

	v, err := s2.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 1 {
		t.Fatalf("schema version=%d want 1", v)
	}
}

func TestSize_GrowsWithData(t *testing.T) {
	s, _ := newStore(t)
	sz, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if sz == 0 {
		t.Fatal("db file size should not be zero")
	}
}

func TestFingerprint_RoundsToSixDecimals(t *testing.T) {
	a := Fingerprint(model.LatLon{Lat: 52.5200001, Lon: 13.4050002}, model.LatLon{Lat: 52.6, Lon: 13.5})
	b := Fingerprint(model.LatLon{Lat: 52.5200004, Lon: 13.4049998}, model.LatLon{Lat: 52.6, Lon: 13.5})
	if a != b {
		t.Fatalf("sub-precision noise changed fingerprint: %q vs %q", a, b)
	}

	c := Fingerprint(model.LatLon{Lat: 52.52001, Lon: 13.405}, model.LatLon{Lat: 52.6, Lon: 13.5})
	if a == c {
		t.Fatalf("distinct endpoints collided: %q", c)
	}

	want := "52.520000,13.405000_52.600000,13.500000"
	if a != want {
		t.Fatalf("fingerprint=%q want %q", a, want)
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/akl-rail-map/railmap/internal/animate"
	"github.com/akl-rail-map/railmap/internal/dissolve"
	"github.com/akl-rail-map/railmap/internal/mapview"
	"github.com/akl-rail-map/railmap/internal/registry"
	"github.com/akl-rail-map/railmap/internal/render"
	"github.com/akl-rail-map/railmap/internal/store"
	"github.com/akl-rail-map/railmap/internal/visibility"
)

// rawLines crosses the default camera center with EAST and keeps WEST and
// HUIA well away from it.
func rawLines() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, tc := range []struct {
		key  string
		line orb.LineString
	}{
		{"EAST", orb.LineString{{174.70, -36.8485}, {174.7633, -36.8485}}},
		{"EAST", orb.LineString{{174.7633, -36.8485}, {174.80, -36.8485}}},
		{"WEST", orb.LineString{{174.60, -36.95}, {174.65, -36.95}}},
		{"HUIA", orb.LineString{{174.60, -36.70}, {174.65, -36.70}}},
	} {
		f := geojson.NewFeature(tc.line)
		f.Properties["ROUTENUMBER"] = tc.key
		fc.Append(f)
	}
	return fc
}

type testServer struct {
	catalog  *Catalog
	sessions *SessionManager
	router   http.Handler
}

func newTestServer(t *testing.T, withData bool) *testServer {
	t.Helper()

	catalog := NewCatalog()
	if withData {
		fc, stats := dissolve.Dissolve(rawLines().Features, dissolve.DefaultOptions())
		catalog.Put(&Dataset{Name: visibility.Primary, Checksum: "test", Stats: stats, Features: fc, LoadedAt: time.Now()})

		stations := geojson.NewFeatureCollection()
		st := geojson.NewFeature(orb.Point{174.7633, -36.8440})
		st.Properties["name"] = "Britomart"
		stations.Append(st)
		catalog.SetStations(stations)
	}

	cfg := mapview.DefaultConfig()
	cfg.Families = []visibility.Family{{Name: "huia", Routes: []string{"HUIA"}}}

	sessions := NewSessionManager(catalog, cfg,
		WithSeed(7),
		WithSchedulerFactory(func(context.Context) animate.Scheduler { return &animate.Frames{} }),
	)
	h := NewHandler(catalog, sessions, nil, dissolve.DefaultKeyProperty)
	return &testServer{catalog: catalog, sessions: sessions, router: NewRouter(h, []string{"http://localhost:5173"})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
		}
	}
	return rec, out
}

func dig(t *testing.T, m map[string]any, path ...string) any {
	t.Helper()
	var cur any = m
	for _, p := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			t.Fatalf("%v: %s is not an object", path, p)
		}
		cur = obj[p]
	}
	return cur
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		withData   bool
		wantStatus int
		wantBody   string
	}{
		{"no datasets", false, http.StatusServiceUnavailable, "error"},
		{"loaded", true, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.withData)
			rec, body := s.do(t, http.MethodGet, "/health", nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body["status"] != tt.wantBody {
				t.Errorf("body status = %v, want %s", body["status"], tt.wantBody)
			}
		})
	}
}

func TestStaticEndpoints(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/styles", http.StatusOK},
		{"/api/datasets/primary", http.StatusOK},
		{"/api/datasets/alternate", http.StatusNotFound},
		{"/api/datasets/tram", http.StatusBadRequest},
		{"/api/stations", http.StatusOK},
		{"/api/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec, _ := s.do(t, http.MethodGet, tt.path, nil)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	rec, _ := s.do(t, http.MethodGet, "/api/datasets/primary", nil)
	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("dataset is not GeoJSON: %v", err)
	}
	if len(fc.Features) != 3 {
		t.Errorf("got %d routes, want 3", len(fc.Features))
	}
	if rec.Header().Get("ETag") != `"test"` {
		t.Errorf("ETag = %q", rec.Header().Get("ETag"))
	}

	_, styles := s.do(t, http.MethodGet, "/api/styles", nil)
	if expr, _ := styles["colorExpression"].([]any); len(expr) == 0 || expr[0] != "match" {
		t.Errorf("colorExpression = %v", styles["colorExpression"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, true)

	rec, snap := s.do(t, http.MethodPost, "/api/sessions", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := snap["id"].(string)
	if id == "" {
		t.Fatal("session has no id")
	}
	if snap["stations"] != true {
		t.Error("stations should be attached")
	}
	base := "/api/sessions/" + id

	// The default camera puts EAST under the container center.
	rec, snap = s.do(t, http.MethodPost, base+"/pointer", PointerRequest{Type: "move", X: 512, Y: 384, Seq: 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("pointer status = %d: %s", rec.Code, rec.Body.String())
	}
	if phase := dig(t, snap, "datasets", "primary", "hover", "phase"); phase != "selected" {
		t.Fatalf("phase = %v, want selected", phase)
	}
	if text := dig(t, snap, "chrome", "tooltip", "text"); text != "Eastern Line" {
		t.Errorf("tooltip = %v, want Eastern Line", text)
	}
	if cursor := dig(t, snap, "chrome", "cursor"); cursor != "pointer" {
		t.Errorf("cursor = %v, want pointer", cursor)
	}

	// Replaying an old sequence number is rejected without effect.
	rec, _ = s.do(t, http.MethodPost, base+"/pointer", PointerRequest{Type: "leave", Seq: 1})
	if rec.Code != http.StatusConflict {
		t.Errorf("stale pointer status = %d, want 409", rec.Code)
	}

	rec, snap = s.do(t, http.MethodPost, base+"/pointer", PointerRequest{Type: "leave", Seq: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("leave status = %d", rec.Code)
	}
	if phase := dig(t, snap, "datasets", "primary", "hover", "phase"); phase != "idle" {
		t.Errorf("phase after leave = %v, want idle", phase)
	}
	if visible := dig(t, snap, "chrome", "tooltip", "visible"); visible != false {
		t.Error("tooltip still visible after leave")
	}

	rec, _ = s.do(t, http.MethodPost, base+"/pointer", PointerRequest{Type: "click", X: 512, Y: 384, Seq: 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("click status = %d", rec.Code)
	}
	_, snap = s.do(t, http.MethodGet, base, nil)
	rows, _ := dig(t, snap, "chrome", "popup", "rows").([]any)
	if len(rows) == 0 {
		t.Error("click should open a popup")
	}

	rec, _ = s.do(t, http.MethodDelete, base, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	rec, _ = s.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
	if s.sessions.Len() != 0 {
		t.Errorf("%d sessions left", s.sessions.Len())
	}
}

func TestToggles(t *testing.T) {
	s := newTestServer(t, true)
	_, snap := s.do(t, http.MethodPost, "/api/sessions", nil)
	base := "/api/sessions/" + snap["id"].(string)

	hidden := false
	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{"hide family", map[string]any{"family": "huia", "visible": hidden}, http.StatusOK},
		{"unknown family", map[string]any{"family": "tram", "visible": true}, http.StatusBadRequest},
		{"family without visible", map[string]any{"family": "huia"}, http.StatusBadRequest},
		{"both", map[string]any{"family": "huia", "visible": true, "dataset": "primary"}, http.StatusBadRequest},
		{"empty", map[string]any{}, http.StatusBadRequest},
		{"bad dataset", map[string]any{"dataset": "tram"}, http.StatusBadRequest},
		{"alternate", map[string]any{"dataset": "alternate"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, http.MethodPost, base+"/toggles", tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}

	_, snap = s.do(t, http.MethodGet, base, nil)
	if snap["dataset"] != "alternate" {
		t.Errorf("dataset = %v, want alternate", snap["dataset"])
	}
	if dig(t, snap, "families", "huia") != false {
		t.Error("huia should be hidden")
	}
}

func TestPointerValidation(t *testing.T) {
	s := newTestServer(t, true)
	_, snap := s.do(t, http.MethodPost, "/api/sessions", nil)
	base := "/api/sessions/" + snap["id"].(string)

	rec, _ := s.do(t, http.MethodPost, base+"/pointer", map[string]any{"type": "hover"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rec.Code)
	}
	rec, _ = s.do(t, http.MethodPost, "/api/sessions/unknown/pointer", PointerRequest{Type: "move"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestSetCamera(t *testing.T) {
	s := newTestServer(t, true)
	_, snap := s.do(t, http.MethodPost, "/api/sessions", nil)
	base := "/api/sessions/" + snap["id"].(string)

	// Zooming out and moving the center away takes EAST out from under the pointer.
	cam := CameraRequest{Center: [2]float64{174.7633, -36.60}, Zoom: 12, Width: 800, Height: 600}
	rec, _ := s.do(t, http.MethodPut, base+"/camera", cam)
	if rec.Code != http.StatusOK {
		t.Fatalf("camera status = %d: %s", rec.Code, rec.Body.String())
	}
	_, snap = s.do(t, http.MethodPost, base+"/pointer", PointerRequest{Type: "move", X: 400, Y: 300})
	if phase := dig(t, snap, "datasets", "primary", "hover", "phase"); phase != "idle" {
		t.Errorf("phase = %v, want idle away from every line", phase)
	}

	rec, _ = s.do(t, http.MethodPut, base+"/camera", CameraRequest{Zoom: 30, Width: 1, Height: 1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid zoom status = %d, want 400", rec.Code)
	}
}

func TestReapIdleSessions(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	catalog := NewCatalog()
	fc, _ := dissolve.Dissolve(rawLines().Features, dissolve.DefaultOptions())
	catalog.Put(&Dataset{Name: visibility.Primary, Features: fc})

	m := NewSessionManager(catalog, mapview.DefaultConfig(),
		WithIdleTimeout(time.Minute),
		WithManagerClock(func() time.Time { return clock() }),
		WithSchedulerFactory(func(context.Context) animate.Scheduler { return &animate.Frames{} }),
	)

	stale, _, err := m.Create(context.Background(), render.DefaultCamera())
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(50 * time.Second)
	fresh, _, err := m.Create(context.Background(), render.DefaultCamera())
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Second)
	if n := m.Reap(); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	if _, _, err := m.Get(stale.ID); err != ErrSessionNotFound {
		t.Errorf("stale session err = %v, want ErrSessionNotFound", err)
	}
	if _, _, err := m.Get(fresh.ID); err != nil {
		t.Errorf("fresh session reaped: %v", err)
	}
	if !stale.Snapshot().Closed {
		t.Error("reaped session was not closed")
	}
}

func TestCloneCollection(t *testing.T) {
	fc, _ := dissolve.Dissolve(rawLines().Features, dissolve.DefaultOptions())
	clone := cloneCollection(fc)

	clone.Features[0].Properties["ROUTENUMBER"] = "CHANGED"
	clone.Features[1].Geometry.(orb.LineString)[0][0] = 0

	if fc.Features[0].Properties["ROUTENUMBER"] != "EAST" {
		t.Error("clone shares properties with the catalog")
	}
	if fc.Features[1].Geometry.(orb.LineString)[0][0] == 0 {
		t.Error("clone shares geometry with the catalog")
	}
	if id, ok := registry.ObjectIDOf(clone.Features[1]); !ok || id != 2 {
		t.Errorf("clone OBJECTID = %v, want 2", id)
	}
}

func TestLoadDatasetCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	data, err := json.Marshal(rawLines())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "lines.geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cache, err := store.OpenSQLite(ctx, filepath.Join(dir, "railmap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	first, err := LoadDataset(ctx, visibility.Primary, path, cache, dissolve.DefaultOptions())
	if err != nil {
		t.Fatalf("LoadDataset: %v", err)
	}
	if first.Cached || first.RunID == "" {
		t.Errorf("first load cached=%v run=%q, want a fresh run", first.Cached, first.RunID)
	}

	second, err := LoadDataset(ctx, visibility.Primary, path, cache, dissolve.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || second.RunID != first.RunID {
		t.Errorf("second load cached=%v run=%q, want run %q from cache", second.Cached, second.RunID, first.RunID)
	}
	if second.Stats != first.Stats {
		t.Errorf("stats = %+v, want %+v", second.Stats, first.Stats)
	}

	opts := dissolve.DefaultOptions()
	opts.Strategy = dissolve.StrategyBuffer
	third, err := LoadDataset(ctx, visibility.Primary, path, cache, opts)
	if err != nil {
		t.Fatal(err)
	}
	if third.Cached {
		t.Error("a different strategy must not reuse the cached run")
	}
}

func TestLoadAlternateAsFetched(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	data, err := json.Marshal(rawLines())
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "online.geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cache, err := store.OpenSQLite(ctx, filepath.Join(dir, "railmap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	for i := 0; i < 2; i++ {
		d, err := LoadDataset(ctx, visibility.Alternate, path, cache, dissolve.DefaultOptions())
		if err != nil {
			t.Fatalf("LoadDataset: %v", err)
		}
		if d.Cached || d.RunID != "" {
			t.Errorf("load %d cached=%v run=%q, alternate should not use the cache", i, d.Cached, d.RunID)
		}
		if n := len(d.Features.Features); n != 4 {
			t.Errorf("load %d has %d features, want the 4 fetched fragments", i, n)
		}
		if d.Stats.Features != 4 || d.Stats.Routes != 3 {
			t.Errorf("stats = %+v, want 4 features over 3 routes", d.Stats)
		}
		if _, ok := d.Features.Features[0].Properties["OBJECTID"]; ok {
			t.Error("fetched features should be numbered by the session registry")
		}
	}
}

func TestCatalogLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	data, _ := json.Marshal(rawLines())
	path := filepath.Join(dir, "lines.geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	err := c.Load(ctx, Sources{Datasets: map[visibility.Dataset]string{
		visibility.Primary:   path,
		visibility.Alternate: filepath.Join(dir, "missing.geojson"),
	}}, nil, dissolve.DefaultOptions())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.Loaded(); len(got) != 1 || got[0] != visibility.Primary {
		t.Errorf("loaded = %v, want only primary", got)
	}

	if err := NewCatalog().Load(ctx, Sources{Datasets: map[visibility.Dataset]string{
		visibility.Primary: filepath.Join(dir, "missing.geojson"),
	}}, nil, dissolve.DefaultOptions()); err == nil {
		t.Error("Load with no usable source should fail")
	}
}

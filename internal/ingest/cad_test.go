package ingest

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/logger"
	"neo-scan-engine/internal/store"
)

const cadBody = `{
  "signature": {"source": "NASA/JPL SBDB Close Approach Data API", "version": "1.5"},
  "count": "3",
  "fields": ["des", "orbit_id", "cd", "dist", "v_rel", "fullname"],
  "data": [
    ["2024 XY1", "12", "2026-Jan-15 12:00", "0.0003", "15.2", "(2024 XY1)"],
    ["2024 XY2", "4", "2026-Feb-01 06:30:45", "0.04", "8.1", ""],
    ["2024 XY3", "7", "not-a-date", "0.01", "9.9", "(2024 XY3)"]
  ]
}`

func TestParseEvents(t *testing.T) {
	var payload CADPayload
	payload.Fields = []string{"des", "orbit_id", "cd", "dist", "v_rel", "fullname"}
	payload.Data = [][]string{
		{"2024 XY1", "12", "2026-Jan-15 12:00", "0.0003", "15.2", "(2024 XY1)"},
		{"2024 XY2", "4", "2026-Feb-01 06:30:45", "0.04", "8.1", ""},
		{"2024 XY3", "7", "not-a-date", "0.01", "9.9", "(2024 XY3)"},
		{"2024 XY4", "1", "2026-Mar-01 00:00", "garbage", "9.9", ""},
	}

	events, skipped, err := ParseEvents(&payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if skipped != 2 {
		t.Errorf("expected 2 skipped rows, got %d", skipped)
	}

	first := events[0]
	if first.ObjectID != "2024 XY1" {
		t.Errorf("object: %s", first.ObjectID)
	}
	if first.Name != "(2024 XY1)" {
		t.Errorf("name: %s", first.Name)
	}
	wantKm := 0.0003 * auToKm
	if math.Abs(first.MinDistanceKm-wantKm) > 1e-6 {
		t.Errorf("distance: got %g km, want %g km", first.MinDistanceKm, wantKm)
	}
	wantTime := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	if !first.ApproachTime.Equal(wantTime) {
		t.Errorf("approach time: %s", first.ApproachTime)
	}
	if first.Source != sourceJPLCAD {
		t.Errorf("source: %s", first.Source)
	}

	// fullname falls back to the designation; seconds layout parses.
	second := events[1]
	if second.Name != "2024 XY2" {
		t.Errorf("fallback name: %s", second.Name)
	}
	if !second.ApproachTime.Equal(time.Date(2026, 2, 1, 6, 30, 45, 0, time.UTC)) {
		t.Errorf("approach time with seconds: %s", second.ApproachTime)
	}
}

func TestParseEvents_MissingRequiredField(t *testing.T) {
	payload := CADPayload{
		Fields: []string{"des", "cd", "dist"}, // no v_rel
		Data:   [][]string{{"2024 XY1", "2026-Jan-15 12:00", "0.01"}},
	}
	if _, _, err := ParseEvents(&payload); err == nil {
		t.Fatal("expected error for missing v_rel field")
	}

	empty := CADPayload{}
	if _, _, err := ParseEvents(&empty); err == nil {
		t.Fatal("expected error for empty fields header")
	}
}

func cadTestServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("body"); got != "Earth" {
			t.Errorf("expected body=Earth, got %q", got)
		}
		if got := r.URL.Query().Get("dist-max"); got != "0.05" {
			t.Errorf("expected dist-max=0.05, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cadTestConfig(baseURL string) config.Config {
	return config.Config{
		CADBaseURL:   baseURL,
		CADDistMaxAU: "0.05",
		CADDateMin:   "2026-01-01",
		CADDateMax:   "2026-12-31",
		CADTimeout:   5 * time.Second,
	}
}

func TestCADClient_Fetch(t *testing.T) {
	srv := cadTestServer(t, cadBody)
	client := NewCADClient(cadTestConfig(srv.URL))

	payload, err := client.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(payload.Data) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(payload.Data))
	}
	if len(payload.Raw) == 0 {
		t.Fatal("raw body not retained")
	}
}

func TestCADClient_FetchNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "over quota", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewCADClient(cadTestConfig(srv.URL))
	if _, err := client.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestIngestorRun_IsRerunnable(t *testing.T) {
	srv := cadTestServer(t, cadBody)
	m := store.NewMemory()
	ing := NewIngestor(NewCADClient(cadTestConfig(srv.URL)), m, nil, logger.New("test", "error"))

	res, err := ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 2 || res.Inserted != 2 || res.Skipped != 1 {
		t.Fatalf("first run: %+v", res)
	}

	// A second run sees the same payload; dedupe makes it a no-op.
	res, err = ing.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 {
		t.Fatalf("second run inserted %d, expected 0", res.Inserted)
	}

	events, err := m.QueryEvents(context.Background(),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 stored events, got %d", len(events))
	}
}

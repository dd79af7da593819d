package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"neo-scan-engine/internal/config"
	"neo-scan-engine/internal/models"
	"neo-scan-engine/internal/store"
)

// One astronomical unit in kilometers; CAD publishes miss distances in AU.
const auToKm = 149597870.7

const sourceJPLCAD = "NASA_JPL_CAD"

// CAD "cd" timestamps look like "2026-Jan-15 12:00" (occasionally with
// seconds).
var cdLayouts = []string{"2006-Jan-02 15:04:05", "2006-Jan-02 15:04"}

// CADPayload is the JPL SBDB close-approach API response: a header of field
// names plus rows of string values.
type CADPayload struct {
	Count  any        `json:"count"`
	Fields []string   `json:"fields"`
	Data   [][]string `json:"data"`

	// Raw keeps the undecoded body for snapshot archiving.
	Raw []byte `json:"-"`
}

// CADClient fetches close-approach data from the JPL SBDB CAD API.
type CADClient struct {
	baseURL    string
	distMaxAU  string
	dateMin    string
	dateMax    string
	httpClient *http.Client
}

func NewCADClient(cfg config.Config) *CADClient {
	timeout := cfg.CADTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &CADClient{
		baseURL:    cfg.CADBaseURL,
		distMaxAU:  cfg.CADDistMaxAU,
		dateMin:    cfg.CADDateMin,
		dateMax:    cfg.CADDateMax,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads one CAD payload for Earth close approaches.
func (c *CADClient) Fetch(ctx context.Context) (*CADPayload, error) {
	params := url.Values{}
	params.Set("dist-max", c.distMaxAU)
	params.Set("date-min", c.dateMin)
	params.Set("date-max", c.dateMax)
	params.Set("body", "Earth")
	params.Set("sort", "date")
	params.Set("fullname", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build cad request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch cad data: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cad api returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read cad body: %w", err)
	}

	var payload CADPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode cad payload: %w", err)
	}
	payload.Raw = raw
	return &payload, nil
}

// ParseEvents converts a CAD payload into approach events, converting miss
// distance from AU to km. Rows missing a required field are skipped, not
// fatal.
func ParseEvents(p *CADPayload) (events []models.ApproachEvent, skipped int, err error) {
	if len(p.Fields) == 0 {
		return nil, 0, fmt.Errorf("cad payload has no fields header")
	}

	idx := make(map[string]int, len(p.Fields))
	for i, f := range p.Fields {
		idx[f] = i
	}
	for _, required := range []string{"des", "cd", "dist", "v_rel"} {
		if _, ok := idx[required]; !ok {
			return nil, 0, fmt.Errorf("cad payload missing field %q", required)
		}
	}

	for _, row := range p.Data {
		ev, ok := parseRow(row, idx)
		if !ok {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}

func parseRow(row []string, idx map[string]int) (models.ApproachEvent, bool) {
	get := func(field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	des := get("des")
	cd := get("cd")
	if des == "" || cd == "" {
		return models.ApproachEvent{}, false
	}

	approachTime, err := parseCD(cd)
	if err != nil {
		return models.ApproachEvent{}, false
	}
	distAU, err := strconv.ParseFloat(get("dist"), 64)
	if err != nil {
		return models.ApproachEvent{}, false
	}
	vRel, err := strconv.ParseFloat(get("v_rel"), 64)
	if err != nil {
		return models.ApproachEvent{}, false
	}

	name := get("fullname")
	if name == "" {
		name = des
	}

	return models.ApproachEvent{
		ObjectID:            des,
		Name:                name,
		ApproachTime:        approachTime,
		MinDistanceKm:       distAU * auToKm,
		RelativeVelocityKmS: vRel,
		Source:              sourceJPLCAD,
	}, true
}

func parseCD(cd string) (time.Time, error) {
	var lastErr error
	for _, layout := range cdLayouts {
		t, err := time.Parse(layout, cd)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Result reports what one ingestion run did.
type Result struct {
	Fetched     int
	Inserted    int
	Skipped     int
	SnapshotKey string
}

// Ingestor fetches CAD data, stores approach events, and optionally archives
// the raw payload snapshot.
type Ingestor struct {
	client   *CADClient
	events   store.EventStore
	archiver *SnapshotArchiver
	log      *logrus.Logger
}

// NewIngestor wires an ingestor; archiver may be nil to skip snapshots.
func NewIngestor(client *CADClient, events store.EventStore, archiver *SnapshotArchiver, log *logrus.Logger) *Ingestor {
	return &Ingestor{client: client, events: events, archiver: archiver, log: log}
}

// Run performs one fetch-parse-insert cycle. Duplicate approaches already in
// the store are skipped by the insert, keeping ingestion re-runnable.
func (i *Ingestor) Run(ctx context.Context) (Result, error) {
	payload, err := i.client.Fetch(ctx)
	if err != nil {
		return Result{}, err
	}

	events, skipped, err := ParseEvents(payload)
	if err != nil {
		return Result{}, err
	}

	inserted, err := i.events.InsertEvents(ctx, events)
	if err != nil {
		return Result{}, fmt.Errorf("store approach events: %w", err)
	}

	res := Result{Fetched: len(events), Inserted: inserted, Skipped: skipped}

	if i.archiver != nil {
		key, err := i.archiver.Archive(ctx, payload.Raw)
		if err != nil {
			// Snapshot archiving is auxiliary; the ingested rows stand.
			i.log.WithError(err).Warn("archive cad snapshot")
		} else {
			res.SnapshotKey = key
		}
	}
	return res, nil
}

package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mfenderov/gigsync/pkg/models"
)

func skipIfNoES(t *testing.T) {
	if os.Getenv("SKIP_ES_TESTS") == "1" {
		t.Skip("Skipping ES tests (SKIP_ES_TESTS=1)")
	}
	client, err := New(Config{
		Addresses: []string{"http://localhost:9200"},
		Index:     "test-skip-check",
	})
	if err != nil {
		t.Skipf("Skipping ES tests: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !client.Ping(ctx) {
		t.Skip("Skipping ES tests: Elasticsearch not available")
	}
}

func ptr(f float64) *float64 { return &f }

func view(id, artist string) models.ConcertView {
	return models.ConcertView{
		Concert: models.Concert{
			ID:       id,
			ArtistID: "a-" + artist,
			VenueID:  "v1",
			Date:     "2024-03-01",
			Source:   "setlistfm",
			Setlist:  []string{"Airbag", "Let Down"},
		},
		ArtistName: artist,
		VenueName:  "Madison Square Garden",
		City:       "New York",
		Country:    "US",
		Latitude:   ptr(40.7505),
		Longitude:  ptr(-73.9934),
	}
}

func TestNew_RequiresIndex(t *testing.T) {
	if _, err := New(Config{Addresses: []string{"http://localhost:9200"}}); err == nil {
		t.Error("expected error for empty index")
	}
}

func TestBulkBody(t *testing.T) {
	body, err := bulkBody("concerts", []models.ConcertView{view("c1", "Radiohead"), view("c2", "Portishead")})
	if err != nil {
		t.Fatalf("bulkBody() error = %v", err)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	if lines[0] != `{"index":{"_id":"c1","_index":"concerts"}}` {
		t.Errorf("action = %s", lines[0])
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &doc); err != nil {
		t.Fatalf("unmarshal document: %v", err)
	}
	if doc["artist_name"] != "Radiohead" || doc["date"] != "2024-03-01" {
		t.Errorf("document = %v", doc)
	}
	loc, ok := doc["location"].(map[string]any)
	if !ok || loc["lat"] != 40.7505 {
		t.Errorf("location = %v", doc["location"])
	}
}

func TestToDocument_NoCoordinates(t *testing.T) {
	v := view("c1", "Radiohead")
	v.Longitude = nil
	if doc := toDocument(v); doc.Location != nil {
		t.Errorf("Location = %+v, want nil", doc.Location)
	}
}

func TestBuildQuery(t *testing.T) {
	q := Query{Text: "radiohead", Country: "us", From: "2024-01-01", To: "2024-12-31"}.NearBy(40.7, -74.0, 25)
	data, err := json.Marshal(buildQuery(q))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		`"multi_match"`,
		`"country":"US"`,
		`"gte":"2024-01-01"`,
		`"lte":"2024-12-31"`,
		`"distance":"25km"`,
		`"size":10`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("query missing %s: %s", want, got)
		}
	}

	data, _ = json.Marshal(buildQuery(Query{Limit: 3}))
	if !strings.Contains(string(data), `"match_all"`) || strings.Contains(string(data), `"filter"`) {
		t.Errorf("empty query = %s", data)
	}
}

// esStub answers like Elasticsearch with a canned body.
func esStub(t *testing.T, status int, body string, gotBody *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotBody != nil {
			b, _ := io.ReadAll(r.Body)
			*gotBody = string(b)
		}
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIndexConcerts_ReportsItemErrors(t *testing.T) {
	var sent string
	srv := esStub(t, http.StatusOK, `{
		"errors": true,
		"items": [
			{"index": {"_id": "c1", "status": 201}},
			{"index": {"_id": "c2", "status": 400, "error": {"type": "mapper_parsing_exception", "reason": "bad date"}}}
		]
	}`, &sent)

	c, err := New(Config{Addresses: []string{srv.URL}, Index: "concerts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = c.IndexConcerts(context.Background(), []models.ConcertView{view("c1", "A"), view("c2", "B")})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "1 of 2") || !strings.Contains(err.Error(), "c2: bad date") {
		t.Errorf("error = %v", err)
	}
	if !strings.Contains(sent, `"_id":"c2"`) {
		t.Errorf("bulk body = %s", sent)
	}
}

func TestIndexConcerts_Empty(t *testing.T) {
	c, err := New(Config{Addresses: []string{"http://127.0.0.1:1"}, Index: "concerts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.IndexConcerts(context.Background(), nil); err != nil {
		t.Errorf("IndexConcerts(nil) error = %v", err)
	}
}

func TestSearch_DecodesHits(t *testing.T) {
	srv := esStub(t, http.StatusOK, `{"hits": {"hits": [
		{"_source": {"id": "c1", "artist_name": "Radiohead", "date": "2024-03-01", "city": "New York"}}
	]}}`, nil)

	c, err := New(Config{Addresses: []string{srv.URL}, Index: "concerts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := c.Search(context.Background(), Query{Text: "radiohead"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" || got[0].ArtistName != "Radiohead" || got[0].Date != "2024-03-01" {
		t.Errorf("Search() = %+v", got)
	}
}

func TestIntegration_IndexAndSearch(t *testing.T) {
	skipIfNoES(t)

	c, err := New(Config{Addresses: []string{"http://localhost:9200"}, Index: "gigsync-test-concerts"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	c.DeleteIndex(ctx)
	defer c.DeleteIndex(ctx)

	if err := c.CreateIndex(ctx); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := c.CreateIndex(ctx); err != nil {
		t.Fatalf("CreateIndex() second call error = %v", err)
	}
	if err := c.IndexConcerts(ctx, []models.ConcertView{view("c1", "Radiohead"), view("c2", "Portishead")}); err != nil {
		t.Fatalf("IndexConcerts() error = %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got, err := c.Search(ctx, Query{Text: "radiohead", Country: "US"}.NearBy(40.75, -73.99, 5))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) == 0 || got[0].ID != "c1" {
		t.Errorf("Search() = %+v", got)
	}
}

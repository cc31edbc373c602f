// Package search mirrors resolved concerts into Elasticsearch for
// full-text and geo lookups.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mfenderov/gigsync/pkg/models"
)

// Config holds Elasticsearch client configuration.
type Config struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
}

// Client wraps the Elasticsearch client with concert index operations.
type Client struct {
	es    *elasticsearch.Client
	index string
}

// New creates a new Elasticsearch client.
func New(config Config) (*Client, error) {
	if config.Index == "" {
		return nil, fmt.Errorf("index is required")
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		Username:  config.Username,
		Password:  config.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ES client: %w", err)
	}

	return &Client{
		es:    es,
		index: config.Index,
	}, nil
}

// Ping checks if Elasticsearch is available.
func (c *Client) Ping(ctx context.Context) bool {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return !res.IsError()
}

var indexMapping = `{
	"mappings": {
		"properties": {
			"id": { "type": "keyword" },
			"artist_id": { "type": "keyword" },
			"venue_id": { "type": "keyword" },
			"artist_name": { "type": "text", "fields": { "raw": { "type": "keyword" } } },
			"venue_name": { "type": "text", "fields": { "raw": { "type": "keyword" } } },
			"city": { "type": "text", "fields": { "raw": { "type": "keyword" } } },
			"country": { "type": "keyword" },
			"date": { "type": "date", "format": "yyyy-MM-dd" },
			"tour_name": { "type": "text" },
			"event_name": { "type": "text" },
			"setlist": { "type": "text" },
			"source": { "type": "keyword" },
			"location": { "type": "geo_point" }
		}
	}
}`

// document is the indexed form of a concert.
type document struct {
	models.ConcertView
	Location *geoPoint `json:"location,omitempty"`
}

type geoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func toDocument(v models.ConcertView) document {
	doc := document{ConcertView: v}
	if v.Latitude != nil && v.Longitude != nil {
		doc.Location = &geoPoint{Lat: *v.Latitude, Lon: *v.Longitude}
	}
	return doc
}

// CreateIndex creates the index with the concert mapping.
func (c *Client) CreateIndex(ctx context.Context) error {
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == 200 {
		return nil
	}

	res, err = c.es.Indices.Create(
		c.index,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index: %s", res.String())
	}
	return nil
}

// DeleteIndex removes the index (for testing/cleanup).
func (c *Client) DeleteIndex(ctx context.Context) error {
	res, err := c.es.Indices.Delete([]string{c.index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

// Refresh forces an index refresh.
func (c *Client) Refresh(ctx context.Context) error {
	res, err := c.es.Indices.Refresh(
		c.es.Indices.Refresh.WithContext(ctx),
		c.es.Indices.Refresh.WithIndex(c.index),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return nil
}

// bulkBody renders index actions for the bulk API. Concert ids are the
// document ids, so re-indexing overwrites.
func bulkBody(index string, concerts []models.ConcertView) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, v := range concerts {
		meta := map[string]any{"index": map[string]string{"_index": index, "_id": v.ID}}
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("failed to marshal bulk action: %w", err)
		}
		if err := enc.Encode(toDocument(v)); err != nil {
			return nil, fmt.Errorf("failed to marshal concert %s: %w", v.ID, err)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexConcerts upserts concerts with a single bulk request.
func (c *Client) IndexConcerts(ctx context.Context, concerts []models.ConcertView) error {
	if len(concerts) == 0 {
		return nil
	}
	body, err := bulkBody(c.index, concerts)
	if err != nil {
		return err
	}

	res, err := c.es.Bulk(
		bytes.NewReader(body),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(c.index),
	)
	if err != nil {
		return fmt.Errorf("failed to index concerts: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing concerts (status %d): %s", res.StatusCode, res.String())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !br.Errors {
		return nil
	}

	var failed []string
	for _, item := range br.Items {
		for _, r := range item {
			if r.Status >= 300 {
				failed = append(failed, fmt.Sprintf("%s: %s", r.ID, r.Error.Reason))
			}
		}
	}
	return fmt.Errorf("failed to index %d of %d concerts: %s", len(failed), len(concerts), strings.Join(failed, "; "))
}

// Query filters a concert search. Text matches artist, venue, city, tour
// and setlist fields; the rest are exact filters.
type Query struct {
	Text     string
	Country  string
	From     models.Date
	To       models.Date
	Near     *geoPoint
	RadiusKm float64
	Limit    int
}

// NearBy returns q restricted to concerts within radiusKm of a point.
func (q Query) NearBy(lat, lon, radiusKm float64) Query {
	q.Near = &geoPoint{Lat: lat, Lon: lon}
	q.RadiusKm = radiusKm
	return q
}

func buildQuery(q Query) map[string]any {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var must []any
	if q.Text != "" {
		must = append(must, map[string]any{
			"multi_match": map[string]any{
				"query":  q.Text,
				"fields": []string{"artist_name^3", "venue_name^2", "city", "tour_name", "event_name", "setlist"},
			},
		})
	}

	var filter []any
	if q.Country != "" {
		filter = append(filter, map[string]any{"term": map[string]any{"country": strings.ToUpper(q.Country)}})
	}
	if q.From != "" || q.To != "" {
		r := map[string]any{}
		if q.From != "" {
			r["gte"] = q.From.String()
		}
		if q.To != "" {
			r["lte"] = q.To.String()
		}
		filter = append(filter, map[string]any{"range": map[string]any{"date": r}})
	}
	if q.Near != nil && q.RadiusKm > 0 {
		filter = append(filter, map[string]any{
			"geo_distance": map[string]any{
				"distance": fmt.Sprintf("%gkm", q.RadiusKm),
				"location": q.Near,
			},
		})
	}

	boolQuery := map[string]any{}
	if len(must) > 0 {
		boolQuery["must"] = must
	} else {
		boolQuery["must"] = []any{map[string]any{"match_all": map[string]any{}}}
	}
	if len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	return map[string]any{
		"query": map[string]any{"bool": boolQuery},
		"sort":  []any{"_score", map[string]any{"date": "desc"}},
		"size":  limit,
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.ConcertView `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs q against the concert index.
func (c *Client) Search(ctx context.Context, q Query) ([]models.ConcertView, error) {
	data, err := json.Marshal(buildQuery(q))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := make([]models.ConcertView, len(sr.Hits.Hits))
	for i, hit := range sr.Hits.Hits {
		out[i] = hit.Source
	}
	return out, nil
}

// Package setlistfm is the connector for the setlist.fm REST API.
package setlistfm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/internal/normalize"
	"github.com/mfenderov/gigsync/internal/provider"
	"github.com/mfenderov/gigsync/pkg/models"
)

// Name is the provider name and the source tag on produced records.
const Name = "setlistfm"

const defaultPageSize = 20

func init() {
	provider.Register(Name, func(cfg config.Provider, deps provider.Deps) (provider.Connector, error) {
		return New(cfg, deps)
	})
}

// Connector fetches setlists page by page through a provider.Queue.
type Connector struct {
	queue     *provider.Queue
	pageSize  int
	pageDelay time.Duration
}

// New creates a setlist.fm connector.
func New(cfg config.Provider, deps provider.Deps) (*Connector, error) {
	if cfg.Name == "" {
		cfg.Name = Name
	}
	q, err := provider.NewQueue(cfg, deps)
	if err != nil {
		return nil, err
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Connector{queue: q, pageSize: pageSize, pageDelay: cfg.PageDelay}, nil
}

func (c *Connector) Name() string { return c.queue.Name() }

func (c *Connector) Close() error { return c.queue.Close() }

// Discover searches setlists. setlist.fm has no date range filter, so the
// range is applied to converted records; a single-year range is also sent
// as the year parameter to narrow the search. Genre is not supported by the
// API and is ignored.
func (c *Connector) Discover(ctx context.Context, p provider.DiscoverParams) iter.Seq2[provider.Page, error] {
	q := url.Values{}
	if p.ArtistName != "" {
		q.Set("artistName", p.ArtistName)
	}
	if p.City != "" {
		q.Set("cityName", p.City)
	}
	if p.CountryCode != "" {
		q.Set("countryCode", normalize.Country(p.CountryCode))
	}
	if p.VenueName != "" {
		q.Set("venueName", p.VenueName)
	}
	if p.StartDate.Valid() && p.EndDate.Valid() && p.StartDate.Time().Year() == p.EndDate.Time().Year() {
		q.Set("year", strconv.Itoa(p.StartDate.Time().Year()))
	}
	if p.Genre != "" {
		slog.Debug("genre filter not supported by setlist.fm, ignoring", "genre", p.Genre)
	}

	inRange := func(sc models.ScrapedConcert) bool {
		if p.StartDate.Valid() && sc.Date < p.StartDate {
			return false
		}
		if p.EndDate.Valid() && sc.Date > p.EndDate {
			return false
		}
		return true
	}
	return c.paginate(ctx, "/search/setlists", q, p.Limit, p.Offset, inRange)
}

// ScrapeByArtist lists setlists for a MusicBrainz artist id.
func (c *Connector) ScrapeByArtist(ctx context.Context, mbid string, limit int) iter.Seq2[provider.Page, error] {
	return c.paginate(ctx, "/artist/"+url.PathEscape(mbid)+"/setlists", url.Values{}, limit, 0, nil)
}

// ScrapeByVenue lists setlists for a setlist.fm venue id.
func (c *Connector) ScrapeByVenue(ctx context.Context, venueID string, limit int) iter.Seq2[provider.Page, error] {
	return c.paginate(ctx, "/venue/"+url.PathEscape(venueID)+"/setlists", url.Values{}, limit, 0, nil)
}

func (c *Connector) paginate(ctx context.Context, path string, query url.Values, limit, offset int,
	keep func(models.ScrapedConcert) bool) iter.Seq2[provider.Page, error] {
	return func(yield func(provider.Page, error) bool) {
		if offset < 0 {
			offset = 0
		}
		page := offset/c.pageSize + 1
		skip := offset % c.pageSize
		emitted := 0

		for first := true; ; first = false {
			if !first && c.pageDelay > 0 {
				select {
				case <-ctx.Done():
					yield(provider.Page{}, ctx.Err())
					return
				case <-time.After(c.pageDelay):
				}
			}

			query.Set("p", strconv.Itoa(page))
			var resp setlistsResponse
			raw, err := c.queue.GetJSON(ctx, path, query, &resp)
			if err != nil {
				// setlist.fm answers an empty result set with 404.
				var apiErr *provider.APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
					slog.Debug("no more setlists", "source", c.Name(), "path", path, "page", page)
					return
				}
				yield(provider.Page{Number: page}, fmt.Errorf("failed to fetch %s page %d: %w", path, page, err))
				return
			}

			out := provider.Page{Number: page, Total: totalPages(resp), Raw: raw}
			for i, item := range resp.Setlist {
				if first && i < skip {
					continue
				}
				sc, err := convert(item, c.Name())
				if err != nil {
					slog.Warn("dropping malformed setlist", "source", c.Name(), "page", page, "error", err)
					out.Dropped++
					continue
				}
				if keep != nil && !keep(sc) {
					continue
				}
				if limit > 0 && emitted >= limit {
					break
				}
				out.Concerts = append(out.Concerts, sc)
				emitted++
			}

			if !yield(out, nil) {
				return
			}
			if len(resp.Setlist) == 0 || page >= out.Total || (limit > 0 && emitted >= limit) {
				return
			}
			page++
		}
	}
}

func totalPages(resp setlistsResponse) int {
	if resp.ItemsPerPage <= 0 {
		return resp.Page
	}
	return (resp.Total + resp.ItemsPerPage - 1) / resp.ItemsPerPage
}

// convert maps one raw setlist to a ScrapedConcert.
func convert(raw json.RawMessage, source string) (models.ScrapedConcert, error) {
	var s setlist
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.ScrapedConcert{}, fmt.Errorf("failed to parse setlist: %w", err)
	}

	date, ok := normalize.Date(s.EventDate)
	if !ok {
		return models.ScrapedConcert{}, fmt.Errorf("setlist %s: invalid event date %q", s.ID, s.EventDate)
	}

	sc := models.ScrapedConcert{
		ExternalID: s.ID,
		Artist: models.ScrapedArtist{
			ExternalID: s.Artist.MBID,
			MBID:       s.Artist.MBID,
			Name:       strings.TrimSpace(s.Artist.Name),
			Source:     source,
		},
		Venue: models.ScrapedVenue{
			ExternalID: s.Venue.ID,
			Name:       strings.TrimSpace(s.Venue.Name),
			City:       strings.TrimSpace(s.Venue.City.Name),
			State:      s.Venue.City.State,
			Country:    normalize.Country(s.Venue.City.Country.Code),
			Source:     source,
		},
		Date:      date,
		EventName: s.Info,
		URL:       s.URL,
		Source:    source,
		Raw:       raw,
	}
	if s.Artist.SortName != "" && s.Artist.SortName != s.Artist.Name {
		sc.Artist.Aliases = append(sc.Artist.Aliases, s.Artist.SortName)
	}
	if s.Tour != nil {
		sc.TourName = s.Tour.Name
	}
	// city.coords locate the city, not the venue, so venues carry no
	// coordinates and never take part in proximity matching.
	for _, set := range s.Sets.Set {
		for _, song := range set.Song {
			if name := strings.TrimSpace(song.Name); name != "" {
				sc.Setlist = append(sc.Setlist, name)
			}
		}
	}

	if err := sc.Validate().Err(models.TableConcerts); err != nil {
		return models.ScrapedConcert{}, fmt.Errorf("setlist %s: %w", s.ID, err)
	}
	return sc, nil
}

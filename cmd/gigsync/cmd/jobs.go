package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mfenderov/gigsync/internal/ingestion"
	"github.com/mfenderov/gigsync/pkg/models"
	"github.com/spf13/cobra"
)

var (
	jobSource    string
	jobLimit     int
	jobOffset    int
	jobFormat    string
	discoverOpts struct {
		artist, city, country, venue, genre, from, to string
	}
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search a provider and ingest the concerts found",
	Long: `Search a provider for concerts and ingest every page of results.

Examples:
  # Concerts in Berlin
  gigsync discover --city Berlin --country DE

  # One artist's 2024 shows, first 100
  gigsync discover --artist Radiohead --from 2024-01-01 --to 2024-12-31 --limit 100`,
	RunE: runDiscover,
}

var scrapeArtistCmd = &cobra.Command{
	Use:   "scrape-artist [provider-artist-id]",
	Short: "Ingest all concerts of one provider artist",
	Long: `Ingest all concerts of one artist, identified by the provider's id
(a MusicBrainz id for setlist.fm).

Example:
  gigsync scrape-artist a74b1b7f-71a5-4011-9441-d0b5e4122711`,
	Args: cobra.ExactArgs(1),
	RunE: runScrapeArtist,
}

var scrapeVenueCmd = &cobra.Command{
	Use:   "scrape-venue [provider-venue-id]",
	Short: "Ingest all concerts of one provider venue",
	Args:  cobra.ExactArgs(1),
	RunE:  runScrapeVenue,
}

func init() {
	rootCmd.AddCommand(discoverCmd, scrapeArtistCmd, scrapeVenueCmd)

	for _, c := range []*cobra.Command{discoverCmd, scrapeArtistCmd, scrapeVenueCmd} {
		c.Flags().StringVar(&jobSource, "source", "", "Provider name (default: the only configured provider)")
		c.Flags().IntVar(&jobLimit, "limit", 0, "Maximum number of concerts to ingest (0 for all)")
		c.Flags().StringVar(&jobFormat, "format", "text", "Output format: text or json")
	}

	discoverCmd.Flags().IntVar(&jobOffset, "offset", 0, "Number of results to skip")
	discoverCmd.Flags().StringVar(&discoverOpts.artist, "artist", "", "Artist name")
	discoverCmd.Flags().StringVar(&discoverOpts.city, "city", "", "City name")
	discoverCmd.Flags().StringVar(&discoverOpts.country, "country", "", "ISO 3166-1 alpha-2 country code")
	discoverCmd.Flags().StringVar(&discoverOpts.venue, "venue", "", "Venue name")
	discoverCmd.Flags().StringVar(&discoverOpts.genre, "genre", "", "Genre (if the provider supports it)")
	discoverCmd.Flags().StringVar(&discoverOpts.from, "from", "", "Earliest concert date, YYYY-MM-DD")
	discoverCmd.Flags().StringVar(&discoverOpts.to, "to", "", "Latest concert date, YYYY-MM-DD")
}

func parseDateFlag(name, value string) (models.Date, error) {
	if value == "" {
		return "", nil
	}
	d, ok := models.ParseDate(value)
	if !ok {
		return "", fmt.Errorf("invalid --%s date: %q", name, value)
	}
	return d, nil
}

func jobParams() ingestion.Params {
	return ingestion.Params{Source: jobSource, Limit: jobLimit, Offset: jobOffset}
}

func runDiscover(cmd *cobra.Command, args []string) error {
	p := jobParams()
	p.ArtistName = discoverOpts.artist
	p.City = discoverOpts.city
	p.CountryCode = discoverOpts.country
	p.VenueName = discoverOpts.venue
	p.Genre = discoverOpts.genre

	var err error
	if p.StartDate, err = parseDateFlag("from", discoverOpts.from); err != nil {
		return err
	}
	if p.EndDate, err = parseDateFlag("to", discoverOpts.to); err != nil {
		return err
	}

	return runJob(cmd, func(ctx context.Context, e *ingestion.Engine) (*ingestion.Result, error) {
		return e.RunDiscovery(ctx, p)
	})
}

func runScrapeArtist(cmd *cobra.Command, args []string) error {
	return runJob(cmd, func(ctx context.Context, e *ingestion.Engine) (*ingestion.Result, error) {
		return e.RunArtistScrape(ctx, args[0], jobParams())
	})
}

func runScrapeVenue(cmd *cobra.Command, args []string) error {
	return runJob(cmd, func(ctx context.Context, e *ingestion.Engine) (*ingestion.Result, error) {
		return e.RunVenueScrape(ctx, args[0], jobParams())
	})
}

// runJob runs one job in the foreground. The first interrupt stops the job
// between pages; in-flight page work completes.
func runJob(cmd *cobra.Command, job func(context.Context, *ingestion.Engine) (*ingestion.Result, error)) error {
	ctx := context.Background()
	a, err := newApp(ctx, GetConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		a.engine.Shutdown()
	}()

	result, err := job(ctx, a.engine)
	if result != nil {
		printResult(cmd, result)
	}
	if err != nil {
		return fmt.Errorf("job failed: %w", err)
	}
	return nil
}

func printResult(cmd *cobra.Command, r *ingestion.Result) {
	out := cmd.OutOrStdout()
	if jobFormat == "json" {
		data, _ := json.MarshalIndent(r, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	fmt.Fprintf(out, "\n%s complete (%s):\n", r.Job, r.Source)
	fmt.Fprintf(out, "  Job ID:           %s\n", r.JobID)
	fmt.Fprintf(out, "  Pages:            %d\n", r.Pages)
	fmt.Fprintf(out, "  Processed:        %d\n", r.ProcessedCount)
	fmt.Fprintf(out, "  Errors:           %d\n", r.ErrorCount)
	fmt.Fprintf(out, "  Dropped:          %d\n", r.Dropped)
	fmt.Fprintf(out, "  Artists created:  %d\n", r.ArtistsCreated)
	fmt.Fprintf(out, "  Venues created:   %d\n", r.VenuesCreated)
	fmt.Fprintf(out, "  Concerts created: %d\n", r.ConcertsCreated)
	fmt.Fprintf(out, "  Duration:         %v\n", r.Duration)
	if r.Interrupted {
		fmt.Fprintln(out, "  Interrupted by shutdown before the last page")
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(out, "  Warnings: %d\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(out, "    - %s\n", e)
		}
	}
}

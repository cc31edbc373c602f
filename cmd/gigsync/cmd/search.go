package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mfenderov/gigsync/internal/search"
	"github.com/spf13/cobra"
)

var (
	searchLimit   int
	searchFormat  string
	searchCountry string
	searchFrom    string
	searchTo      string
	searchNear    []float64
	searchRadius  float64
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search ingested concerts",
	Long: `Search the concert index by artist, venue, city, tour or song.

Examples:
  # Basic search
  gigsync search "radiohead"

  # Filter by country and date
  gigsync search "radiohead" --country GB --from 2024-01-01

  # Concerts within 10 km of a point
  gigsync search "jazz" --near 52.52,13.405 --radius 10

  # JSON output for scripting
  gigsync search "portishead" --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Maximum number of results")
	searchCmd.Flags().StringVar(&searchFormat, "format", "text", "Output format: text or json")
	searchCmd.Flags().StringVar(&searchCountry, "country", "", "Country code filter")
	searchCmd.Flags().StringVar(&searchFrom, "from", "", "Earliest date, YYYY-MM-DD")
	searchCmd.Flags().StringVar(&searchTo, "to", "", "Latest date, YYYY-MM-DD")
	searchCmd.Flags().Float64SliceVar(&searchNear, "near", nil, "Latitude,longitude to search around")
	searchCmd.Flags().Float64Var(&searchRadius, "radius", 25, "Radius in km for --near")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q := search.Query{Text: args[0], Country: searchCountry, Limit: searchLimit}
	var err error
	if q.From, err = parseDateFlag("from", searchFrom); err != nil {
		return err
	}
	if q.To, err = parseDateFlag("to", searchTo); err != nil {
		return err
	}
	if len(searchNear) > 0 {
		if len(searchNear) != 2 {
			return fmt.Errorf("--near takes latitude,longitude")
		}
		q = q.NearBy(searchNear[0], searchNear[1], searchRadius)
	}

	client, err := newSearch(GetConfig().Elasticsearch)
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}

	concerts, err := client.Search(ctx, q)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(concerts) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	if searchFormat == "json" {
		output, err := json.MarshalIndent(concerts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(output))
		return nil
	}

	fmt.Fprintf(out, "Found %d results:\n\n", len(concerts))
	for i, c := range concerts {
		fmt.Fprintf(out, "─── Result %d ───\n", i+1)
		fmt.Fprintf(out, "Artist:  %s\n", c.ArtistName)
		fmt.Fprintf(out, "Venue:   %s, %s, %s\n", c.VenueName, c.City, c.Country)
		fmt.Fprintf(out, "Date:    %s\n", c.Date)
		fmt.Fprintf(out, "ID:      %s\n", c.ID)
		if c.TourName != "" {
			fmt.Fprintf(out, "Tour:    %s\n", c.TourName)
		}
		if len(c.Setlist) > 0 {
			setlist := strings.Join(c.Setlist, ", ")
			if len(setlist) > 200 {
				setlist = setlist[:200] + "..."
			}
			fmt.Fprintf(out, "Setlist: %s\n", setlist)
		}
		fmt.Fprintln(out)
	}
	return nil
}

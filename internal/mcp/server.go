package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mfenderov/gigsync/internal/classify"
	"github.com/mfenderov/gigsync/internal/events"
	"github.com/mfenderov/gigsync/internal/ingestion"
	"github.com/mfenderov/gigsync/internal/ratelimit"
	"github.com/mfenderov/gigsync/internal/search"
	"github.com/mfenderov/gigsync/pkg/models"
)

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
}

// Errors exposes recently classified errors.
type Errors interface {
	Stats() classify.Stats
	Recent(n int) []classify.ProcessedError
}

// Searcher queries the concert index.
type Searcher interface {
	Search(ctx context.Context, q search.Query) ([]models.ConcertView, error)
}

// Jobs schedules ingestion jobs.
type Jobs interface {
	Submit(req events.JobRequest) error
	Last() (events.JobCompleted, bool)
}

// Limiter reports rate limiter state.
type Limiter interface {
	BlockedFor(ctx context.Context, prefix, identity string) (time.Duration, bool)
	Violations(ctx context.Context, n int64) ([]ratelimit.Violation, error)
}

// Deps are the components the tools operate on. Nil fields disable the
// matching tools.
type Deps struct {
	Errors  Errors
	Search  Searcher
	Jobs    Jobs
	Limiter Limiter
	Gate    string // limiter key prefix used by provider queues
}

// Server wraps the MCP server with operator tools for the pipeline.
type Server struct {
	mcpServer *server.MCPServer
	deps      Deps
}

// NewServer creates a new MCP server with the tools deps allow.
func NewServer(config Config, deps Deps) *Server {
	mcpServer := server.NewMCPServer(
		config.Name,
		config.Version,
		server.WithToolCapabilities(true),
	)

	s := &Server{
		mcpServer: mcpServer,
		deps:      deps,
	}

	if deps.Errors != nil {
		mcpServer.AddTool(mcp.NewTool("error_stats",
			mcp.WithDescription("Summarize recently classified pipeline errors by category, severity and source"),
		), s.errorStatsHandler)

		mcpServer.AddTool(mcp.NewTool("recent_errors",
			mcp.WithDescription("List the most recent classified errors, newest first"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of errors to return (default: 20)"),
			),
		), s.recentErrorsHandler)
	}

	if deps.Search != nil {
		mcpServer.AddTool(mcp.NewTool("search_concerts",
			mcp.WithDescription("Search ingested concerts by artist, venue, city, tour or song"),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Search query string"),
			),
			mcp.WithString("country",
				mcp.Description("ISO 3166-1 alpha-2 country filter"),
			),
			mcp.WithString("from",
				mcp.Description("Earliest date, YYYY-MM-DD"),
			),
			mcp.WithString("to",
				mcp.Description("Latest date, YYYY-MM-DD"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of results to return (default: 10)"),
			),
		), s.searchHandler)
	}

	if deps.Jobs != nil {
		mcpServer.AddTool(mcp.NewTool("run_job",
			mcp.WithDescription("Queue an ingestion job: discovery, artist_scrape or venue_scrape"),
			mcp.WithString("kind",
				mcp.Required(),
				mcp.Enum(string(events.Discovery), string(events.ArtistScrape), string(events.VenueScrape)),
				mcp.Description("Job kind"),
			),
			mcp.WithString("source",
				mcp.Description("Provider name, e.g. setlistfm"),
			),
			mcp.WithString("target_id",
				mcp.Description("Provider artist or venue id for scrape jobs"),
			),
			mcp.WithString("artist_name", mcp.Description("Discovery: artist name")),
			mcp.WithString("city", mcp.Description("Discovery: city name")),
			mcp.WithString("country_code", mcp.Description("Discovery: country code")),
			mcp.WithNumber("limit", mcp.Description("Maximum concerts to ingest")),
		), s.runJobHandler)

		mcpServer.AddTool(mcp.NewTool("last_job",
			mcp.WithDescription("Show the result of the most recently completed job"),
		), s.lastJobHandler)
	}

	if deps.Limiter != nil {
		mcpServer.AddTool(mcp.NewTool("limiter_status",
			mcp.WithDescription("Show whether a provider is blocked by the distributed rate limiter, plus recent violations"),
			mcp.WithString("provider",
				mcp.Description("Provider name to check for an active block"),
			),
			mcp.WithNumber("violations",
				mcp.Description("Number of recent violations to include (default: 10)"),
			),
		), s.limiterStatusHandler)
	}

	return s
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) errorStatsHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Errors.Stats())
}

func (s *Server) recentErrorsHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.deps.Errors.Recent(req.GetInt("limit", 20)))
}

func (s *Server) searchHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	q := search.Query{
		Text:    query,
		Country: req.GetString("country", ""),
		From:    models.Date(req.GetString("from", "")),
		To:      models.Date(req.GetString("to", "")),
		Limit:   req.GetInt("limit", 10),
	}
	for _, d := range []models.Date{q.From, q.To} {
		if d != "" && !d.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid date: %s", d)), nil
		}
	}

	concerts, err := s.deps.Search.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(concerts)
}

func (s *Server) runJobHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind parameter is required"), nil
	}

	job := events.JobRequest{
		Kind:     events.Kind(kind),
		TargetID: req.GetString("target_id", ""),
		Params: ingestion.Params{
			Source:      req.GetString("source", ""),
			ArtistName:  req.GetString("artist_name", ""),
			City:        req.GetString("city", ""),
			CountryCode: req.GetString("country_code", ""),
			Limit:       req.GetInt("limit", 0),
		},
	}
	if err := s.deps.Jobs.Submit(job); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to queue job: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("queued %s job", kind)), nil
}

func (s *Server) lastJobHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	last, ok := s.deps.Jobs.Last()
	if !ok {
		return mcp.NewToolResultText("no job has completed yet"), nil
	}
	return jsonResult(last)
}

type limiterStatus struct {
	Provider   string                `json:"provider,omitempty"`
	Blocked    bool                  `json:"blocked"`
	BlockedFor string                `json:"blocked_for,omitempty"`
	Violations []ratelimit.Violation `json:"violations"`
}

func (s *Server) limiterStatusHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := limiterStatus{Provider: req.GetString("provider", "")}
	if status.Provider != "" {
		if d, blocked := s.deps.Limiter.BlockedFor(ctx, s.deps.Gate, status.Provider); blocked {
			status.Blocked = true
			if d > 0 {
				status.BlockedFor = d.String()
			}
		}
	}

	v, err := s.deps.Limiter.Violations(ctx, int64(req.GetInt("violations", 10)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read violations: %v", err)), nil
	}
	status.Violations = v
	return jsonResult(status)
}

// ServeStdio starts the MCP server using stdio transport.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

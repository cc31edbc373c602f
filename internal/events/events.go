package events

import (
	"time"

	"github.com/mfenderov/gigsync/internal/ingestion"
)

// Kind identifies which ingestion job a request runs.
type Kind string

const (
	Discovery    Kind = ingestion.JobDiscovery
	ArtistScrape Kind = ingestion.JobArtistScrape
	VenueScrape  Kind = ingestion.JobVenueScrape
)

// JobRequest is sent to the worker to schedule an ingestion job.
type JobRequest struct {
	Kind     Kind             `json:"kind"`
	TargetID string           `json:"target_id,omitempty"` // provider artist or venue id
	Params   ingestion.Params `json:"params"`
	Queued   time.Time        `json:"queued"`
}

// JobCompleted is sent when a job finishes, successfully or not.
type JobCompleted struct {
	Request JobRequest        `json:"request"`
	Result  *ingestion.Result `json:"result,omitempty"`
	Err     string            `json:"error,omitempty"`
}

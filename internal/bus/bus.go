// Package bus carries check requests and results between the scheduler,
// the workers and the result processor with at-least-once delivery.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Stream names. The dead stream receives messages that exhausted their
// delivery or retry budget, with a reason attached.
const (
	StreamRequests = "check.requests"
	StreamResults  = "check.results"
	StreamDead     = "check.dead"
)

// Failure kinds carried on CheckResult when ok=false.
const (
	KindRateLimited = "rate_limited"
	KindParse       = "parse"
	KindTransport   = "transport"
)

// CheckRequest asks a worker to fetch and parse one task's URL.
type CheckRequest struct {
	TaskID        int64           `json:"task_id"`
	URL           string          `json:"url"`
	Filters       json.RawMessage `json:"filters"`
	Attempt       int             `json:"attempt"`
	CorrelationID string          `json:"correlation_id"`
}

// Listing is one market listing extracted by a worker.
type Listing struct {
	ListingID      string          `json:"listing_id,omitempty"`
	ItemName       string          `json:"item_name"`
	PriceCents     int64           `json:"price_cents"`
	Wear           *float64        `json:"wear,omitempty"`
	PatternSeed    *int            `json:"pattern_seed,omitempty"`
	Stickers       []string        `json:"stickers,omitempty"`
	SellerOpaqueID string          `json:"seller_opaque_id,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// CheckResult reports the outcome of one check request.
type CheckResult struct {
	TaskID        int64     `json:"task_id"`
	CorrelationID string    `json:"correlation_id"`
	OK            bool      `json:"ok"`
	Kind          string    `json:"kind,omitempty"`
	Listings      []Listing `json:"listings,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// RequestHandler processes one check request. A nil return acknowledges the
// message; an error leaves it pending for redelivery.
type RequestHandler func(ctx context.Context, req *CheckRequest) error

// ResultHandler processes one check result with the same ack semantics.
type ResultHandler func(ctx context.Context, res *CheckResult) error

// Bus is the durable broker abstraction. Publishes must not lose messages:
// implementations retry until the broker acknowledges or the context ends.
type Bus interface {
	PublishCheckRequest(ctx context.Context, req *CheckRequest) error
	// PublishCheckRequestDelayed makes the request deliverable only after
	// delay has passed; used for worker-side requeues.
	PublishCheckRequestDelayed(ctx context.Context, req *CheckRequest, delay time.Duration) error
	PublishCheckResult(ctx context.Context, res *CheckResult) error

	// ConsumeCheckRequests blocks, delivering requests to h until ctx ends.
	// consumer names this reader within the worker group.
	ConsumeCheckRequests(ctx context.Context, consumer string, h RequestHandler) error
	// ConsumeCheckResults blocks, delivering results to h until ctx ends.
	ConsumeCheckResults(ctx context.Context, consumer string, h ResultHandler) error

	// DeadLetter parks an unprocessable payload on the dead stream.
	DeadLetter(ctx context.Context, stream string, payload []byte, reason string) error

	// Depths reports pending entries per stream for status and metrics.
	Depths(ctx context.Context) (map[string]int64, error)

	Close() error
}

// Package store is the ingestion seam between the pipeline and wherever validated series live.
package store

import (
	"context"

	"klinevault/internal/market"
	"klinevault/internal/validate"
)

// Delivery 是一次交付给下游存储的已校验序列。
type Delivery struct {
	RunID   int64
	TraceID string
	Series  market.Series
	Report  validate.Report
	// Partial marks a series delivered below full coverage; Coverage carries the ratio.
	Partial  bool
	Coverage float64
}

// Sink receives validated series. Implementations must be safe for concurrent use.
type Sink interface {
	Ingest(ctx context.Context, d Delivery) error
	Close() error
}

// NopSink discards deliveries.
type NopSink struct{}

func (NopSink) Ingest(ctx context.Context, _ Delivery) error { return ctx.Err() }

func (NopSink) Close() error { return nil }

var _ Sink = NopSink{}

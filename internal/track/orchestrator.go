package track

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/obs"
)

// ErrCarrierNotConfigured is returned when no tracker is registered for the
// requested carrier.
var ErrCarrierNotConfigured = errors.New("carrier not configured")

// Orchestrator is the public entry point for tracking lookups. It dispatches
// requests to per-carrier trackers, splits oversized batches down to each
// carrier's batch limit, and reassembles results in input order.
type Orchestrator struct {
	trackers map[carrier.Carrier]Tracker
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewOrchestrator registers the provided trackers. The timeout bounds one
// whole tracking call, including retries; zero disables it.
func NewOrchestrator(trackers []Tracker, timeout time.Duration, logger zerolog.Logger) *Orchestrator {
	registered := make(map[carrier.Carrier]Tracker, len(trackers))
	for _, tracker := range trackers {
		registered[tracker.Carrier()] = tracker
	}
	return &Orchestrator{trackers: registered, timeout: timeout, logger: logger}
}

// Carriers lists the registered carriers in canonical order.
func (o *Orchestrator) Carriers() []carrier.Carrier {
	var names []carrier.Carrier
	for _, name := range carrier.All() {
		if _, ok := o.trackers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Configured reports whether a tracker is registered for the carrier.
func (o *Orchestrator) Configured(name carrier.Carrier) bool {
	_, ok := o.trackers[name]
	return ok
}

// ValidateNumber checks a tracking number's format without network I/O.
func (o *Orchestrator) ValidateNumber(name carrier.Carrier, number string) bool {
	return carrier.Validate(name, carrier.CleanNumber(number))
}

// TrackOne resolves a single tracking number.
func (o *Orchestrator) TrackOne(ctx context.Context, name carrier.Carrier, number string) (carrier.Result, error) {
	results, err := o.TrackBatch(ctx, name, []string{number})
	if err != nil {
		return carrier.Result{}, err
	}
	return results[0], nil
}

// TrackBatch resolves a list of numbers for one carrier, preserving input
// order. Batches above the carrier's native limit are split transparently.
func (o *Orchestrator) TrackBatch(ctx context.Context, name carrier.Carrier, numbers []string) ([]carrier.Result, error) {
	tracker, ok := o.trackers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCarrierNotConfigured, name)
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if obs.TrackBatchSize != nil {
		obs.TrackBatchSize.WithLabelValues(string(name)).Observe(float64(len(numbers)))
	}

	started := time.Now()
	results := make([]carrier.Result, 0, len(numbers))
	for _, batch := range chunkNumbers(numbers, name.BatchLimit()) {
		fetched, err := tracker.Track(ctx, batch)
		if err != nil {
			for _, number := range batch {
				fetched = append(fetched, carrier.ErrorResult(name, number, err.Error()))
			}
		}
		results = append(results, fetched...)
	}
	o.logger.Info().
		Str("carrier", string(name)).
		Int("count", len(numbers)).
		Dur("took", time.Since(started)).
		Msg("track_batch_completed")
	return results, nil
}

// Track resolves a mixed-carrier request list. Requests are grouped by
// carrier, the groups run concurrently, and results are re-interleaved back
// into the original order. Requests for unregistered carriers come back as
// ERROR results rather than failing the whole call.
func (o *Orchestrator) Track(ctx context.Context, requests []carrier.Request) ([]carrier.Result, error) {
	results := make([]carrier.Result, len(requests))

	groups := make(map[carrier.Carrier][]int)
	for i, req := range requests {
		if _, ok := o.trackers[req.Carrier]; !ok {
			results[i] = carrier.ErrorResult(req.Carrier, req.TrackingNumber, ErrCarrierNotConfigured.Error())
			continue
		}
		groups[req.Carrier] = append(groups[req.Carrier], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, indexes := range groups {
		name, indexes := name, indexes
		g.Go(func() error {
			numbers := make([]string, 0, len(indexes))
			for _, i := range indexes {
				numbers = append(numbers, requests[i].TrackingNumber)
			}
			fetched, err := o.TrackBatch(gctx, name, numbers)
			if err != nil {
				return err
			}
			for pos, i := range indexes {
				results[i] = fetched[pos]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

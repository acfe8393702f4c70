package track

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/resilience"
)

// Tracker fetches normalized tracking results for a single carrier. Track
// returns exactly one Result per input number, in input order; per-number
// failures become ERROR or NOT_FOUND results instead of an error return.
type Tracker interface {
	Carrier() carrier.Carrier
	Track(ctx context.Context, numbers []string) ([]carrier.Result, error)
}

// Options carries the shared dependencies of every carrier tracker.
type Options struct {
	Auth    *auth.Manager
	Policy  resilience.Policy
	BaseURL string
	// MaxConcurrency bounds in-flight chunk requests per Track call.
	MaxConcurrency int
	// Pacer throttles outbound calls client-side; nil disables pacing.
	Pacer  *limiter.Limiter
	Logger zerolog.Logger
}

// fetchFunc performs one upstream call for a chunk of validated numbers and
// returns one result per number, keyed by tracking number.
type fetchFunc func(ctx context.Context, chunk []string) ([]carrier.Result, error)

type base struct {
	name        carrier.Carrier
	concurrency int
	pacer       *limiter.Limiter
	logger      zerolog.Logger
}

func newBase(name carrier.Carrier, opts Options) base {
	concurrency := opts.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return base{
		name:        name,
		concurrency: concurrency,
		pacer:       opts.Pacer,
		logger:      opts.Logger.With().Str("carrier", string(name)).Logger(),
	}
}

// run validates the inputs, fans chunks out to fetch with bounded
// concurrency, and reassembles the results in input order. Numbers failing
// format validation never reach the network.
func (b base) run(ctx context.Context, numbers []string, chunkSize int, fetch fetchFunc) ([]carrier.Result, error) {
	results := make([]carrier.Result, len(numbers))
	slots := make(map[string][]int, len(numbers))
	var pending []string
	for i, raw := range numbers {
		cleaned := carrier.CleanNumber(raw)
		if !carrier.Validate(b.name, cleaned) {
			verr := &carrier.ValidationError{Carrier: b.name, TrackingNumber: raw}
			results[i] = carrier.NotFoundResult(b.name, raw, verr.Error())
			continue
		}
		if _, seen := slots[cleaned]; !seen {
			pending = append(pending, cleaned)
		}
		slots[cleaned] = append(slots[cleaned], i)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(b.concurrency)
	for _, chunk := range chunkNumbers(pending, chunkSize) {
		chunk := chunk
		g.Go(func() error {
			fetched, err := b.fetchChunk(ctx, chunk, fetch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.logger.Error().Err(err).Int("chunk_size", len(chunk)).Msg("carrier_chunk_failed")
				for _, number := range chunk {
					assign(results, slots[number], carrier.ErrorResult(b.name, number, err.Error()))
				}
				return nil
			}
			byNumber := make(map[string]carrier.Result, len(fetched))
			for _, res := range fetched {
				byNumber[res.TrackingNumber] = res
			}
			for _, number := range chunk {
				res, ok := byNumber[number]
				if !ok {
					res = carrier.NotFoundResult(b.name, number, "tracking number missing from carrier response")
				}
				assign(results, slots[number], res)
			}
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Status == "" {
			results[i] = carrier.ErrorResult(b.name, numbers[i], "tracking request was not completed")
		}
		Requests.WithLabelValues(string(b.name), string(results[i].Status)).Inc()
	}
	return results, nil
}

func (b base) fetchChunk(ctx context.Context, chunk []string, fetch fetchFunc) ([]carrier.Result, error) {
	if err := b.pace(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	fetched, err := fetch(ctx, chunk)
	UpstreamDuration.WithLabelValues(string(b.name)).Observe(time.Since(start).Seconds())
	return fetched, err
}

// pace blocks until the client-side rate limiter admits another request.
func (b base) pace(ctx context.Context) error {
	if b.pacer == nil {
		return nil
	}
	for {
		lctx, err := b.pacer.Get(ctx, string(b.name))
		if err != nil {
			return err
		}
		if !lctx.Reached {
			return nil
		}
		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait < 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func assign(results []carrier.Result, indexes []int, res carrier.Result) {
	for _, i := range indexes {
		results[i] = res
	}
}

func chunkNumbers(numbers []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var chunks [][]string
	for start := 0; start < len(numbers); start += size {
		end := start + size
		if end > len(numbers) {
			end = len(numbers)
		}
		chunks = append(chunks, numbers[start:end])
	}
	return chunks
}

// joinPlace renders "City, ST US" style labels, skipping empty parts.
func joinPlace(parts ...string) string {
	var kept []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, ", ")
}

// splitPlace parses "City, ST" style labels back into a structured location.
func splitPlace(value string) *carrier.Location {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	loc := &carrier.Location{City: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		loc.State = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		loc.PostalCode = strings.TrimSpace(parts[2])
	}
	return loc
}

func sortEventsAscending(events []carrier.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// deliveredAt returns the newest event timestamp for delivered results.
// Carriers without a dedicated delivery timestamp field report it through
// their final scan. Events must already be sorted ascending.
func deliveredAt(status carrier.Status, events []carrier.Event) *time.Time {
	if status != carrier.StatusDelivered || len(events) == 0 {
		return nil
	}
	ts := events[len(events)-1].Timestamp
	return &ts
}

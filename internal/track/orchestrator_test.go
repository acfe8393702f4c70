package track

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-tracking/internal/carrier"
)

type stubTracker struct {
	name  carrier.Carrier
	calls int64
	delay time.Duration
	fn    func(numbers []string) []carrier.Result
}

func (s *stubTracker) Carrier() carrier.Carrier { return s.name }

func (s *stubTracker) Track(ctx context.Context, numbers []string) ([]carrier.Result, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.fn != nil {
		return s.fn(numbers), nil
	}
	results := make([]carrier.Result, 0, len(numbers))
	for _, number := range numbers {
		results = append(results, carrier.Result{
			TrackingNumber: number,
			Carrier:        s.name,
			Status:         carrier.StatusInTransit,
			Events:         []carrier.Event{},
		})
	}
	return results, nil
}

func TestOrchestratorInterleavesMixedCarriers(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator([]Tracker{
		&stubTracker{name: carrier.FedEx},
		&stubTracker{name: carrier.UPS},
	}, time.Second, zerolog.Nop())

	requests := []carrier.Request{
		{Carrier: carrier.UPS, TrackingNumber: "1Z1111111111111111"},
		{Carrier: carrier.FedEx, TrackingNumber: "111111111111"},
		{Carrier: carrier.UPS, TrackingNumber: "1Z2222222222222222"},
		{Carrier: carrier.FedEx, TrackingNumber: "222222222222"},
	}
	results, err := o.Track(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, len(requests))
	for i, req := range requests {
		require.Equal(t, req.TrackingNumber, results[i].TrackingNumber)
		require.Equal(t, req.Carrier, results[i].Carrier)
	}
}

func TestOrchestratorUnconfiguredCarrierBecomesErrorResult(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator([]Tracker{&stubTracker{name: carrier.FedEx}}, time.Second, zerolog.Nop())

	results, err := o.Track(context.Background(), []carrier.Request{
		{Carrier: carrier.DHL, TrackingNumber: "9361269903500576940071"},
		{Carrier: carrier.FedEx, TrackingNumber: "111111111111"},
	})
	require.NoError(t, err)
	require.Equal(t, carrier.StatusError, results[0].Status)
	require.Contains(t, results[0].ErrorMessage, "carrier not configured")
	require.Equal(t, carrier.StatusInTransit, results[1].Status)
}

func TestOrchestratorSplitsOversizedBatches(t *testing.T) {
	t.Parallel()

	stub := &stubTracker{name: carrier.FedEx}
	o := NewOrchestrator([]Tracker{stub}, time.Second, zerolog.Nop())

	numbers := make([]string, 65)
	for i := range numbers {
		numbers[i] = "111111111111"
	}
	results, err := o.TrackBatch(context.Background(), carrier.FedEx, numbers)
	require.NoError(t, err)
	require.Len(t, results, 65)
	// 65 numbers against a batch limit of 30 means three dispatches.
	require.EqualValues(t, 3, atomic.LoadInt64(&stub.calls))
}

func TestOrchestratorTrackBatchUnknownCarrier(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(nil, time.Second, zerolog.Nop())
	_, err := o.TrackBatch(context.Background(), carrier.FedEx, []string{"111111111111"})
	require.ErrorIs(t, err, ErrCarrierNotConfigured)
}

func TestOrchestratorTimeoutSynthesizesErrorResults(t *testing.T) {
	t.Parallel()

	stub := &stubTracker{name: carrier.UPS, delay: 200 * time.Millisecond}
	o := NewOrchestrator([]Tracker{stub}, 20*time.Millisecond, zerolog.Nop())

	results, err := o.TrackBatch(context.Background(), carrier.UPS, []string{"1Z1111111111111111"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, carrier.StatusError, results[0].Status)
	require.NotEmpty(t, results[0].ErrorMessage)
}

func TestOrchestratorCarriersCanonicalOrder(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator([]Tracker{
		&stubTracker{name: carrier.OnTrac},
		&stubTracker{name: carrier.FedEx},
	}, 0, zerolog.Nop())
	require.Equal(t, []carrier.Carrier{carrier.FedEx, carrier.OnTrac}, o.Carriers())
}

func TestOrchestratorValidateNumberNoNetwork(t *testing.T) {
	t.Parallel()

	o := NewOrchestrator(nil, 0, zerolog.Nop())
	require.True(t, o.ValidateNumber(carrier.OnTrac, "D10010000000011"))
	require.False(t, o.ValidateNumber(carrier.OnTrac, "D10010000000012"))
}

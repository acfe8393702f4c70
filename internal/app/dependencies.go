package app

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-tracking/internal/auth"
	"github.com/noah-isme/backend-tracking/internal/carrier"
	"github.com/noah-isme/backend-tracking/internal/config"
	"github.com/noah-isme/backend-tracking/internal/resilience"
	"github.com/noah-isme/backend-tracking/internal/track"
)

// Dependencies enumerates the core services shared across modules to make
// the wiring explicit.
type Dependencies struct {
	Auth         *auth.Manager
	Orchestrator *track.Orchestrator
	// Enabled lists the carriers that came up with usable credentials.
	Enabled []carrier.Carrier
}

// Build wires the carrier trackers and orchestrator from configuration.
// Carriers without credentials are skipped, not fatal; readiness reports them
// and per-request handling rejects them.
func Build(cfg *config.Config, logger zerolog.Logger) *Dependencies {
	client := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	creds := make(map[carrier.Carrier]auth.Credentials, len(cfg.Carriers))
	for name, cc := range cfg.Carriers {
		creds[name] = auth.Credentials{
			ClientID:      cc.ClientID,
			ClientSecret:  cc.ClientSecret,
			APIKey:        cc.APIKey,
			AccountNumber: cc.AccountNumber,
			Sandbox:       cc.Sandbox,
			BaseURL:       cc.BaseURL,
		}
	}
	manager := auth.NewManager(creds, cfg.TokenRefreshBuffer, client, logger)

	// One shared store so every carrier pacer counts against its own key in
	// the same process-wide window table.
	pacerStore := memory.NewStore()

	enabled := cfg.EnabledCarriers()
	trackers := make([]track.Tracker, 0, len(enabled))
	for _, name := range enabled {
		cc := cfg.Carriers[name]
		opts := track.Options{
			Auth:           manager,
			Policy:         newPolicy(cfg, client, logger, name),
			BaseURL:        cc.BaseURL,
			MaxConcurrency: cc.MaxConcurrency,
			Pacer:          newPacer(pacerStore, cc.RateLimit, logger, name),
			Logger:         logger,
		}
		switch name {
		case carrier.FedEx:
			trackers = append(trackers, track.NewFedExTracker(opts))
		case carrier.UPS:
			trackers = append(trackers, track.NewUPSTracker(opts))
		case carrier.DHL:
			trackers = append(trackers, track.NewDHLTracker(opts))
		case carrier.OnTrac:
			trackers = append(trackers, track.NewOnTracTracker(opts))
		}
	}

	return &Dependencies{
		Auth:         manager,
		Orchestrator: track.NewOrchestrator(trackers, cfg.TrackTimeout, logger),
		Enabled:      enabled,
	}
}

// newPolicy builds the retry policy with a dedicated breaker per carrier so
// one failing upstream never trips the others.
func newPolicy(cfg *config.Config, client *http.Client, logger zerolog.Logger, name carrier.Carrier) resilience.Policy {
	breaker := resilience.NewBreaker(cfg.BreakerThreshold, cfg.BreakerCoolOff).
		WithTarget(string(name)).
		WithLogger(logger)
	return resilience.Policy{
		Client:      client,
		Breaker:     breaker,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
		MaxRetries:  cfg.RetryMax,
		Jitter:      cfg.RetryJitter,
		Timeout:     cfg.RequestTimeout,
	}
}

// newPacer parses a limiter-formatted rate such as "60-M". An empty or
// malformed rate disables client-side pacing for the carrier.
func newPacer(store limiter.Store, formatted string, logger zerolog.Logger, name carrier.Carrier) *limiter.Limiter {
	if formatted == "" {
		return nil
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("carrier", string(name)).
			Str("rate", formatted).
			Msg("carrier_rate_limit_invalid")
		return nil
	}
	if rate.Period <= 0 {
		rate.Period = time.Minute
	}
	return limiter.New(store, rate)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/backend-tracking/internal/carrier"
)

// Credentials holds the static per-carrier configuration supplied at startup.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// APIKey and AccountNumber are OnTrac's static credential pair; OnTrac
	// issues no bearer tokens.
	APIKey        string
	AccountNumber string
	Sandbox       bool
	// BaseURL is resolved by the config loader from the sandbox flag and may
	// be overridden for tests.
	BaseURL string
}

// Configured reports whether the carrier has usable credentials.
func (c Credentials) Configured(name carrier.Carrier) bool {
	if name == carrier.OnTrac {
		return c.APIKey != ""
	}
	return c.ClientID != "" && c.ClientSecret != ""
}

// Token is a cached carrier credential. Bearer tokens are replaced, never
// mutated; the OnTrac variant carries the static API password and no expiry.
type Token struct {
	Carrier    carrier.Carrier
	Bearer     string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Manager owns the per-carrier token cache. Concurrent callers asking for a
// carrier that has no valid token wait on a single in-flight acquisition
// instead of issuing duplicate OAuth calls.
type Manager struct {
	creds         map[carrier.Carrier]Credentials
	refreshBuffer time.Duration
	client        *http.Client
	logger        zerolog.Logger
	now           func() time.Time

	mu     sync.Mutex
	tokens map[carrier.Carrier]*Token
	group  singleflight.Group
}

// NewManager builds a Manager for the provided carrier credentials.
func NewManager(creds map[carrier.Carrier]Credentials, refreshBuffer time.Duration, client *http.Client, logger zerolog.Logger) *Manager {
	if refreshBuffer <= 0 {
		refreshBuffer = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	copied := make(map[carrier.Carrier]Credentials, len(creds))
	for name, c := range creds {
		copied[name] = c
	}
	return &Manager{
		creds:         copied,
		refreshBuffer: refreshBuffer,
		client:        client,
		logger:        logger,
		now:           time.Now,
		tokens:        make(map[carrier.Carrier]*Token),
	}
}

// Credentials returns the static configuration for a carrier.
func (m *Manager) Credentials(name carrier.Carrier) (Credentials, bool) {
	creds, ok := m.creds[name]
	return creds, ok
}

// GetToken returns a usable credential for the carrier, acquiring or
// refreshing a bearer token when the cached one is missing or inside the
// refresh buffer. OnTrac is a pass-through of its static API password.
func (m *Manager) GetToken(ctx context.Context, name carrier.Carrier) (Token, error) {
	creds, ok := m.creds[name]
	if !ok || !creds.Configured(name) {
		return Token{}, &carrier.AuthenticationError{
			Carrier: name,
			Err:     fmt.Errorf("credentials not configured"),
		}
	}

	if name == carrier.OnTrac {
		return Token{Carrier: name, Bearer: creds.APIKey, ObtainedAt: m.now()}, nil
	}

	if tok := m.cached(name); tok != nil {
		return *tok, nil
	}

	// Singleflight: one acquisition per carrier key; concurrent callers share
	// the winner's result. The winner's context drives the HTTP call.
	value, err, _ := m.group.Do(string(name), func() (any, error) {
		if tok := m.cached(name); tok != nil {
			return *tok, nil
		}
		tok, err := m.acquire(ctx, name, creds)
		if err != nil {
			return nil, err
		}
		m.store(tok)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return value.(Token), nil
}

// Invalidate discards the cached token for a carrier, forcing the next
// GetToken to acquire a fresh one. Called by the retry layer on upstream 401.
func (m *Manager) Invalidate(name carrier.Carrier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[name]; ok {
		delete(m.tokens, name)
		m.logger.Info().Str("carrier", string(name)).Msg("carrier_token_invalidated")
	}
}

func (m *Manager) cached(name carrier.Carrier) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[name]
	if !ok {
		return nil
	}
	if m.now().After(tok.ExpiresAt.Add(-m.refreshBuffer)) {
		return nil
	}
	return tok
}

func (m *Manager) store(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := tok
	m.tokens[tok.Carrier] = &copied
}

func (m *Manager) acquire(ctx context.Context, name carrier.Carrier, creds Credentials) (Token, error) {
	tokenURL, authStyle, err := tokenEndpoint(name, creds)
	if err != nil {
		return Token{}, err
	}

	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    authStyle,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	start := m.now()
	oauthToken, err := cfg.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			return Token{}, &carrier.AuthenticationError{
				Carrier:    name,
				StatusCode: status,
				Body:       string(retrieveErr.Body),
				Err:        err,
			}
		}
		return Token{}, &carrier.AuthenticationError{Carrier: name, Err: err}
	}

	tok := Token{
		Carrier:    name,
		Bearer:     oauthToken.AccessToken,
		ObtainedAt: start,
		ExpiresAt:  oauthToken.Expiry,
	}
	if tok.ExpiresAt.IsZero() {
		// Carriers occasionally omit expires_in; fall back to an hour, the
		// lifetime all three OAuth carriers document.
		tok.ExpiresAt = start.Add(time.Hour)
	}
	m.logger.Info().
		Str("carrier", string(name)).
		Time("expires_at", tok.ExpiresAt).
		Dur("took", m.now().Sub(start)).
		Msg("carrier_token_acquired")
	TokenAcquisitions.WithLabelValues(string(name)).Inc()
	return tok, nil
}

func tokenEndpoint(name carrier.Carrier, creds Credentials) (string, oauth2.AuthStyle, error) {
	base := creds.BaseURL
	switch name {
	case carrier.FedEx:
		return base + "/oauth/token", oauth2.AuthStyleInParams, nil
	case carrier.UPS:
		return base + "/security/v1/oauth/token", oauth2.AuthStyleInHeader, nil
	case carrier.DHL:
		return base + "/auth/v4/accesstoken", oauth2.AuthStyleInParams, nil
	}
	return "", oauth2.AuthStyleAutoDetect, fmt.Errorf("carrier %s does not issue bearer tokens", name)
}

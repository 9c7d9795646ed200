package epic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/healthprep/healthprep/internal/platform/errs"
)

// SMARTConfiguration is the subset of .well-known/smart-configuration the
// authorization flow needs.
type SMARTConfiguration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	Capabilities          []string `json:"capabilities,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// DiscoverSMART fetches the SMART configuration document from the FHIR base
// URL. The base URL may or may not carry a trailing slash.
func DiscoverSMART(ctx context.Context, hc *http.Client, fhirBaseURL string) (*SMARTConfiguration, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	wellKnown := strings.TrimRight(fhirBaseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, fmt.Errorf("smart discovery: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, errs.Ef(errs.KindTransient, "smart discovery: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.Ef(errs.KindPermanent, "smart discovery: %s returned %d", wellKnown, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Ef(errs.KindTransient, "smart discovery: read: %v", err)
	}

	var cfg SMARTConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, errs.Ef(errs.KindPermanent, "smart discovery: decode: %v", err)
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, errs.Ef(errs.KindPermanent, "smart discovery: incomplete configuration from %s", wellKnown)
	}
	return &cfg, nil
}

// OAuthConfig builds the oauth2 configuration for a tenant's Epic app
// registration against a discovered SMART configuration.
func OAuthConfig(smart *SMARTConfiguration, clientID, clientSecret, redirectURL string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  smart.AuthorizationEndpoint,
			TokenURL: smart.TokenEndpoint,
		},
	}
}

// AuthCodeURL builds the provider-facing authorization URL. SMART requires
// the aud parameter to carry the FHIR base URL.
func AuthCodeURL(cfg *oauth2.Config, state, fhirBaseURL string) string {
	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("aud", fhirBaseURL),
		oauth2.AccessTypeOffline,
	)
}

// ExchangeCode trades an authorization code for a token state. The
// practitioner id is pulled from the fhirUser claim Epic returns alongside
// the token.
func ExchangeCode(ctx context.Context, cfg *oauth2.Config, code string) (*TokenState, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		if IsSandboxLoginConflict(err) {
			return nil, errs.Ef(errs.KindSandboxLimitation, "authorization exchange: %v", err)
		}
		return nil, errs.Ef(errs.KindReauthRequired, "authorization exchange: %v", err)
	}

	state := &TokenState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		state.Scopes = strings.Fields(scope)
	}
	if fhirUser, ok := tok.Extra("fhirUser").(string); ok {
		state.PractitionerID = practitionerIDFromFHIRUser(fhirUser)
	}
	return state, nil
}

// RefreshWith builds a RefreshFunc over a tenant's oauth2 configuration.
// Epic rotates refresh tokens; when the response omits one, the old token
// stays usable and is carried forward.
func RefreshWith(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*TokenState, error) {
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return nil, errs.Ef(errs.KindReauthRequired, "token refresh: %v", err)
		}
		state := &TokenState{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}
		if state.RefreshToken == "" {
			state.RefreshToken = refreshToken
		}
		if scope, ok := tok.Extra("scope").(string); ok {
			state.Scopes = strings.Fields(scope)
		}
		if fhirUser, ok := tok.Extra("fhirUser").(string); ok {
			state.PractitionerID = practitionerIDFromFHIRUser(fhirUser)
		}
		return state, nil
	}
}

// practitionerIDFromFHIRUser extracts the id from a fhirUser value such as
// "https://host/FHIR/R4/Practitioner/eXyz" or "Practitioner/eXyz".
func practitionerIDFromFHIRUser(fhirUser string) string {
	if fhirUser == "" {
		return ""
	}
	if u, err := url.Parse(fhirUser); err == nil && u.Path != "" {
		fhirUser = u.Path
	}
	parts := strings.Split(strings.Trim(fhirUser, "/"), "/")
	for i, p := range parts {
		if p == "Practitioner" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

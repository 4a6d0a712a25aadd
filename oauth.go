package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 1 << 20

// Client talks to SMART-on-FHIR authorization servers: configuration
// discovery, code exchange, token refresh, and revocation. It holds no
// per-user state and is safe for concurrent use.
type Client struct {
	h *http.Client
}

type ClientArgs struct {
	H *http.Client
}

func NewClient(args ClientArgs) *Client {
	if args.H == nil {
		args.H = &http.Client{
			Timeout: 10 * time.Second,
		}
	}

	return &Client{h: args.H}
}

// FetchSMARTConfiguration fetches and validates the issuer's SMART
// configuration document. Every failure mode is a *DiscoveryError.
func (c *Client) FetchSMARTConfiguration(ctx context.Context, issuer string) (*SMARTConfiguration, error) {
	u, err := isSafeAndParsed(issuer)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &DiscoveryError{
			Issuer: issuer,
			Err:    fmt.Errorf("received non-200 response. code was %d", resp.StatusCode),
		}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("could not read body: %w", err)}
	}

	var cfg SMARTConfiguration
	if err := cfg.UnmarshalJSON(b); err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: fmt.Errorf("could not unmarshal configuration: %w", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, &DiscoveryError{Issuer: issuer, Err: err}
	}

	return &cfg, nil
}

type ExchangeCodeArgs struct {
	Code          string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	RedirectURI   string
	CodeVerifier  string
}

// ExchangeCode swaps an authorization code for tokens. CodeVerifier is set
// only for standalone PKCE launches.
func (c *Client) ExchangeCode(ctx context.Context, args ExchangeCodeArgs) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {args.Code},
		"redirect_uri": {args.RedirectURI},
	}

	if args.CodeVerifier != "" {
		params.Set("code_verifier", args.CodeVerifier)
	}

	return c.postTokenRequest(ctx, args.TokenEndpoint, args.ClientID, args.ClientSecret, params)
}

type RefreshTokenArgs struct {
	RefreshToken  string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
}

// RefreshToken obtains a fresh access token. The IdP may or may not rotate
// the refresh token; callers must keep the old one when none is returned.
func (c *Client) RefreshToken(ctx context.Context, args RefreshTokenArgs) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {args.RefreshToken},
	}

	return c.postTokenRequest(ctx, args.TokenEndpoint, args.ClientID, args.ClientSecret, params)
}

type RevokeTokenArgs struct {
	Token              string
	RevocationEndpoint string
	ClientID           string
	ClientSecret       string
}

// RevokeToken posts a best-effort refresh-token revocation. Failures are
// classified the same way as token requests so the caller can log them.
func (c *Client) RevokeToken(ctx context.Context, args RevokeTokenArgs) error {
	params := url.Values{
		"token":           {args.Token},
		"token_type_hint": {"refresh_token"},
	}

	if args.ClientSecret == "" {
		params.Set("client_id", args.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", args.RevocationEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if args.ClientSecret != "" {
		req.SetBasicAuth(args.ClientID, args.ClientSecret)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 && resp.StatusCode < 600 {
			return &NetworkError{StatusCode: resp.StatusCode}
		}
		return &AuthError{StatusCode: resp.StatusCode}
	}

	return nil
}

// postTokenRequest performs the form-encoded POST shared by code exchange
// and refresh. Confidential clients authenticate with HTTP Basic; public
// clients carry client_id in the body instead.
//
// Classification is the load-bearing contract here: transport failures and
// 5xx responses are transient (*NetworkError, keep the session), everything
// else non-2xx is terminal (*AuthError, kill the session).
func (c *Client) postTokenRequest(ctx context.Context, endpoint, clientID, clientSecret string, params url.Values) (*TokenResponse, error) {
	if endpoint == "" {
		return nil, &AuthError{Description: "no token endpoint"}
	}

	if clientSecret == "" {
		params.Set("client_id", clientID)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := c.h.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("could not read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 && resp.StatusCode < 600 {
			return nil, &NetworkError{StatusCode: resp.StatusCode}
		}

		var oauthErr struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		json.Unmarshal(body, &oauthErr)

		return nil, &AuthError{
			StatusCode:  resp.StatusCode,
			Code:        oauthErr.Error,
			Description: oauthErr.ErrorDescription,
		}
	}

	var tokenResponse TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return nil, &AuthError{
			StatusCode:  resp.StatusCode,
			Description: fmt.Sprintf("could not unmarshal token response: %v", err),
		}
	}

	if tokenResponse.AccessToken == "" {
		return nil, &AuthError{
			StatusCode:  resp.StatusCode,
			Description: "token response contained no access token",
		}
	}

	return &tokenResponse, nil
}

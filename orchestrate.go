package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ClientConfig is the per-role OAuth client registration. Secrets stay
// server-side; only the public subset is ever shown to the browser.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	// Scopes is the offline-access scope set, OnlineScopes the one without
	// offline_access.
	Scopes       string
	OnlineScopes string
	RedirectURI  string
}

// ClientConfigSource resolves the OAuth client registration for a role.
type ClientConfigSource interface {
	ClientConfig(role Role) (*ClientConfig, error)
}

// Orchestrator drives the authorization-code flow: discovery, state and
// PKCE generation, the authorize redirect, and the callback exchange.
type Orchestrator struct {
	oauth   *Client
	store   StateStore
	codec   *SessionCodec
	clients ClientConfigSource
	log     *slog.Logger
}

type OrchestratorArgs struct {
	OAuth   *Client
	Store   StateStore
	Codec   *SessionCodec
	Clients ClientConfigSource
	Log     *slog.Logger
}

func NewOrchestrator(args OrchestratorArgs) (*Orchestrator, error) {
	if args.OAuth == nil {
		return nil, fmt.Errorf("no oauth client provided")
	}

	if args.Store == nil {
		return nil, fmt.Errorf("no state store provided")
	}

	if args.Codec == nil {
		return nil, fmt.Errorf("no session codec provided")
	}

	if args.Clients == nil {
		return nil, fmt.Errorf("no client config source provided")
	}

	if args.Log == nil {
		args.Log = slog.Default()
	}

	return &Orchestrator{
		oauth:   args.OAuth,
		store:   args.Store,
		codec:   args.Codec,
		clients: args.Clients,
		log:     args.Log,
	}, nil
}

type BeginArgs struct {
	// Issuer is the FHIR server base URL the flow authorizes against.
	Issuer string
	// Launch is the opaque EHR launch token. Empty for standalone
	// launches, which use PKCE instead.
	Launch string
	// Role must already be resolved; callers route users without one to
	// the role-selection step first.
	Role Role
	// Online requests the online-access scope set (no offline_access, no
	// refresh token).
	Online bool
}

// Begin discovers the issuer's SMART endpoints, parks a state record, and
// redirects the user agent to the authorization endpoint.
func (o *Orchestrator) Begin(c echo.Context, args BeginArgs) error {
	if args.Issuer == "" {
		return fmt.Errorf("no issuer provided")
	}

	if !args.Role.Valid() {
		return fmt.Errorf("no role resolved for launch")
	}

	ctx := c.Request().Context()

	cfg, err := o.oauth.FetchSMARTConfiguration(ctx, args.Issuer)
	if err != nil {
		return err
	}

	cc, err := o.clients.ClientConfig(args.Role)
	if err != nil {
		return err
	}

	state, err := generateToken(16)
	if err != nil {
		return fmt.Errorf("could not generate state token: %w", err)
	}

	nonce := uuid.NewString()

	rec := &StateRecord{
		Issuer:             args.Issuer,
		Role:               args.Role,
		Nonce:              nonce,
		TokenEndpoint:      cfg.TokenEndpoint,
		RevocationEndpoint: cfg.RevocationEndpoint,
		JwksURI:            cfg.JwksURI,
		LaunchToken:        args.Launch,
		ClientID:           cc.ClientID,
		ClientSecret:       cc.ClientSecret,
		RedirectURI:        cc.RedirectURI,
		CreatedAt:          nowMillis(),
	}

	scope := cc.Scopes
	if args.Online && cc.OnlineScopes != "" {
		scope = cc.OnlineScopes
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {cc.ClientID},
		"redirect_uri":  {cc.RedirectURI},
		"state":         {state},
		"aud":           {args.Issuer},
		"nonce":         {nonce},
	}

	if args.Launch != "" {
		params.Set("launch", args.Launch)
	} else {
		codeVerifier, err := generateToken(48)
		if err != nil {
			return fmt.Errorf("could not generate pkce verifier: %w", err)
		}

		rec.CodeVerifier = codeVerifier
		params.Set("code_challenge", generateCodeChallenge(codeVerifier))
		params.Set("code_challenge_method", "S256")

		if args.Role == RolePatient {
			scope += " launch/patient"
		}
	}

	params.Set("scope", scope)
	rec.Scope = scope

	if err := o.store.Put(c, state, rec); err != nil {
		return fmt.Errorf("could not persist oauth state: %w", err)
	}

	u, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil {
		return &DiscoveryError{Issuer: args.Issuer, Err: err}
	}

	u.RawQuery = params.Encode()

	return c.Redirect(http.StatusFound, u.String())
}

// Callback completes the flow: it consumes the state record, exchanges the
// code, issues the session cookie, and redirects to the role's dashboard.
//
// IdP-reported errors come back as *IdPError for verbatim display; a
// missing or expired state means the attempt must be restarted, never
// guessed at.
func (o *Orchestrator) Callback(c echo.Context) error {
	if errCode := c.QueryParam("error"); errCode != "" {
		return &IdPError{
			Code:        errCode,
			Description: c.QueryParam("error_description"),
			URI:         c.QueryParam("error_uri"),
		}
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")

	if code == "" || state == "" {
		return ErrStateNotFound
	}

	rec, err := o.store.Take(c, state)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()

	tok, err := o.oauth.ExchangeCode(ctx, ExchangeCodeArgs{
		Code:          code,
		TokenEndpoint: rec.TokenEndpoint,
		ClientID:      rec.ClientID,
		ClientSecret:  rec.ClientSecret,
		RedirectURI:   rec.RedirectURI,
		CodeVerifier:  rec.CodeVerifier,
	})
	if err != nil {
		return err
	}

	var practitionerID string
	if rec.Role != RolePatient && tok.IDToken != "" {
		ref, err := ExtractFHIRUser(ctx, tok.IDToken, rec.JwksURI, rec.ClientID, rec.Nonce)
		if err != nil {
			// Losing the identity hint is survivable; trusting an
			// unverified one is not.
			o.log.Warn("could not extract fhirUser from id token", "error", err)
		} else {
			practitionerID = ResourceID(ref)
		}
	}

	sess, ck, err := o.codec.Issue(tok, IssueContext{
		Role:               rec.Role,
		FHIRBaseURL:        rec.Issuer,
		TokenEndpoint:      rec.TokenEndpoint,
		RevocationEndpoint: rec.RevocationEndpoint,
		ClientID:           rec.ClientID,
		ClientSecret:       rec.ClientSecret,
		PractitionerID:     practitionerID,
	})
	if err != nil {
		return err
	}

	c.SetCookie(ck)

	return c.Redirect(http.StatusSeeOther, sess.Role.DashboardPath())
}

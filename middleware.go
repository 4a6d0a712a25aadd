package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const sessionContextKey = "gateway.session"

// DefaultRefreshBuffer is how close to expiry an access token may get before
// the gateway refreshes it on the request path.
const DefaultRefreshBuffer = 300 * time.Second

// defaultPublicPaths bypass authentication entirely: the launch and callback
// legs of the flow, the client-config endpoint, and infrastructure paths.
var defaultPublicPaths = map[string]bool{
	"/launch":             true,
	"/auth/callback":      true,
	"/auth/client-config": true,
	"/select-role":        true,
	"/logout":             true,
	"/healthz":            true,
}

var defaultPublicPrefixes = []string{"/static/"}

// Gateway is the request middleware gating every protected route: it
// decrypts the session, transparently refreshes near-expired tokens, and
// enforces role-based path access before a handler ever runs.
type Gateway struct {
	codec          *SessionCodec
	oauth          *Client
	log            *slog.Logger
	refreshBuffer  time.Duration
	publicPaths    map[string]bool
	publicPrefixes []string
}

type GatewayArgs struct {
	Codec *SessionCodec
	OAuth *Client
	Log   *slog.Logger
	// RefreshBuffer defaults to DefaultRefreshBuffer when zero.
	RefreshBuffer time.Duration
	// ExtraPublicPaths are added to the built-in public path set.
	ExtraPublicPaths []string
}

func NewGateway(args GatewayArgs) *Gateway {
	if args.Log == nil {
		args.Log = slog.Default()
	}

	if args.RefreshBuffer == 0 {
		args.RefreshBuffer = DefaultRefreshBuffer
	}

	paths := make(map[string]bool, len(defaultPublicPaths)+len(args.ExtraPublicPaths))
	for p := range defaultPublicPaths {
		paths[p] = true
	}
	for _, p := range args.ExtraPublicPaths {
		paths[p] = true
	}

	return &Gateway{
		codec:          args.Codec,
		oauth:          args.OAuth,
		log:            args.Log,
		refreshBuffer:  args.RefreshBuffer,
		publicPaths:    paths,
		publicPrefixes: defaultPublicPrefixes,
	}
}

func (g *Gateway) isPublic(path string) bool {
	if g.publicPaths[path] {
		return true
	}

	for _, prefix := range g.publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// Middleware returns the echo middleware enforcing the session lifecycle.
// Authentication is fully resolved here; downstream handlers only ever see
// requests with a usable session attached.
func (g *Gateway) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path

			if g.isPublic(path) {
				return next(c)
			}

			isAPI := strings.HasPrefix(path, "/api/")

			ck, err := c.Cookie(g.codec.CookieName())
			if err != nil {
				if path == "/" {
					return next(c)
				}
				return g.deny(c, isAPI)
			}

			sess, err := g.codec.Read(ck.Value)
			if err != nil {
				// Tampered or stale-format cookie. Treat the user as
				// anonymous, never fail open.
				c.SetCookie(g.codec.ClearCookie())
				if path == "/" {
					return next(c)
				}
				return g.deny(c, isAPI)
			}

			if path == "/" {
				return c.Redirect(http.StatusSeeOther, sess.Role.DashboardPath())
			}

			if sess.ExpiresAt <= nowMillis()+g.refreshBuffer.Milliseconds() {
				refreshed, err := g.refresh(c.Request().Context(), sess)
				switch {
				case err == nil:
					sess = refreshed

					newCk, err := g.codec.ReIssue(sess)
					if err != nil {
						c.SetCookie(g.codec.ClearCookie())
						return g.deny(c, isAPI)
					}

					// The refreshed cookie rides on this same response;
					// the current request continues with the new token.
					c.SetCookie(newCk)
				case IsNetworkError(err):
					// Transient IdP outage. Keep the cookie and let the
					// request proceed with the stale token.
					g.log.Warn("token refresh failed transiently, continuing with stale token", "error", err)
				default:
					c.SetCookie(g.codec.ClearCookie())
					return g.deny(c, isAPI)
				}
			}

			if target, mismatched := g.roleMismatch(path, sess); mismatched {
				return c.Redirect(http.StatusSeeOther, target)
			}

			c.Set(sessionContextKey, sess)

			return next(c)
		}
	}
}

// refresh renews the session's tokens in place. A session that cannot
// refresh itself is terminal and is reported as an auth failure.
func (g *Gateway) refresh(ctx context.Context, sess *Session) (*Session, error) {
	if sess.RefreshToken == "" || sess.TokenEndpoint == "" {
		return nil, &AuthError{Description: "session cannot be refreshed"}
	}

	tok, err := g.oauth.RefreshToken(ctx, RefreshTokenArgs{
		RefreshToken:  sess.RefreshToken,
		TokenEndpoint: sess.TokenEndpoint,
		ClientID:      sess.ClientID,
		ClientSecret:  sess.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	sess.AccessToken = tok.AccessToken
	sess.ExpiresAt = nowMillis() + tok.ExpiresIn*1000

	// IdPs may omit rotation; keep the old refresh token in that case.
	if tok.RefreshToken != "" {
		sess.RefreshToken = tok.RefreshToken
	}

	if tok.Scope != "" {
		sess.Scope = tok.Scope
	}

	return sess, nil
}

// roleMismatch reports whether the path belongs to another role's section,
// and where to send the user instead. Always the session's own dashboard,
// never an error page.
func (g *Gateway) roleMismatch(path string, sess *Session) (string, bool) {
	routing := sess.Role.RoutingRole()

	if strings.HasPrefix(path, "/patient/") && routing != RolePatient {
		return sess.Role.DashboardPath(), true
	}

	if strings.HasPrefix(path, "/provider/") && routing != RoleProvider {
		return sess.Role.DashboardPath(), true
	}

	return "", false
}

func (g *Gateway) deny(c echo.Context, isAPI bool) error {
	if isAPI {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	return c.Redirect(http.StatusSeeOther, "/")
}

// Logout clears the session cookie unconditionally and makes a best-effort
// attempt to revoke the refresh token. Revocation failures are logged and
// swallowed; from the caller's perspective logout never fails.
func (g *Gateway) Logout(c echo.Context) {
	defer c.SetCookie(g.codec.ClearCookie())

	ck, err := c.Cookie(g.codec.CookieName())
	if err != nil {
		return
	}

	sess, err := g.codec.Read(ck.Value)
	if err != nil {
		return
	}

	if sess.RefreshToken == "" || sess.RevocationEndpoint == "" || sess.ClientID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := g.oauth.RevokeToken(ctx, RevokeTokenArgs{
		Token:              sess.RefreshToken,
		RevocationEndpoint: sess.RevocationEndpoint,
		ClientID:           sess.ClientID,
		ClientSecret:       sess.ClientSecret,
	}); err != nil {
		g.log.Warn("refresh token revocation failed", "error", err)
	}
}

// CurrentSession returns the session the gateway attached to this request,
// or ErrUnauthenticated when there is none. Collaborator routes use this
// instead of touching cookies themselves.
func CurrentSession(c echo.Context) (*Session, error) {
	sess, ok := c.Get(sessionContextKey).(*Session)
	if !ok || sess == nil {
		return nil, ErrUnauthenticated
	}

	return sess, nil
}

// PrepareToken normalizes an access token for use in an Authorization
// header.
func PrepareToken(token string) string {
	return strings.TrimSpace(token)
}

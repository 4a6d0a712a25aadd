package main

import (
	"errors"
	"fmt"
	"html"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"

	gateway "github.com/meridianhealth/smart-gateway-golang"
)

const flashSessionName = "portal_flash"

// handleLaunch starts the authorization flow for both launch kinds. An EHR
// launch arrives with ?iss=...&launch=...; a standalone launch has only an
// issuer. Role resolution order: a role remembered from a resumed flow, an
// explicit ?role= parameter (legacy bookmarks), then the interactive
// role-selection step.
func (s *Server) handleLaunch(c echo.Context) error {
	iss := c.QueryParam("iss")
	if iss == "" {
		iss = c.QueryParam("issuer")
	}

	launch := c.QueryParam("launch")
	online := c.QueryParam("access") == "online"

	if iss == "" {
		s.setFlash(c, "Missing FHIR server address in launch request.")
		return c.Redirect(http.StatusSeeOther, "/")
	}

	sess, err := session.Get(flashSessionName, c)
	if err != nil {
		return err
	}

	roleStr, _ := sess.Values["role"].(string)
	if roleStr == "" {
		roleStr = c.QueryParam("role")
	}

	role, err := gateway.ParseRole(roleStr)
	if err != nil {
		// No resolvable role: park the launch context and ask.
		sess.Options = &sessions.Options{
			Path:     "/",
			MaxAge:   300,
			HttpOnly: true,
		}
		sess.Values["pending_issuer"] = iss
		sess.Values["pending_launch"] = launch
		sess.Values["pending_online"] = online

		if err := sess.Save(c.Request(), c.Response()); err != nil {
			return err
		}

		return c.Redirect(http.StatusSeeOther, "/select-role")
	}

	delete(sess.Values, "role")
	sess.Save(c.Request(), c.Response())

	return s.begin(c, gateway.BeginArgs{Issuer: iss, Launch: launch, Role: role, Online: online})
}

func (s *Server) handleSelectRole(c echo.Context) error {
	return c.HTML(http.StatusOK, `<!doctype html>
<title>Choose your role</title>
<h1>How are you signing in?</h1>
<form method="post" action="/select-role">
  <button name="role" value="patient">As a patient</button>
  <button name="role" value="provider">As a provider</button>
  <button name="role" value="practitioner">As a practitioner</button>
</form>`)
}

func (s *Server) handleSelectRoleSubmit(c echo.Context) error {
	role, err := gateway.ParseRole(c.FormValue("role"))
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/select-role")
	}

	sess, err := session.Get(flashSessionName, c)
	if err != nil {
		return err
	}

	iss, _ := sess.Values["pending_issuer"].(string)
	launch, _ := sess.Values["pending_launch"].(string)
	online, _ := sess.Values["pending_online"].(bool)

	delete(sess.Values, "pending_issuer")
	delete(sess.Values, "pending_launch")
	delete(sess.Values, "pending_online")
	sess.Values["role"] = string(role)
	sess.Save(c.Request(), c.Response())

	if iss == "" {
		s.setFlash(c, "Your sign-in attempt expired. Please start again.")
		return c.Redirect(http.StatusSeeOther, "/")
	}

	return s.begin(c, gateway.BeginArgs{Issuer: iss, Launch: launch, Role: role, Online: online})
}

func (s *Server) begin(c echo.Context, args gateway.BeginArgs) error {
	err := s.orch.Begin(c, args)
	if err == nil {
		return nil
	}

	var de *gateway.DiscoveryError
	if errors.As(err, &de) {
		s.log.Warn("smart discovery failed", "issuer", args.Issuer, "error", err)
		return c.HTML(http.StatusBadGateway, fmt.Sprintf(`<!doctype html>
<title>Could not reach your health system</title>
<h1>Could not reach your health system</h1>
<p>We could not load the sign-in configuration for %s. This is usually temporary.</p>
<p><a href="javascript:history.back()">Try again</a></p>`, html.EscapeString(args.Issuer)))
	}

	s.log.Error("could not begin authorization flow", "error", err)
	s.setFlash(c, "Something went wrong starting your sign-in. Please try again.")

	return c.Redirect(http.StatusSeeOther, "/")
}

// handleCallback finishes the flow. IdP-reported errors are shown verbatim;
// a lost or expired state restarts the flow from the landing page.
func (s *Server) handleCallback(c echo.Context) error {
	err := s.orch.Callback(c)
	if err == nil {
		return nil
	}

	var idpErr *gateway.IdPError
	if errors.As(err, &idpErr) {
		page := fmt.Sprintf(`<!doctype html>
<title>Sign-in was not completed</title>
<h1>Sign-in was not completed</h1>
<p><strong>%s</strong></p>
<p>%s</p>`, html.EscapeString(idpErr.Code), html.EscapeString(idpErr.Description))
		if idpErr.URI != "" {
			page += fmt.Sprintf(`<p><a href="%s">More information</a></p>`, html.EscapeString(idpErr.URI))
		}
		page += `<p><a href="/">Back to sign-in</a></p>`

		return c.HTML(http.StatusBadRequest, page)
	}

	switch {
	case errors.Is(err, gateway.ErrStateNotFound), errors.Is(err, gateway.ErrStateExpired):
		s.setFlash(c, "Your sign-in attempt expired. Please start again.")
	case gateway.IsNetworkError(err):
		s.log.Warn("token exchange failed transiently", "error", err)
		s.setFlash(c, "Your health system is temporarily unreachable. Please try again in a moment.")
	case gateway.IsAuthError(err):
		s.log.Warn("token exchange rejected", "error", err)
		s.setFlash(c, "Sign-in failed. Please start again.")
	default:
		s.log.Error("callback failed", "error", err)
		s.setFlash(c, "Something went wrong finishing your sign-in. Please try again.")
	}

	return c.Redirect(http.StatusSeeOther, "/")
}

// handleClientConfig serves the public, per-role client configuration the
// browser-side launch code needs. Client secrets never leave the server.
func (s *Server) handleClientConfig(c echo.Context) error {
	role, err := gateway.ParseRole(c.QueryParam("role"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown role"})
	}

	cc, err := s.cfg.ClientConfig(role)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no client registered for role"})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"client_id":    cc.ClientID,
		"scope":        cc.Scopes,
		"scope_online": cc.OnlineScopes,
		"redirect_uri": cc.RedirectURI,
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	s.gw.Logout(c)

	return c.Redirect(http.StatusSeeOther, "/")
}

func (s *Server) setFlash(c echo.Context, msg string) {
	sess, err := session.Get(flashSessionName, c)
	if err != nil {
		return
	}

	sess.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
	}
	sess.Values["flash"] = msg
	sess.Save(c.Request(), c.Response())
}

func (s *Server) takeFlash(c echo.Context) string {
	sess, err := session.Get(flashSessionName, c)
	if err != nil {
		return ""
	}

	msg, _ := sess.Values["flash"].(string)
	if msg != "" {
		delete(sess.Values, "flash")
		sess.Save(c.Request(), c.Response())
	}

	return msg
}

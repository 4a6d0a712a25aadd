package main

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	gateway "github.com/meridianhealth/smart-gateway-golang"
)

func (s *Server) handleLanding(c echo.Context) error {
	var flashBlock string
	if msg := s.takeFlash(c); msg != "" {
		flashBlock = fmt.Sprintf(`<p class="flash">%s</p>`, html.EscapeString(msg))
	}

	return c.HTML(http.StatusOK, fmt.Sprintf(`<!doctype html>
<title>Meridian Health Portal</title>
<h1>Meridian Health Portal</h1>
%s
<p>Sign in with your health system account:</p>
<form method="get" action="/launch">
  <label>FHIR server <input name="issuer" placeholder="https://ehr.example/fhir"></label>
  <button name="role" value="patient">Sign in as patient</button>
  <button name="role" value="provider">Sign in as provider</button>
</form>`, flashBlock))
}

func (s *Server) handlePatientDashboard(c echo.Context) error {
	sess, err := gateway.CurrentSession(c)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/")
	}

	return c.HTML(http.StatusOK, fmt.Sprintf(`<!doctype html>
<title>Patient dashboard</title>
<h1>Welcome</h1>
<p>Signed in as %s</p>
<p>Connected to %s</p>
<form method="post" action="/logout"><button>Sign out</button></form>`,
		html.EscapeString(sess.ActorRef()), html.EscapeString(sess.FHIRBaseURL)))
}

func (s *Server) handleProviderDashboard(c echo.Context) error {
	sess, err := gateway.CurrentSession(c)
	if err != nil {
		return c.Redirect(http.StatusSeeOther, "/")
	}

	return c.HTML(http.StatusOK, fmt.Sprintf(`<!doctype html>
<title>Provider dashboard</title>
<h1>Provider dashboard</h1>
<p>Signed in as %s</p>
<p>Connected to %s</p>
<form method="post" action="/logout"><button>Sign out</button></form>`,
		html.EscapeString(sess.ActorRef()), html.EscapeString(sess.FHIRBaseURL)))
}

// handleFHIRProxy forwards a resource request to the session's FHIR server
// with the session's bearer token attached. The gateway middleware has
// already resolved authentication; an unauthenticated request never gets
// here.
func (s *Server) handleFHIRProxy(c echo.Context) error {
	sess, err := gateway.CurrentSession(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	target, err := url.Parse(sess.FHIRBaseURL)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "invalid fhir base url"})
	}

	target = target.JoinPath(c.Param("*"))
	target.RawQuery = c.QueryString()

	req, err := http.NewRequestWithContext(c.Request().Context(), "GET", target.String(), nil)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "could not build upstream request"})
	}

	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Authorization", "Bearer "+gateway.PrepareToken(sess.AccessToken))

	resp, err := s.h.Do(req)
	if err != nil {
		s.log.Warn("fhir upstream request failed", "target", target.String(), "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "fhir server unreachable"})
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/fhir+json"
	}

	return c.Stream(resp.StatusCode, contentType, io.LimitReader(resp.Body, 8<<20))
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

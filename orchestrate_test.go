package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

// memStateStore keeps state records in a map so tests can inspect what
// Begin parked without going through cookies or a database.
type memStateStore struct {
	records map[string]*StateRecord
}

func newMemStateStore() *memStateStore {
	return &memStateStore{records: map[string]*StateRecord{}}
}

func (s *memStateStore) Put(_ echo.Context, state string, rec *StateRecord) error {
	s.records[state] = rec
	return nil
}

func (s *memStateStore) Take(_ echo.Context, state string) (*StateRecord, error) {
	rec, ok := s.records[state]
	if !ok {
		return nil, ErrStateNotFound
	}

	delete(s.records, state)

	if nowMillis()-rec.CreatedAt > StateTTL.Milliseconds() {
		return nil, ErrStateExpired
	}

	return rec, nil
}

type staticClients struct {
	cfg *ClientConfig
}

func (s *staticClients) ClientConfig(_ Role) (*ClientConfig, error) {
	return s.cfg, nil
}

func testClientConfig() *ClientConfig {
	return &ClientConfig{
		ClientID:     "client-1",
		ClientSecret: "shh",
		Scopes:       "openid fhirUser offline_access patient/*.read",
		OnlineScopes: "openid fhirUser patient/*.read",
		RedirectURI:  "https://portal.example/auth/callback",
	}
}

func newTestOrchestrator(store StateStore) *Orchestrator {
	orch, err := NewOrchestrator(OrchestratorArgs{
		OAuth:   NewClient(ClientArgs{}),
		Store:   store,
		Codec:   newTestCodec("7d"),
		Clients: &staticClients{cfg: testClientConfig()},
	})
	if err != nil {
		panic(err)
	}

	return orch
}

func newDiscoveryServer(t *testing.T, overrides map[string]any) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"authorization_endpoint": "https://ehr.example/oauth/authorize",
			"token_endpoint":         "https://ehr.example/oauth/token",
			"revocation_endpoint":    "https://ehr.example/oauth/revoke",
			"jwks_uri":               "https://ehr.example/oauth/jwks",
		}
		for k, v := range overrides {
			doc[k] = v
		}
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestBeginEHRLaunch(t *testing.T) {
	assert := assert.New(t)

	ts := newDiscoveryServer(t, nil)

	store := newMemStateStore()
	orch := newTestOrchestrator(store)

	c, rec := newTestContext("GET", "/launch")

	err := orch.Begin(c, BeginArgs{
		Issuer: ts.URL,
		Launch: "launch-xyz",
		Role:   RolePatient,
	})
	assert.NoError(err)
	assert.Equal(http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	assert.NoError(err)
	assert.Equal("https", loc.Scheme)
	assert.Equal("ehr.example", loc.Host)
	assert.Equal("/oauth/authorize", loc.Path)

	q := loc.Query()
	assert.Equal("code", q.Get("response_type"))
	assert.Equal("client-1", q.Get("client_id"))
	assert.Equal("https://portal.example/auth/callback", q.Get("redirect_uri"))
	assert.Equal(ts.URL, q.Get("aud"))
	assert.Equal("launch-xyz", q.Get("launch"))
	assert.Equal("openid fhirUser offline_access patient/*.read", q.Get("scope"))
	assert.Len(q.Get("state"), 32)

	// EHR launches carry the launch token instead of PKCE
	assert.Empty(q.Get("code_challenge"))

	parked := store.records[q.Get("state")]
	assert.NotNil(parked)
	assert.Equal(ts.URL, parked.Issuer)
	assert.Equal("launch-xyz", parked.LaunchToken)
	assert.Empty(parked.CodeVerifier)
	assert.Equal(q.Get("nonce"), parked.Nonce)
	assert.Equal("https://ehr.example/oauth/token", parked.TokenEndpoint)
	assert.Equal("shh", parked.ClientSecret)
}

func TestBeginStandaloneLaunch(t *testing.T) {
	assert := assert.New(t)

	ts := newDiscoveryServer(t, nil)

	store := newMemStateStore()
	orch := newTestOrchestrator(store)

	c, rec := newTestContext("GET", "/launch")

	err := orch.Begin(c, BeginArgs{
		Issuer: ts.URL,
		Role:   RolePatient,
	})
	assert.NoError(err)
	assert.Equal(http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	assert.NoError(err)

	q := loc.Query()
	assert.Empty(q.Get("launch"))
	assert.Equal("S256", q.Get("code_challenge_method"))

	parked := store.records[q.Get("state")]
	assert.NotNil(parked)
	assert.GreaterOrEqual(len(parked.CodeVerifier), 43)
	assert.Equal(generateCodeChallenge(parked.CodeVerifier), q.Get("code_challenge"))

	// patients pick their own record without an EHR context
	assert.Equal("openid fhirUser offline_access patient/*.read launch/patient", q.Get("scope"))
	assert.Equal(parked.Scope, q.Get("scope"))
}

func TestBeginStandaloneProviderScope(t *testing.T) {
	assert := assert.New(t)

	ts := newDiscoveryServer(t, nil)

	store := newMemStateStore()
	orch := newTestOrchestrator(store)

	c, _ := newTestContext("GET", "/launch")

	err := orch.Begin(c, BeginArgs{
		Issuer: ts.URL,
		Role:   RoleProvider,
	})
	assert.NoError(err)

	for _, rec := range store.records {
		assert.NotContains(rec.Scope, "launch/patient")
	}
}

func TestBeginOnlineScopes(t *testing.T) {
	assert := assert.New(t)

	ts := newDiscoveryServer(t, nil)

	store := newMemStateStore()
	orch := newTestOrchestrator(store)

	c, rec := newTestContext("GET", "/launch")

	err := orch.Begin(c, BeginArgs{
		Issuer: ts.URL,
		Launch: "launch-xyz",
		Role:   RolePatient,
		Online: true,
	})
	assert.NoError(err)

	loc, err := url.Parse(rec.Header().Get("Location"))
	assert.NoError(err)
	assert.Equal("openid fhirUser patient/*.read", loc.Query().Get("scope"))
}

func TestBeginRequiresIssuerAndRole(t *testing.T) {
	assert := assert.New(t)

	orch := newTestOrchestrator(newMemStateStore())

	c, _ := newTestContext("GET", "/launch")
	assert.Error(orch.Begin(c, BeginArgs{Role: RolePatient}))

	c, _ = newTestContext("GET", "/launch")
	assert.Error(orch.Begin(c, BeginArgs{Issuer: "https://ehr.example/fhir"}))
}

func TestBeginDiscoveryFailure(t *testing.T) {
	assert := assert.New(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	orch := newTestOrchestrator(newMemStateStore())

	c, _ := newTestContext("GET", "/launch")

	err := orch.Begin(c, BeginArgs{Issuer: ts.URL, Role: RolePatient})

	var de *DiscoveryError
	assert.ErrorAs(err, &de)
}

func TestCallbackSuccess(t *testing.T) {
	assert := assert.New(t)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(r.ParseForm())
		assert.Equal("authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal("code-abc", r.PostForm.Get("code"))
		assert.Equal("verifier-123", r.PostForm.Get("code_verifier"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "AT1",
			"refresh_token": "RT1",
			"expires_in":    3600,
			"patient":       "pat-42",
		})
	}))
	defer idp.Close()

	store := newMemStateStore()
	store.records["state-1"] = &StateRecord{
		Issuer:        "https://ehr.example/fhir",
		Role:          RolePatient,
		CodeVerifier:  "verifier-123",
		Nonce:         "nonce-1",
		TokenEndpoint: idp.URL,
		ClientID:      "client-1",
		RedirectURI:   "https://portal.example/auth/callback",
		Scope:         "openid fhirUser offline_access patient/*.read",
		CreatedAt:     nowMillis(),
	}

	orch := newTestOrchestrator(store)

	c, rec := newTestContext("GET", "/auth/callback?code=code-abc&state=state-1")

	err := orch.Callback(c)
	assert.NoError(err)
	assert.Equal(http.StatusSeeOther, rec.Code)
	assert.Equal("/patient/dashboard", rec.Header().Get("Location"))

	ck := responseCookie(rec, DefaultSessionCookieName)
	assert.NotNil(ck)

	sess, err := newTestCodec("7d").Read(ck.Value)
	assert.NoError(err)
	assert.Equal("AT1", sess.AccessToken)
	assert.Equal("RT1", sess.RefreshToken)
	assert.Equal(RolePatient, sess.Role)
	assert.Equal("https://ehr.example/fhir", sess.FHIRBaseURL)
	assert.Equal("pat-42", sess.PatientID)
	assert.Equal("Patient/pat-42", sess.ActorRef())

	// the state was consumed on the way through
	assert.Empty(store.records)
}

func TestCallbackIdPError(t *testing.T) {
	assert := assert.New(t)

	orch := newTestOrchestrator(newMemStateStore())

	c, _ := newTestContext("GET", "/auth/callback?error=access_denied&error_description=User+declined")

	err := orch.Callback(c)

	var ie *IdPError
	assert.ErrorAs(err, &ie)
	assert.Equal("access_denied", ie.Code)
	assert.Equal("User declined", ie.Description)
}

func TestCallbackMissingParams(t *testing.T) {
	assert := assert.New(t)

	orch := newTestOrchestrator(newMemStateStore())

	c, _ := newTestContext("GET", "/auth/callback?code=code-abc")
	assert.ErrorIs(orch.Callback(c), ErrStateNotFound)

	c, _ = newTestContext("GET", "/auth/callback?state=state-1")
	assert.ErrorIs(orch.Callback(c), ErrStateNotFound)
}

func TestCallbackStateReplay(t *testing.T) {
	assert := assert.New(t)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "AT1",
			"expires_in":   3600,
			"patient":      "pat-42",
		})
	}))
	defer idp.Close()

	store := newMemStateStore()
	store.records["state-1"] = &StateRecord{
		Issuer:        "https://ehr.example/fhir",
		Role:          RolePatient,
		TokenEndpoint: idp.URL,
		ClientID:      "client-1",
		RedirectURI:   "https://portal.example/auth/callback",
		CreatedAt:     nowMillis(),
	}

	orch := newTestOrchestrator(store)

	c, _ := newTestContext("GET", "/auth/callback?code=code-abc&state=state-1")
	assert.NoError(orch.Callback(c))

	// a replayed callback must not mint a second session
	c, _ = newTestContext("GET", "/auth/callback?code=code-abc&state=state-1")
	assert.ErrorIs(orch.Callback(c), ErrStateNotFound)
}

func TestCallbackExchangeFailure(t *testing.T) {
	assert := assert.New(t)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer idp.Close()

	store := newMemStateStore()
	store.records["state-1"] = &StateRecord{
		Issuer:        "https://ehr.example/fhir",
		Role:          RolePatient,
		TokenEndpoint: idp.URL,
		ClientID:      "client-1",
		RedirectURI:   "https://portal.example/auth/callback",
		CreatedAt:     nowMillis(),
	}

	orch := newTestOrchestrator(store)

	c, _ := newTestContext("GET", "/auth/callback?code=code-abc&state=state-1")

	err := orch.Callback(c)
	assert.True(IsAuthError(err))
}

package gateway

import (
	"encoding/json"
	"fmt"
)

// SMARTConfiguration is the discovery document served by a SMART-on-FHIR
// authorization server at <issuer>/.well-known/smart-configuration.
type SMARTConfiguration struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	JwksURI                       string   `json:"jwks_uri"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	Capabilities                  []string `json:"capabilities"`
}

func (sc *SMARTConfiguration) Validate() error {
	if sc.AuthorizationEndpoint == "" {
		return fmt.Errorf("smart configuration is missing authorization_endpoint")
	}

	if sc.TokenEndpoint == "" {
		return fmt.Errorf("smart configuration is missing token_endpoint")
	}

	return nil
}

func (sc *SMARTConfiguration) UnmarshalJSON(b []byte) error {
	type Tmp SMARTConfiguration
	var tmp Tmp

	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}

	*sc = SMARTConfiguration(tmp)

	return nil
}

// TokenResponse is the OAuth2 token response, including the SMART launch
// context extensions an EHR may attach to it.
type TokenResponse struct {
	AccessToken       string `json:"access_token"`
	TokenType         string `json:"token_type"`
	ExpiresIn         int64  `json:"expires_in"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	Scope             string `json:"scope,omitempty"`
	IDToken           string `json:"id_token,omitempty"`
	Patient           string `json:"patient,omitempty"`
	Encounter         string `json:"encounter,omitempty"`
	NeedPatientBanner bool   `json:"need_patient_banner,omitempty"`
}

// Role is the portal role a session was established under. It drives which
// route prefix the session may access and which scope set is requested.
type Role string

const (
	RolePatient      Role = "patient"
	RoleProvider     Role = "provider"
	RolePractitioner Role = "practitioner"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleProvider, RolePractitioner:
		return Role(s), nil
	}

	return "", fmt.Errorf("unknown role %q", s)
}

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleProvider, RolePractitioner:
		return true
	}

	return false
}

// RoutingRole maps a role onto the route prefix it may access. A
// practitioner routes as a provider; the distinction only matters for the
// FHIR actor reference, not for path gating.
func (r Role) RoutingRole() Role {
	if r == RolePractitioner {
		return RoleProvider
	}

	return r
}

func (r Role) DashboardPath() string {
	if r.RoutingRole() == RolePatient {
		return "/patient/dashboard"
	}

	return "/provider/dashboard"
}

// ActorPrefix is the FHIR resource type this role's identity refers to.
// Providers and practitioners are both Practitioner resources.
func (r Role) ActorPrefix() string {
	if r == RolePatient {
		return "Patient"
	}

	return "Practitioner"
}

// StateRecord is the ephemeral state parked between the authorize redirect
// and the callback. It is only ever looked up by the random state value it
// was stored under, and is consumed on first read.
type StateRecord struct {
	Issuer             string `json:"issuer"`
	Role               Role   `json:"role"`
	CodeVerifier       string `json:"code_verifier,omitempty"`
	Nonce              string `json:"nonce,omitempty"`
	TokenEndpoint      string `json:"token_endpoint"`
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
	JwksURI            string `json:"jwks_uri,omitempty"`
	LaunchToken        string `json:"launch_token,omitempty"`
	ClientID           string `json:"client_id"`
	ClientSecret       string `json:"client_secret,omitempty"`
	Scope              string `json:"scope"`
	RedirectURI        string `json:"redirect_uri"`
	CreatedAt          int64  `json:"created_at"`
}

// Session is the authenticated user's working credential set. It lives only
// inside the encrypted session cookie; the server keeps no copy.
type Session struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token,omitempty"`
	ExpiresAt          int64  `json:"expires_at"`
	Role               Role   `json:"role"`
	FHIRBaseURL        string `json:"fhir_base_url"`
	PatientID          string `json:"patient_id,omitempty"`
	PractitionerID     string `json:"practitioner_id,omitempty"`
	TokenEndpoint      string `json:"token_endpoint,omitempty"`
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`
	ClientID           string `json:"client_id,omitempty"`
	ClientSecret       string `json:"client_secret,omitempty"`
	Scope              string `json:"scope,omitempty"`
}

// Valid reports whether the record carries the two fields nothing works
// without. A decrypted record missing either is treated as corrupt.
func (s *Session) Valid() bool {
	return s.AccessToken != "" && s.FHIRBaseURL != ""
}

// ActorRef returns the FHIR reference identifying the session's user, e.g.
// "Patient/123" or "Practitioner/456". Empty when the identity is unknown.
func (s *Session) ActorRef() string {
	if s.Role.ActorPrefix() == "Patient" {
		if s.PatientID == "" {
			return ""
		}
		return "Patient/" + s.PatientID
	}

	if s.PractitionerID == "" {
		return ""
	}

	return "Practitioner/" + s.PractitionerID
}

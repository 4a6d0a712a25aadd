package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ExtractFHIRUser verifies the id_token against the issuer's JWKS and
// returns its fhirUser (or profile) claim, the FHIR reference identifying
// the logged-in user. expectedNonce, when non-empty, must match the token's
// nonce claim.
//
// Callers treat a failure here as losing the identity hint, not as a login
// failure: an unverifiable id_token yields an empty actor, never a trusted
// one.
func ExtractFHIRUser(ctx context.Context, idToken, jwksURI, clientID, expectedNonce string) (string, error) {
	if idToken == "" {
		return "", nil
	}

	if jwksURI == "" {
		return "", fmt.Errorf("no jwks uri available to verify id token")
	}

	set, err := jwk.Fetch(ctx, jwksURI)
	if err != nil {
		return "", fmt.Errorf("could not fetch jwks: %w", err)
	}

	keyfunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		var key jwk.Key
		if kid != "" {
			k, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("no key with kid %q in jwks", kid)
			}
			key = k
		} else {
			k, ok := set.Key(0)
			if !ok {
				return nil, fmt.Errorf("jwks contained no keys")
			}
			key = k
		}

		var raw any
		if err := key.Raw(&raw); err != nil {
			return nil, err
		}

		return raw, nil
	}

	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(
		idToken,
		claims,
		keyfunc,
		jwt.WithAudience(clientID),
		jwt.WithValidMethods([]string{"RS256", "RS384", "ES256", "ES384"}),
	); err != nil {
		return "", fmt.Errorf("could not verify id token: %w", err)
	}

	if expectedNonce != "" {
		nonce, _ := claims["nonce"].(string)
		if nonce != expectedNonce {
			return "", fmt.Errorf("id token nonce mismatch")
		}
	}

	if ref, ok := claims["fhirUser"].(string); ok && ref != "" {
		return ref, nil
	}

	if ref, ok := claims["profile"].(string); ok && ref != "" {
		return ref, nil
	}

	return "", nil
}

// ResourceID strips the resource-type prefix (and any base url) from a FHIR
// reference: "https://ehr.example/fhir/Practitioner/42" -> "42".
func ResourceID(ref string) string {
	if ref == "" {
		return ""
	}

	parts := strings.Split(ref, "/")

	return parts[len(parts)-1]
}

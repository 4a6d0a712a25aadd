package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// DefaultSessionCookieName is used when no cookie name is configured.
const DefaultSessionCookieName = "meridian_session"

// SessionCodec is the single place a Session crosses into and out of its
// cookie form. The payload is JSON passed through the Cipher; the browser
// never sees plaintext claims.
type SessionCodec struct {
	cipher     *Cipher
	cookieName string
	sessionTTL string
	secure     bool
}

type SessionCodecArgs struct {
	Cipher     *Cipher
	CookieName string
	// SessionTTL is a duration string ("30m", "2h", "7d", "1y") applied
	// when the session holds a refresh token. Sessions without one live
	// only as long as their access token.
	SessionTTL string
	// Secure marks issued cookies Secure; enabled in production.
	Secure bool
}

func NewSessionCodec(args SessionCodecArgs) (*SessionCodec, error) {
	if args.Cipher == nil {
		return nil, fmt.Errorf("no cipher provided")
	}

	if args.CookieName == "" {
		args.CookieName = DefaultSessionCookieName
	}

	if args.SessionTTL == "" {
		args.SessionTTL = "7d"
	}

	if _, err := ParseDurationString(args.SessionTTL); err != nil {
		return nil, fmt.Errorf("invalid session ttl: %w", err)
	}

	return &SessionCodec{
		cipher:     args.Cipher,
		cookieName: args.CookieName,
		sessionTTL: args.SessionTTL,
		secure:     args.Secure,
	}, nil
}

func (sc *SessionCodec) CookieName() string {
	return sc.cookieName
}

// IssueContext carries the non-token fields of a new session: the role and
// FHIR context resolved during the authorization flow.
type IssueContext struct {
	Role               Role
	FHIRBaseURL        string
	TokenEndpoint      string
	RevocationEndpoint string
	ClientID           string
	ClientSecret       string
	PractitionerID     string
}

// Issue builds the Session for a fresh token response and returns it along
// with its cookie.
func (sc *SessionCodec) Issue(tok *TokenResponse, ic IssueContext) (*Session, *http.Cookie, error) {
	sess := &Session{
		AccessToken:        tok.AccessToken,
		RefreshToken:       tok.RefreshToken,
		ExpiresAt:          nowMillis() + tok.ExpiresIn*1000,
		Role:               ic.Role,
		FHIRBaseURL:        ic.FHIRBaseURL,
		PatientID:          tok.Patient,
		PractitionerID:     ic.PractitionerID,
		TokenEndpoint:      ic.TokenEndpoint,
		RevocationEndpoint: ic.RevocationEndpoint,
		ClientID:           ic.ClientID,
		ClientSecret:       ic.ClientSecret,
		Scope:              tok.Scope,
	}

	if !sess.Valid() {
		return nil, nil, fmt.Errorf("%w: token response missing access token or fhir base url", ErrInvalidSession)
	}

	ck, err := sc.ReIssue(sess)
	if err != nil {
		return nil, nil, err
	}

	return sess, ck, nil
}

// ReIssue serializes the (possibly mutated) session back into a cookie.
// Used on first issue and again by the gateway after every refresh.
func (sc *SessionCodec) ReIssue(sess *Session) (*http.Cookie, error) {
	b, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("could not marshal session: %w", err)
	}

	enc, err := sc.cipher.Encrypt(string(b))
	if err != nil {
		return nil, fmt.Errorf("could not encrypt session: %w", err)
	}

	maxAge, err := sc.cookieMaxAge(sess)
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     sc.cookieName,
		Value:    enc,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// Read decrypts and parses a cookie value. Corrupt, tampered, or incomplete
// payloads all come back as ErrInvalidSession, never a zero-filled record.
func (sc *SessionCodec) Read(cookieValue string) (*Session, error) {
	plain, err := sc.cipher.Decrypt(cookieValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(plain), &sess); err != nil {
		return nil, fmt.Errorf("%w: bad payload", ErrInvalidSession)
	}

	if !sess.Valid() {
		return nil, fmt.Errorf("%w: missing required fields", ErrInvalidSession)
	}

	return &sess, nil
}

// ClearCookie returns the deletion cookie for the session.
func (sc *SessionCodec) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     sc.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// cookieMaxAge applies the session lifetime rule: with a refresh token the
// configured duration governs (the refresh token keeps the session alive);
// without one the cookie cannot outlive the access token it cannot renew.
func (sc *SessionCodec) cookieMaxAge(sess *Session) (int, error) {
	if sess.RefreshToken != "" {
		secs, err := ParseDurationString(sc.sessionTTL)
		if err != nil {
			return 0, err
		}
		return int(secs), nil
	}

	remaining := (sess.ExpiresAt - nowMillis()) / 1000
	if remaining < 0 {
		remaining = 0
	}

	return int(remaining), nil
}

// ParseDurationString parses duration strings of the form "<n><unit>" where
// unit is one of s, m, h, d, w, y, and returns the total seconds. Supports
// the day/week/year units time.ParseDuration does not.
func ParseDurationString(s string) (int64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var unit int64
	switch s[len(s)-1] {
	case 's':
		unit = 1
	case 'm':
		unit = 60
	case 'h':
		unit = 3600
	case 'd':
		unit = 86400
	case 'w':
		unit = 7 * 86400
	case 'y':
		unit = 365 * 86400
	default:
		return 0, fmt.Errorf("invalid duration unit in %q", s)
	}

	return n * unit, nil
}

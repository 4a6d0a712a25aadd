package gateway

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSession() *Session {
	return &Session{
		AccessToken:   "AT1",
		RefreshToken:  "RT1",
		ExpiresAt:     nowMillis() + 3600_000,
		Role:          RolePatient,
		FHIRBaseURL:   "https://ehr.example/fhir",
		PatientID:     "pat-42",
		TokenEndpoint: "https://ehr.example/oauth/token",
		ClientID:      "client-1",
		Scope:         "openid fhirUser offline_access patient/*.read",
	}
}

func TestSessionRoundTrip(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	sess := testSession()

	ck, err := codec.ReIssue(sess)
	assert.NoError(err)

	got, err := codec.Read(ck.Value)
	assert.NoError(err)
	assert.Equal(sess, got)
}

func TestSessionIssueFromTokenResponse(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	tok := &TokenResponse{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresIn:    3600,
		Scope:        "openid offline_access patient/*.read",
		Patient:      "pat-42",
	}

	sess, ck, err := codec.Issue(tok, IssueContext{
		Role:          RolePatient,
		FHIRBaseURL:   "https://ehr.example/fhir",
		TokenEndpoint: "https://ehr.example/oauth/token",
		ClientID:      "client-1",
	})
	assert.NoError(err)
	assert.Equal("AT1", sess.AccessToken)
	assert.Equal("pat-42", sess.PatientID)
	assert.Greater(sess.ExpiresAt, nowMillis())

	got, err := codec.Read(ck.Value)
	assert.NoError(err)
	assert.Equal(RolePatient, got.Role)
	assert.Equal("AT1", got.AccessToken)
}

func TestSessionCookieAttributes(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	ck, err := codec.ReIssue(testSession())
	assert.NoError(err)

	assert.Equal(DefaultSessionCookieName, ck.Name)
	assert.True(ck.HttpOnly)
	assert.Equal("/", ck.Path)
}

func TestSessionTamperDetection(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	ck, err := codec.ReIssue(testSession())
	assert.NoError(err)

	raw, err := base64.RawURLEncoding.DecodeString(ck.Value)
	assert.NoError(err)

	raw[len(raw)/2] ^= 0x01

	got, err := codec.Read(base64.RawURLEncoding.EncodeToString(raw))
	assert.ErrorIs(err, ErrInvalidSession)
	assert.Nil(got)
}

func TestSessionReadRejectsIncompleteRecord(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	// Well-encrypted payloads missing required fields are still corrupt.
	b, _ := json.Marshal(&Session{AccessToken: "AT1"})
	enc, err := codec.cipher.Encrypt(string(b))
	assert.NoError(err)

	_, err = codec.Read(enc)
	assert.ErrorIs(err, ErrInvalidSession)
}

func TestSessionTTLWithRefreshToken(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	ck, err := codec.ReIssue(testSession())
	assert.NoError(err)
	assert.Equal(7*86400, ck.MaxAge)
}

func TestSessionTTLWithoutRefreshToken(t *testing.T) {
	assert := assert.New(t)

	codec := newTestCodec("7d")

	sess := testSession()
	sess.RefreshToken = ""
	sess.ExpiresAt = nowMillis() + 600_000

	ck, err := codec.ReIssue(sess)
	assert.NoError(err)
	assert.InDelta(600, ck.MaxAge, 2)

	sess.ExpiresAt = nowMillis() - 1000
	ck, err = codec.ReIssue(sess)
	assert.NoError(err)
	assert.Equal(0, ck.MaxAge)
}

func TestParseDurationString(t *testing.T) {
	assert := assert.New(t)

	cases := map[string]int64{
		"30s": 30,
		"30m": 1800,
		"2h":  7200,
		"7d":  7 * 86400,
		"2w":  14 * 86400,
		"1y":  365 * 86400,
	}

	for in, want := range cases {
		got, err := ParseDurationString(in)
		assert.NoError(err, in)
		assert.Equal(want, got, in)
	}

	for _, in := range []string{"", "7", "d", "7x", "-7d", "1.5h", "7dd"} {
		_, err := ParseDurationString(in)
		assert.Error(err, in)
	}
}

package gateway

import (
	"net/http"
	"net/http/httptest"

	"github.com/labstack/echo/v4"
)

func newTestCipher() *Cipher {
	c, err := NewCipher("test-secret", "test-salt")
	if err != nil {
		panic(err)
	}

	return c
}

func newTestCodec(ttl string) *SessionCodec {
	codec, err := NewSessionCodec(SessionCodecArgs{
		Cipher:     newTestCipher(),
		SessionTTL: ttl,
	})
	if err != nil {
		panic(err)
	}

	return codec
}

func newTestContext(method, target string, cookies ...*http.Cookie) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()

	req := httptest.NewRequest(method, target, nil)

	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	rec := httptest.NewRecorder()

	return e.NewContext(req, rec), rec
}

// responseCookie finds a cookie by name among the Set-Cookie headers written
// so far.
func responseCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == name {
			return ck
		}
	}

	return nil
}

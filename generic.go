package gateway

import (
	"fmt"
	"net/url"
	"time"

	"github.com/meridianhealth/smart-gateway-golang/internal/helpers"
)

func generateToken(len int) (string, error) {
	return helpers.GenerateToken(len)
}

func generateCodeChallenge(codeVerifier string) string {
	return helpers.GenerateCodeChallenge(codeVerifier)
}

func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "https":
	case "http":
		// plain http only for local development issuers
		if u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
			return nil, fmt.Errorf("input url is not https")
		}
	default:
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	return u, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

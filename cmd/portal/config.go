package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	gateway "github.com/meridianhealth/smart-gateway-golang"
)

type roleClient struct {
	ID           string
	Secret       string
	Scopes       string
	OnlineScopes string
}

// Config is the immutable process configuration, loaded once at startup and
// injected everywhere. Nothing reads the environment after this.
type Config struct {
	ListenAddr    string
	Env           string
	SessionSecret string
	SessionSalt   string
	SessionTTL    string
	CookieName    string
	FlashSecret   string
	StateStore    string
	StateDB       string
	RedirectURI   string
	Patient       roleClient
	Provider      roleClient
}

func loadConfig(cmd *cli.Context) *Config {
	cfg := &Config{
		ListenAddr:    cmd.String("listen-addr"),
		Env:           cmd.String("env"),
		SessionSecret: cmd.String("session-secret"),
		SessionSalt:   cmd.String("session-salt"),
		SessionTTL:    cmd.String("session-ttl"),
		CookieName:    cmd.String("cookie-name"),
		FlashSecret:   cmd.String("flash-secret"),
		StateStore:    cmd.String("state-store"),
		StateDB:       cmd.String("state-db"),
		RedirectURI:   cmd.String("redirect-uri"),
		Patient: roleClient{
			ID:           cmd.String("patient-client-id"),
			Secret:       cmd.String("patient-client-secret"),
			Scopes:       cmd.String("patient-scopes"),
			OnlineScopes: cmd.String("patient-scopes-online"),
		},
		Provider: roleClient{
			ID:           cmd.String("provider-client-id"),
			Secret:       cmd.String("provider-client-secret"),
			Scopes:       cmd.String("provider-scopes"),
			OnlineScopes: cmd.String("provider-scopes-online"),
		},
	}

	// The flash cookie holds no credentials; deriving its key from the
	// session secret is fine when none is configured.
	if cfg.FlashSecret == "" {
		cfg.FlashSecret = cfg.SessionSecret
	}

	return cfg
}

func (cfg *Config) Production() bool {
	return cfg.Env == "production"
}

// ClientConfig resolves the OAuth client registration for a role.
// Practitioners share the provider registration.
func (cfg *Config) ClientConfig(role gateway.Role) (*gateway.ClientConfig, error) {
	var rc roleClient

	switch role.RoutingRole() {
	case gateway.RolePatient:
		rc = cfg.Patient
	case gateway.RoleProvider:
		rc = cfg.Provider
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	if rc.ID == "" {
		return nil, fmt.Errorf("no oauth client registered for role %q", role)
	}

	return &gateway.ClientConfig{
		ClientID:     rc.ID,
		ClientSecret: rc.Secret,
		Scopes:       rc.Scopes,
		OnlineScopes: rc.OnlineScopes,
		RedirectURI:  cfg.RedirectURI,
	}, nil
}

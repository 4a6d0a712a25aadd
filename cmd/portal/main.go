package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	gateway "github.com/meridianhealth/smart-gateway-golang"
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:    "meridian-portal",
		Usage:   "patient/provider portal with a SMART-on-FHIR authorization gateway",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen-addr", Value: ":8080", EnvVars: []string{"MERIDIAN_LISTEN_ADDR"}},
			&cli.StringFlag{Name: "env", Value: "development", EnvVars: []string{"MERIDIAN_ENV"}},
			&cli.StringFlag{Name: "session-secret", Required: true, EnvVars: []string{"MERIDIAN_SESSION_SECRET"}},
			&cli.StringFlag{Name: "session-salt", Required: true, EnvVars: []string{"MERIDIAN_SESSION_SALT"}},
			&cli.StringFlag{Name: "session-ttl", Value: "7d", EnvVars: []string{"MERIDIAN_SESSION_TTL"}},
			&cli.StringFlag{Name: "cookie-name", Value: gateway.DefaultSessionCookieName, EnvVars: []string{"MERIDIAN_COOKIE_NAME"}},
			&cli.StringFlag{Name: "flash-secret", EnvVars: []string{"MERIDIAN_FLASH_SECRET"}},
			&cli.StringFlag{Name: "state-store", Value: "cookie", Usage: "cookie or sqlite", EnvVars: []string{"MERIDIAN_STATE_STORE"}},
			&cli.StringFlag{Name: "state-db", Value: "oauth_state.db", EnvVars: []string{"MERIDIAN_STATE_DB"}},
			&cli.StringFlag{Name: "redirect-uri", Required: true, EnvVars: []string{"MERIDIAN_REDIRECT_URI"}},
			&cli.StringFlag{Name: "patient-client-id", EnvVars: []string{"MERIDIAN_PATIENT_CLIENT_ID"}},
			&cli.StringFlag{Name: "patient-client-secret", EnvVars: []string{"MERIDIAN_PATIENT_CLIENT_SECRET"}},
			&cli.StringFlag{
				Name:    "patient-scopes",
				Value:   "openid fhirUser offline_access patient/*.read",
				EnvVars: []string{"MERIDIAN_PATIENT_SCOPES"},
			},
			&cli.StringFlag{
				Name:    "patient-scopes-online",
				Value:   "openid fhirUser online_access patient/*.read",
				EnvVars: []string{"MERIDIAN_PATIENT_SCOPES_ONLINE"},
			},
			&cli.StringFlag{Name: "provider-client-id", EnvVars: []string{"MERIDIAN_PROVIDER_CLIENT_ID"}},
			&cli.StringFlag{Name: "provider-client-secret", EnvVars: []string{"MERIDIAN_PROVIDER_CLIENT_SECRET"}},
			&cli.StringFlag{
				Name:    "provider-scopes",
				Value:   "launch openid fhirUser offline_access user/*.read",
				EnvVars: []string{"MERIDIAN_PROVIDER_SCOPES"},
			},
			&cli.StringFlag{
				Name:    "provider-scopes-online",
				Value:   "launch openid fhirUser online_access user/*.read",
				EnvVars: []string{"MERIDIAN_PROVIDER_SCOPES_ONLINE"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cmd *cli.Context) error {
	cfg := loadConfig(cmd)

	cipher, err := gateway.NewCipher(cfg.SessionSecret, cfg.SessionSalt)
	if err != nil {
		return err
	}

	codec, err := gateway.NewSessionCodec(gateway.SessionCodecArgs{
		Cipher:     cipher,
		CookieName: cfg.CookieName,
		SessionTTL: cfg.SessionTTL,
		Secure:     cfg.Production(),
	})
	if err != nil {
		return err
	}

	oauthClient := gateway.NewClient(gateway.ClientArgs{})

	var store gateway.StateStore
	switch cfg.StateStore {
	case "cookie":
		store = gateway.NewCookieStateStore(cipher, cfg.Production())
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.StateDB), &gorm.Config{})
		if err != nil {
			return fmt.Errorf("could not open state database: %w", err)
		}
		store, err = gateway.NewGormStateStore(db, cipher)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown state store %q", cfg.StateStore)
	}

	orch, err := gateway.NewOrchestrator(gateway.OrchestratorArgs{
		OAuth:   oauthClient,
		Store:   store,
		Codec:   codec,
		Clients: cfg,
		Log:     slog.Default(),
	})
	if err != nil {
		return err
	}

	gw := gateway.NewGateway(gateway.GatewayArgs{
		Codec: codec,
		OAuth: oauthClient,
		Log:   slog.Default(),
	})

	srv := &Server{
		cfg:  cfg,
		orch: orch,
		gw:   gw,
		log:  slog.Default(),
		h:    &http.Client{Timeout: 15 * time.Second},
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(slogecho.New(slog.Default()))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cfg.FlashSecret))))
	e.Use(gw.Middleware())

	e.GET("/", srv.handleLanding)
	e.GET("/launch", srv.handleLaunch)
	e.GET("/select-role", srv.handleSelectRole)
	e.POST("/select-role", srv.handleSelectRoleSubmit)
	e.GET("/auth/callback", srv.handleCallback)
	e.GET("/auth/client-config", srv.handleClientConfig)
	e.POST("/logout", srv.handleLogout)
	e.GET("/healthz", srv.handleHealthz)

	e.GET("/patient/dashboard", srv.handlePatientDashboard)
	e.GET("/provider/dashboard", srv.handleProviderDashboard)
	e.GET("/api/fhir/*", srv.handleFHIRProxy)

	httpd := http.Server{
		Addr:    cfg.ListenAddr,
		Handler: e,
	}

	slog.Info("starting portal server", "addr", cfg.ListenAddr, "env", cfg.Env)

	if err := httpd.ListenAndServe(); err != nil {
		return err
	}

	return nil
}

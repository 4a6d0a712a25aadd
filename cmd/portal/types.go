package main

import (
	"log/slog"
	"net/http"

	gateway "github.com/meridianhealth/smart-gateway-golang"
)

type Server struct {
	cfg  *Config
	orch *gateway.Orchestrator
	gw   *gateway.Gateway
	log  *slog.Logger
	h    *http.Client
}

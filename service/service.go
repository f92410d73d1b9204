// Package service exposes the harness health and Prometheus metrics over HTTP.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/kat/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = 8080
)

// Config holds the listen addresses of the service endpoints
type Config struct {
	HealthzHost string
	HealthzPort int
	MetricsHost string
	MetricsPort int
	Healthy     HealthChecker
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer
	config  Config
}

func New(cfg Config) *Service {
	if cfg.HealthzHost == "" {
		cfg.HealthzHost = HealthzHost
	}
	if cfg.HealthzPort == 0 {
		cfg.HealthzPort = HealthzPort
	}
	s := &Service{
		Healthz: &HealthzServer{healthy: cfg.Healthy},
		Metrics: &MetricsServer{},
		config:  cfg,
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(s.config.HealthzHost, strconv.Itoa(s.config.HealthzPort))
		log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz", err)
		}
	}()

	if s.config.MetricsPort != 0 {
		go func() {
			addr := net.JoinHostPort(s.config.MetricsHost, strconv.Itoa(s.config.MetricsPort))
			log.Info("starting metrics server", "addr", addr)
			if err := s.Metrics.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("metrics", err)
			}
		}()
	}

	log.Info("service started")
}

func (s *Service) Shutdown() {
	log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	log.Info("healthz stopped")

	_ = s.Metrics.Shutdown()
	log.Info("metrics stopped")

	log.Info("service stopped")
}

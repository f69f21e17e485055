package main

import (
	"context"

	"github.com/tournevent/tuffnells/internal/config"
	"github.com/tournevent/tuffnells/internal/telemetry"
	"github.com/tournevent/tuffnells/pkg/tuffnells"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/otel/trace"
)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(cfg *config.Config) (*otelzap.Logger, error) {
	return telemetry.NewLogger(cfg.LogLevel, cfg.ServiceName)
}

func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

func initClient(cfg *config.Config, logger *otelzap.Logger, tracer trace.Tracer) *tuffnells.Client {
	return tuffnells.New(tuffnells.Config{
		AccountID:      cfg.AccountID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		BaseURL:        cfg.BaseURL,
		UseMock:        cfg.UseMock,
		CachePrefix:    cfg.CachePrefix,
		ConsignmentTTL: cfg.ConsignmentTTL,
		LabelTTL:       cfg.LabelTTL,
		Recorder:       telemetry.NewMetrics(),
	}, logger, tracer)
}

package main

import (
	"github.com/meterscan/telemetry-sync-worker/internal/config"
	"github.com/meterscan/telemetry-sync-worker/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}

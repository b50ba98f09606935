package logging

import (
	"go.uber.org/zap"
)

// NewLogger creates a new structured logger
func NewLogger(serviceName string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// WithRunID returns a logger with run_id field
func WithRunID(logger *zap.Logger, runID string) *zap.Logger {
	return logger.With(zap.String("run_id", runID))
}

// WithCompany returns a logger scoped to a company
func WithCompany(logger *zap.Logger, companyID int64, name string) *zap.Logger {
	return logger.With(zap.Int64("company_id", companyID), zap.String("company", name))
}

// WithMeter returns a logger scoped to a meter
func WithMeter(logger *zap.Logger, meterID int64, code string) *zap.Logger {
	return logger.With(zap.Int64("meter_id", meterID), zap.String("installation", code))
}

package component

import (
	"log/slog"

	"github.com/c360/unsflow/metric"
	"github.com/c360/unsflow/natsclient"
)

// Dependencies provides all external dependencies needed by components.
// Components receive this structure at construction rather than
// individual fields so wiring stays uniform across the codebase.
type Dependencies struct {
	NATSClient      *natsclient.Client      // NATS client for messaging
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}

// CoreMetrics returns the core metrics set, or nil when metrics are not
// wired (tests commonly run without them).
func (d *Dependencies) CoreMetrics() *metric.Metrics {
	if d.MetricsRegistry == nil {
		return nil
	}
	return d.MetricsRegistry.CoreMetrics()
}

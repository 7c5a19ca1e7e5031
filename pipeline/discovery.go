package pipeline

import (
	"time"

	"github.com/c360/unsflow/component"
	"github.com/c360/unsflow/route"
)

// Meta returns basic component information.
func (p *Processor) Meta() component.Metadata {
	return component.Metadata{
		Name:        "pipeline",
		Type:        "processor",
		Description: "Normalizes equipment observations into UNS documents and fans them out",
		Version:     "1.0.0",
	}
}

// InputPorts lists the subscription subjects.
func (p *Processor) InputPorts() []component.Port {
	cfg := p.safeCfg.Get()
	var ports []component.Port
	for _, src := range cfg.Pipeline.Sources {
		for _, pattern := range src.Patterns {
			ports = append(ports, component.Port{
				Name:      src.Name,
				Direction: component.DirectionInput,
				Subject:   route.ToSubject(pattern),
				Required:  true,
			})
		}
	}
	for _, pattern := range cfg.Pipeline.MetadataPatterns {
		ports = append(ports, component.Port{
			Name:      "structure-metadata",
			Direction: component.DirectionInput,
			Subject:   route.ToSubject(pattern),
			Required:  false,
		})
	}
	return ports
}

// OutputPorts lists the publish surfaces. Hierarchy topics depend on
// resolved structure, so they are described by the active template
// rather than enumerated.
func (p *Processor) OutputPorts() []component.Port {
	eng := p.engine.Load()
	ports := []component.Port{
		{
			Name:      "uns-documents",
			Direction: component.DirectionOutput,
			Subject:   route.ToSubject(eng.formats[eng.activeFormat].Template),
			Required:  true,
		},
		{
			Name:      "discovery-requests",
			Direction: component.DirectionOutput,
			Subject:   route.ToSubject(route.DiscoveryRequestTopic("*")),
			Required:  false,
		},
		{
			Name:      "document-history",
			Direction: component.DirectionOutput,
			Subject:   streamSubjectRoot + ".>",
			Required:  false,
		},
	}
	return ports
}

// Health reports whether the component is running and its error state.
func (p *Processor) Health() component.HealthStatus {
	p.stateMu.Lock()
	state := p.state
	startedAt := p.startedAt
	p.stateMu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	lastError, _ := p.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    state == component.StateStarted,
		LastCheck:  time.Now(),
		ErrorCount: int(p.errorCount.Load()),
		LastError:  lastError,
		Uptime:     uptime,
	}
}

// DataFlow reports coarse throughput numbers derived from counters.
func (p *Processor) DataFlow() component.FlowMetrics {
	p.stateMu.Lock()
	startedAt := p.startedAt
	p.stateMu.Unlock()

	processed := p.processed.Load()
	dropped := p.dropped.Load()

	var rate, errorRate float64
	if !startedAt.IsZero() {
		if secs := time.Since(startedAt).Seconds(); secs > 0 {
			rate = float64(processed) / secs
		}
	}
	if total := processed + dropped; total > 0 {
		errorRate = float64(dropped) / float64(total)
	}

	var lastActivity time.Time
	if ms := p.lastActive.Load(); ms != 0 {
		lastActivity = time.UnixMilli(ms)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

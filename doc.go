// Package unsflow normalizes heterogeneous factory equipment payloads into a
// consistent unified namespace (UNS) over NATS.
//
// # Philosophy: Structure Follows Data
//
// Equipment publishes raw observations on whatever topics it already uses.
// unsflow classifies each payload against configured source profiles,
// validates it, resolves the equipment's position in the ISA-95 hierarchy
// (enterprise, site, area, work unit), transforms the payload into the
// active output format, and republishes it on hierarchy-derived topics.
//
// Hierarchy knowledge is learned at runtime from structure announcements
// rather than configured up front. Equipment that has never announced itself
// still flows: the pipeline requests discovery, waits briefly, and falls
// back to a deterministic placeholder hierarchy so no observation is lost.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Pipeline                   │  classify, validate,
//	│   (pipeline.Processor)              │  transform, route, publish
//	└─────────────────────────────────────┘
//	      ↓ resolves hierarchy via
//	┌─────────────────────────────────────┐
//	│      Structure Registry             │  announcements, discovery,
//	│   (structure.Registry)              │  fallback paths
//	└─────────────────────────────────────┘
//	      ↓ communicates via
//	┌─────────────────────────────────────┐
//	│        NATS Messaging               │  subjects, JetStream
//	│   (natsclient.Client)               │  streams, KV caches
//	└─────────────────────────────────────┘
//
// # Package Layout
//
//   - pipeline: the orchestrator component wiring ingestion to publication
//   - structure: the equipment hierarchy registry and discovery protocol
//   - transform: payload normalization rules and output format transforms
//   - route: UNS topic templates, validation, and destination fan-out
//   - message: observation, document, and announcement types
//   - config: JSON configuration with env overrides and validation
//   - natsclient: resilient NATS client with JetStream and KV helpers
//   - metric: Prometheus metrics registry and HTTP exposition
//   - errors: classified errors with retry semantics
//
// # Output Topics
//
// Each transformed document fans out to several destinations: the base
// status topic for the equipment, a data-type-qualified topic, per-section
// metric topics, and a flat enterprise-wide topic keyed by equipment ID.
// Topic shape is driven by per-format templates such as
//
//	uns/{enterprise}/{site}/{area}/{workUnit}/{equipment}/{dataType}
//
// so downstream consumers subscribe by hierarchy position instead of by
// device-specific topic conventions.
package unsflow

// Package core defines the shared language of the leapaudit system.
//
// This package contains:
//   - Domain entities (TimeWindow, PreparsedQuery, KnownLineageMapping, MetadataEvent)
//   - Service interfaces (Adapter, Aggregator)
//   - Configuration types (TargetConfig, AdapterConfig)
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core

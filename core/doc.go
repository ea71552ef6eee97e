// Package core defines the domain model shared by the analysisd rule engine.
//
// The core package provides:
//   - RuleInfo, the static and runtime definition of a single detection rule
//   - Event, the decoded log event the engine evaluates rules against
//   - Alert, the outcome of walking the forest for one event
//   - MatchList, the lock-protected match history consulted by correlated rules
//   - Typed rule errors separating fatal configuration errors from probes
//   - WorkerPool, the context-aware pool used for concurrent evaluation
//
// Rules are produced by a parser (see detect.Loader) and handed to a
// detect.Forest, which owns them for the rest of the process lifetime.
package core

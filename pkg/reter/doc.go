// Package reter implements an in-memory description-logic reasoning and
// query engine: a discrimination network over attribute-map facts, a
// REQL (SPARQL-shaped) query planner and executor, a small static/template
// rule engine for subsumption and property-chain inference, and a
// snapshot+delta persistence layer.
//
// The network is single-threaded and cooperative: every exported method on
// Network mutates or reads shared node memories without internal locking.
// Callers that share a Network across goroutines must serialize access
// themselves (see spec §5). Background work the core itself owns — the
// async compaction worker and the per-query timeout watcher — is confined
// to internal/workerpool and communicates back through plain channels and
// atomics, never by reaching into node memories concurrently with
// propagation.
//
// Facts flow in through AddFact/AddTriple (optionally staged through an
// EntityAccumulator), propagate through the network to quiescence, and are
// read back out through compiled REQL queries. Two networks
// share nothing; persisting one is independent of the other.
package reter

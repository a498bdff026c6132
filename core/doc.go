// Package core defines the shared domain model of the admission pipeline.
//
// # Overview
//
// The core package provides:
//   - Identity, the per-request principal resolved from a bearer token
//   - RouteClass, the closed set of endpoint categories that select rate
//     budgets and authorization rules
//   - Rejection, the typed terminal result every pipeline stage returns
//     instead of panicking or returning ad-hoc errors
//   - Infrastructure shared by several stages (circuit breaker, Redis cache)
//
// # Design Principles
//
//  1. Stages return typed results; the orchestrator switches on them
//  2. Client-facing messages are generic, detail lives in the audit trail
//  3. Interfaces are defined in the consuming package, not here
package core

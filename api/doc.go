// Package api defines the request and response bodies of the Axon HTTP API.
//
// # API Overview
//
// Axon exposes a JSON API under /api/v1 for:
//   - Task lifecycle: create, list, transition, claim, failures, audit events
//   - Workflows: definitions, start, advance, execution progress
//   - Work discovery for agents
//   - Agent registry: registration, heartbeats, load, reputation, sweeps
//   - Handoff packages: create, list, accept
//   - Health monitoring (/health, /healthz, /ready, /version)
//
// # Authentication
//
// When API keys are configured every /api/v1 endpoint requires the
// X-API-Key header:
//
//	X-API-Key: your-api-key
//
// With JWT enabled the bearer token replaces the API key and its agent claim
// becomes the caller identity. Bodies that name an agent must then name the
// same agent.
//
// # Response Envelope
//
// Every response is wrapped as
//
//	{"success": true, "data": ..., "timestamp": "...", "request_id": "..."}
//
// or, on failure,
//
//	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}}
//
// A rejected workflow advance is not a failure: it returns 200 with
// data.kind = "validation_failed".
package api

// Package api hosts the HTTP server, middleware, and REST handlers of the
// harvester. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit a search, GET /v1/jobs[/{job_id}] to follow it,
//     POST /v1/jobs/{job_id}/cancel to stop it.
//   - GET /v1/sources to list the configured source adapters.
package api

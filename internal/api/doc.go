// Package api hosts the read-only operator HTTP surface of the harvester.
// Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/stages for run
//     history served from a store.RunRepository.
package api

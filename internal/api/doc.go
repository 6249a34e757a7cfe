// Package api hosts the read-only status server. Routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/stats for queue statistics.
//   - GET /v1/jobs/review?limit= for jobs awaiting manual review.
//   - GET /v1/jobs/{statusNo} for a single job.
//   - GET /v1/permits/{statusNo} for the stored permit record.
package api

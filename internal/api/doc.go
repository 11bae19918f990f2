// Package api exposes the REST surface of the proof orchestrator: request
// standardization, submission, status and gate queries, holder-initiated
// revocation, and operator endpoints for listings, statistics, and voucher
// inspection. All responses share a uniform envelope with a request id.
package api

// Package server is the HTTP binding for the subtitle service. It routes
// the public submission endpoints and the API-key guarded admin surface
// onto the admission orchestrator, behind a shared middleware chain of
// request-id tagging, metrics, security headers, and request logging.
package server

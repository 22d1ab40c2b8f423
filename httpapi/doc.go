// Package httpapi exposes the sandbox over a JSON HTTP API.
//
// Routes:
//
//	POST /api/code/execute    run one program and return its outcome
//	GET  /api/code/languages  list the supported languages
//	GET  /healthz             liveness and backend name
//	GET  /metrics             Prometheus metrics
//
// The /api routes share one token-bucket rate limiter and a request body
// size limit. Outcome kinds are returned as data; only sandbox failures and
// capacity rejections change the status code.
package httpapi

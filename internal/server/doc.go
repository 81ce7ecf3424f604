// Package server exposes watched statuses over HTTP.
//
// The router serves a JSON snapshot of the status store at "/api/status",
// single records at "/api/status/{kind}/{id}", a Server-Sent Events stream
// of status changes at "/api/sse" and manual refetches at
// "/api/refetch/{kind}/{id}".
//
// The server supports graceful shutdown via context cancellation, with a
// 5-second timeout for in-flight requests.
package server

// Package server hosts the Fiber HTTP service: request-id middleware, the
// catch-all route that hands traffic to the proxy, and the shared upstream
// HTTP client. Diagnostic, control and sync endpoints live under /-/ and are
// registered by the routes subpackage.
package server

// Package server hosts the Fiber HTTP service and its middleware chain:
// panic recovery, request ids, and the client id cookie that lets the
// worker registration tell open pages apart. It also owns the shared
// upstream http.Client and hop-by-hop header filtering used by the proxy.
// Diagnostics live under /-/ and are registered by the routes package.
package server

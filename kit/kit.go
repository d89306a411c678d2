// Package kit holds the transport-agnostic endpoint plumbing shared by
// the HTTP API and the MCP tool surface: one Endpoint signature, a
// middleware chain, and per-transport adapters.
package kit

import "context"

// Endpoint is a single operation: typed request in, typed response out.
// Transports decode into the request type and encode the response.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first argument is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Package auth provides API-key authentication for edgestack-server.
//
// APIKeyInterceptor and APIKeyStreamInterceptor validate the key carried in
// the named gRPC metadata header; Middleware does the same for the REST API
// and WebSocket stream using the HTTP header of the same name.
//
// When mode != "apikey" or key == "", all calls pass through (useful for local
// development with auth disabled). Exempt method or path prefixes, such as the
// gRPC health service or a load-balancer probe, are never checked.
package auth

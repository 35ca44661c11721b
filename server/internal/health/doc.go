// Package health publishes the status server's readiness over the standard
// grpc.health.v1.Health service.
//
// The server is SERVING while the ledger can be read. A failed refresh only
// flips it to NOT_SERVING once the last successful refresh is older than the
// configured tolerance, so a single locked read does not fail probes.
// Authentication is enforced upstream by the gRPC interceptors (see package
// auth), which exempt the health service.
package health

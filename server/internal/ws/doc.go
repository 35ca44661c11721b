// Package ws implements the WebSocket hub for edgestack-server.
//
// Hub keeps the set of connected clients and sends each of them the current
// run snapshot on a fixed interval and after each ledger refresh (Notify).
// A snapshot is encoded once per broadcast as a gorilla PreparedMessage.
//
// Message format sent to clients:
//
//	{
//	  "event": "snapshot",
//	  "data":  { /* same schema as GET /api/v1/snapshot */ }
//	}
//
// The upgrader accepts all origins. Apply CORS restrictions at the reverse
// proxy level. The endpoint is mounted at /ws/stream by the server.
package ws

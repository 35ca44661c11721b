package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// checker holds one authentication policy shared by the gRPC and HTTP paths.
type checker struct {
	enabled bool
	header  string
	key     []byte
	exempt  []string
}

func newChecker(mode, header, key string, exempt []string) checker {
	return checker{
		enabled: mode == "apikey" && key != "",
		header:  strings.ToLower(header),
		key:     []byte(key),
		exempt:  exempt,
	}
}

func (c checker) skip(name string) bool {
	if !c.enabled {
		return true
	}
	for _, p := range c.exempt {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (c checker) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), c.key) == 1
}

func (c checker) fromContext(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(c.header)
	if len(vals) == 0 || !c.valid(vals[0]) {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

// APIKeyInterceptor returns a gRPC UnaryServerInterceptor that enforces API key
// authentication on every incoming call whose full method does not start with
// one of the exempt prefixes.
//
// Behaviour:
//   - If mode != "apikey" or key == "", all calls are allowed (pass-through).
//   - Otherwise the interceptor reads the value of header from the incoming
//     gRPC metadata and compares it to key.
//   - A missing, empty, or incorrect key returns codes.Unauthenticated.
func APIKeyInterceptor(mode, header, key string, exempt ...string) grpc.UnaryServerInterceptor {
	c := newChecker(mode, header, key, exempt)
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if c.skip(info.FullMethod) {
			return handler(ctx, req)
		}
		if err := c.fromContext(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// APIKeyStreamInterceptor is the streaming counterpart of APIKeyInterceptor.
// The health service's Watch method is a stream, so both are installed.
func APIKeyStreamInterceptor(mode, header, key string, exempt ...string) grpc.StreamServerInterceptor {
	c := newChecker(mode, header, key, exempt)
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if c.skip(info.FullMethod) {
			return handler(srv, ss)
		}
		if err := c.fromContext(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// Middleware wraps next with API key authentication on the HTTP header named
// header. Requests whose path starts with an exempt prefix are not checked.
// Browsers cannot set headers on WebSocket upgrades, so the key is also
// accepted from the api_key query parameter.
func Middleware(mode, header, key string, next http.Handler, exempt ...string) http.Handler {
	c := newChecker(mode, header, key, exempt)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(c.header)
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if !c.valid(got) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid api key"}) //nolint:errcheck
			return
		}
		next.ServeHTTP(w, r)
	})
}

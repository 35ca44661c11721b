package health

import (
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the named service reported alongside the overall ("") status.
const Service = "edgestack.status.v1.Runs"

// Reporter maps ledger refresh outcomes to gRPC serving status.
type Reporter struct {
	hs        *health.Server
	tolerance time.Duration
	now       func() time.Time

	mu      sync.Mutex
	lastOK  time.Time
	serving bool
}

// New creates a Reporter. Until the first successful Observe both the overall
// and the named service report NOT_SERVING.
func New(tolerance time.Duration) *Reporter {
	r := &Reporter{
		hs:        health.NewServer(),
		tolerance: tolerance,
		now:       time.Now,
	}
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Register adds the health service to srv.
func (r *Reporter) Register(srv grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(srv, r.hs)
}

// Observe records the outcome of one ledger refresh. It has the signature
// expected by store.Run.
func (r *Reporter) Observe(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if err == nil {
		r.lastOK = now
		if !r.serving {
			slog.Info("health: serving")
		}
		r.serving = true
		r.set(healthpb.HealthCheckResponse_SERVING)
		return
	}

	if r.serving && now.Sub(r.lastOK) < r.tolerance {
		return
	}
	if r.serving {
		slog.Warn("health: not serving", "last_ok", r.lastOK, "err", err)
	}
	r.serving = false
	r.set(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serving reports the current overall status.
func (r *Reporter) Serving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serving
}

// Shutdown sets every service to NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	r.hs.Shutdown()
}

func (r *Reporter) set(s healthpb.HealthCheckResponse_ServingStatus) {
	r.hs.SetServingStatus("", s)
	r.hs.SetServingStatus(Service, s)
}

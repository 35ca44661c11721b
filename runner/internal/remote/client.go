package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/edgestack/edgestack/pkg/types"
)

// Client evaluates expression graphs on the remote compute service.
// Implementations must be safe for concurrent use.
type Client interface {
	// Reduce evaluates a region reduction. A statistic with no valid pixels
	// is returned as a nil value, not an error.
	Reduce(ctx context.Context, req ReduceRequest) (Stats, error)

	// Size evaluates the number of elements in a collection.
	Size(ctx context.Context, c Collection) (int, error)

	// Evaluate materializes an arbitrary graph and decodes the JSON result into out.
	Evaluate(ctx context.Context, e *Expr, out any) error

	// SubmitExport starts an asynchronous export job.
	SubmitExport(ctx context.Context, req ExportRequest) (JobHandle, error)

	// PollStatus reports the live state of a submitted export job.
	PollStatus(ctx context.Context, h JobHandle) (ExportStatus, error)
}

// Stats holds the scalar outputs of a reduction keyed by output name.
type Stats map[string]*float64

// Value returns the named statistic and whether it is present and non-null.
func (s Stats) Value(key string) (float64, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// ExportKind is the artifact type of an export job.
type ExportKind string

const (
	ExportTable ExportKind = "table"
	ExportImage ExportKind = "image"
)

// Destination is an object in the export bucket.
type Destination struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (d Destination) String() string { return d.Bucket + "/" + d.Key }

// ExportRequest describes one asynchronous export.
type ExportRequest struct {
	Description string
	Kind        ExportKind
	Table       Collection
	Image       Raster
	Region      Region
	Destination Destination

	// Format is CSV for tables and GeoTIFF for images.
	Format         string
	CloudOptimized bool
	Scale          float64
	MaxPixels      float64
}

func (r ExportRequest) validate() error {
	switch r.Kind {
	case ExportTable:
		if r.Table.expr == nil {
			return errors.New("table export without a collection")
		}
	case ExportImage:
		if r.Image.expr == nil {
			return errors.New("image export without an image")
		}
		if r.Scale <= 0 {
			return errors.New("image export without a positive scale")
		}
	default:
		return fmt.Errorf("unknown export kind %q", r.Kind)
	}
	if r.Destination.Bucket == "" || r.Destination.Key == "" {
		return errors.New("export without a destination")
	}
	return nil
}

// JobHandle identifies a submitted export job.
type JobHandle struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// ExportState is the backend's view of an export job.
type ExportState string

const (
	StatePending   ExportState = "PENDING"
	StateRunning   ExportState = "RUNNING"
	StateCompleted ExportState = "COMPLETED"
	StateFailed    ExportState = "FAILED"
)

// IsTerminal reports whether the job has finished.
func (s ExportState) IsTerminal() bool { return s == StateCompleted || s == StateFailed }

// ExportStatus is one PollStatus answer.
type ExportStatus struct {
	State        ExportState `json:"state"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Destinations []string    `json:"destinations,omitempty"`
}

// Error is a failed remote call. It matches types.ErrRemoteCompute.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("remote %s: %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{types.ErrRemoteCompute, e.Err}
	}
	return []error{types.ErrRemoteCompute}
}

// Retryable reports whether the failure is transient: a network error,
// 429 Too Many Requests, or a 5xx answer.
func (e *Error) Retryable() bool {
	if e.Err != nil {
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

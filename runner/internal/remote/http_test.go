package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
)

func newTestClient(t *testing.T, h http.Handler, mutate func(*config.RemoteConfig), opts ...Option) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.RemoteConfig{
		Endpoint: srv.URL,
		Timeout:  5 * time.Second,
		Retry:    config.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewHTTPClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReduce_NullableValues(t *testing.T) {
	var gotBody map[string]json.RawMessage
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/reduce" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, `{"values":{"mean":0.42,"stdDev":null,"count":0}}`)
	}), nil)

	stats, err := c.Reduce(context.Background(), ReduceRequest{Image: Constant(1), Reducer: Mean(), Region: EmptyRegion(), Scale: 500})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if v, ok := stats.Value("mean"); !ok || v != 0.42 {
		t.Errorf("mean: got %v, %v", v, ok)
	}
	if _, ok := stats.Value("stdDev"); ok {
		t.Error("stdDev should be null")
	}
	if _, ok := stats.Value("absent"); ok {
		t.Error("absent key should report !ok")
	}
	if _, ok := gotBody["expression"]; !ok {
		t.Error("request body missing expression")
	}
}

func TestEvaluate_DecodesResult(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"result":[{"label":"Deserts","area":12.5}]}`)
	}), nil)

	var out []struct {
		Label string  `json:"label"`
		Area  float64 `json:"area"`
	}
	if err := c.Evaluate(context.Background(), call("X"), &out); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(out) != 1 || out[0].Label != "Deserts" || out[0].Area != 12.5 {
		t.Errorf("got %+v", out)
	}
}

func TestSize(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Expression *Expr `json:"expression"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Expression == nil || body.Expression.Op != "Collection.size" {
			t.Errorf("expected Collection.size, got %+v", body.Expression)
		}
		_, _ = io.WriteString(w, `{"result":46}`)
	}), nil)

	n, err := c.Size(context.Background(), ImageCollection("MODIS/061/MOD09A1"))
	if err != nil || n != 46 {
		t.Fatalf("Size: got %d, %v", n, err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":"INVALID_ARGUMENT","message":"band not found"}}`)
	}), nil)

	_, err := c.Reduce(context.Background(), ReduceRequest{Image: Constant(1), Reducer: Mean()})
	if !errors.Is(err, types.ErrRemoteCompute) {
		t.Fatalf("expected ErrRemoteCompute, got %v", err)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if re.StatusCode != 400 || re.Code != "INVALID_ARGUMENT" || re.Message != "band not found" {
		t.Errorf("decoded error: %+v", re)
	}
	if re.Retryable() {
		t.Error("400 must not be retryable")
	}
	if types.ErrorKind(err) != "remote_compute" {
		t.Errorf("kind: got %q", types.ErrorKind(err))
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"values":{"count":7}}`)
	})
	c := newTestClient(t, h, func(cfg *config.RemoteConfig) { cfg.Retry.MaxAttempts = 3 })

	stats, err := c.Reduce(context.Background(), ReduceRequest{Image: Constant(1), Reducer: Count()})
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if v, _ := stats.Value("count"); v != 7 {
		t.Errorf("count: got %v", v)
	}
	if hits.Load() != 3 {
		t.Errorf("attempts: got %d, want 3", hits.Load())
	}
}

func TestRetry_OffByDefault(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	if _, err := c.Reduce(context.Background(), ReduceRequest{Image: Constant(1), Reducer: Count()}); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("attempts: got %d, want 1", hits.Load())
	}
}

func TestAuthModes(t *testing.T) {
	t.Setenv("TEST_REMOTE_TOKEN", "tok")
	t.Setenv("TEST_REMOTE_KEY", "k3y")
	t.Setenv("TEST_REMOTE_PASS", "pw")

	tests := []struct {
		name  string
		auth  config.AuthConfig
		check func(r *http.Request) bool
	}{
		{"bearer", config.AuthConfig{Mode: "bearer", TokenEnv: "TEST_REMOTE_TOKEN"},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer tok" }},
		{"apikey", config.AuthConfig{Mode: "apikey", Header: "X-Api-Key", KeyEnv: "TEST_REMOTE_KEY"},
			func(r *http.Request) bool { return r.Header.Get("X-Api-Key") == "k3y" }},
		{"basic", config.AuthConfig{Mode: "basic", Username: "svc", PasswordEnv: "TEST_REMOTE_PASS"},
			func(r *http.Request) bool { u, p, ok := r.BasicAuth(); return ok && u == "svc" && p == "pw" }},
		{"none", config.AuthConfig{Mode: "none"},
			func(r *http.Request) bool { return r.Header.Get("Authorization") == "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !tc.check(r) {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				_, _ = io.WriteString(w, `{"result":1}`)
			}), func(cfg *config.RemoteConfig) { cfg.Auth = tc.auth })

			if _, err := c.Size(context.Background(), ImageCollection("x")); err != nil {
				t.Fatalf("Size: %v", err)
			}
		})
	}
}

func TestSubmitAndPoll(t *testing.T) {
	var submitted exportBody
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/exports", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&submitted)
		_, _ = io.WriteString(w, `{"id":"op-17","state":"PENDING"}`)
	})
	mux.HandleFunc("/v1/exports/op-17", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"state":"RUNNING"}`)
	})
	c := newTestClient(t, mux, nil)

	h, err := c.SubmitExport(context.Background(), ExportRequest{
		Description:    "image_916_2010",
		Kind:           ExportImage,
		Image:          Constant(1),
		Region:         EmptyRegion(),
		Destination:    Destination{Bucket: "b", Key: "protected_areas/images/916_2010.tif"},
		Format:         "GeoTIFF",
		CloudOptimized: true,
		Scale:          500,
		MaxPixels:      1e8,
	})
	if err != nil {
		t.Fatalf("SubmitExport: %v", err)
	}
	if h.ID != "op-17" {
		t.Errorf("handle: got %+v", h)
	}
	if submitted.FormatOptions["cloudOptimized"] != true || submitted.Region == nil {
		t.Errorf("export body: %+v", submitted)
	}

	st, err := c.PollStatus(context.Background(), h)
	if err != nil || st.State != StateRunning {
		t.Fatalf("PollStatus: %+v, %v", st, err)
	}
}

func TestSubmitExport_Invalid(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), nil)
	_, err := c.SubmitExport(context.Background(), ExportRequest{Kind: ExportTable})
	if !errors.Is(err, types.ErrRemoteCompute) {
		t.Fatalf("expected ErrRemoteCompute, got %v", err)
	}
}

func TestPollStatus_UnknownState(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"state":"SLEEPING"}`)
	}), nil)
	if _, err := c.PollStatus(context.Background(), JobHandle{ID: "x"}); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestObserver(t *testing.T) {
	var ops []string
	var errs int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/reduce" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"result":3}`)
	}), nil, WithObserver(func(op string, _ time.Duration, err error) {
		ops = append(ops, op)
		if err != nil {
			errs++
		}
	}))

	_, _ = c.Size(context.Background(), ImageCollection("x"))
	_, _ = c.Reduce(context.Background(), ReduceRequest{Image: Constant(1), Reducer: Mean()})

	if len(ops) != 2 || ops[0] != "size" || ops[1] != "reduce" {
		t.Errorf("observed ops: %v", ops)
	}
	if errs != 1 {
		t.Errorf("observed errors: got %d, want 1", errs)
	}
}

func TestNewHTTPClient_RejectsEmptyEndpoint(t *testing.T) {
	if _, err := NewHTTPClient(config.RemoteConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func tableExport() ExportRequest {
	return ExportRequest{
		Description: "11_2010",
		Kind:        ExportTable,
		Table:       FeatureCollection("WCMC/WDPA/current/polygons"),
		Destination: Destination{Bucket: "b", Key: "protected_areas/tables/11_2010.csv"},
		Format:      "CSV",
	}
}

func TestSubmitExport_NoRetryAfterServerError(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), func(cfg *config.RemoteConfig) { cfg.Retry.MaxAttempts = 3 })

	if _, err := c.SubmitExport(context.Background(), tableExport()); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Errorf("attempts: got %d, want 1", hits.Load())
	}
}

func TestSubmitExport_RetriesRefusalWithSameKey(t *testing.T) {
	var hits atomic.Int32
	keys := make(chan string, 3)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"op-3","state":"PENDING"}`)
	}), func(cfg *config.RemoteConfig) { cfg.Retry.MaxAttempts = 3 })

	h, err := c.SubmitExport(context.Background(), tableExport())
	if err != nil {
		t.Fatalf("SubmitExport: %v", err)
	}
	if h.ID != "op-3" {
		t.Errorf("handle: got %+v", h)
	}
	close(keys)
	var first string
	for k := range keys {
		if k == "" {
			t.Fatal("missing Idempotency-Key")
		}
		if first == "" {
			first = k
		} else if k != first {
			t.Errorf("key changed between attempts: %q vs %q", first, k)
		}
	}
}

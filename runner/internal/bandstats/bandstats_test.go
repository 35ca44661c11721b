package bandstats

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/remote"
	"github.com/edgestack/edgestack/runner/internal/remote/remotetest"
)

var bands = []string{"sur_refl_b01", "sur_refl_b02", "sur_refl_b03", "EVI", "NDVI"}

func testExtractor() *Extractor {
	return &Extractor{
		Scale:         500,
		MaxPixels:     DefaultMaxPixels,
		BoundaryWidth: 1000,
		Tolerance:     1,
		hmAsset:       "CSP/HM/GlobalHumanModification",
		hmBand:        "gHM",
	}
}

func entity() remote.Region { return remote.FeatureCollection("pa").First().Geometry() }

func analysis() remote.Region {
	return entity().Buffer(10000, 1).Difference(entity().Buffer(-10000, 1), 1)
}

func TestPlan_OnePairPerBandInOrder(t *testing.T) {
	plans := testExtractor().Plan(remote.Image("composite"), bands, entity(), analysis())
	if len(plans) != len(bands) {
		t.Fatalf("plans: got %d, want %d", len(plans), len(bands))
	}
	for i, p := range plans {
		if p.Band != bands[i] {
			t.Errorf("plan %d: band %q, want %q", i, p.Band, bands[i])
		}
		for _, kind := range Kinds {
			req := p.Request(kind)
			if req.Scale != 500 || req.MaxPixels != 1e10 {
				t.Errorf("%s %s: scale/maxPixels %v/%v", p.Band, kind, req.Scale, req.MaxPixels)
			}
			// One combined reducer: mean ⊕ stdDev ⊕ count.
			r := req.Reducer.Expr()
			if r.Count("Reducer.combine") != 2 || r.Count("Reducer.mean") != 1 ||
				r.Count("Reducer.stdDev") != 1 || r.Count("Reducer.count") != 1 {
				t.Errorf("%s %s: reducer %s", p.Band, kind, r)
			}
			if r.Count("Reducer.combine") > 0 {
				comb := remotetest.FindOp(r, "Reducer.combine")
				if comb.Args["sharedInputs"] != true {
					t.Errorf("%s %s: inputs not shared", p.Band, kind)
				}
			}
		}
	}
}

func TestPlan_GradientMagnitude(t *testing.T) {
	p := testExtractor().Plan(remote.Image("composite"), []string{"EVI"}, entity(), analysis())[0]
	img := p.Buffer.Image.Expr()
	if img.Op != "Image.clip" {
		t.Fatalf("buffer image not clipped: %s", img.Op)
	}
	if img.Arg("input").Op != "Image.sqrt" {
		t.Errorf("magnitude is not a sqrt: %s", img.Arg("input").Op)
	}
	if n := img.Count("Image.pow"); n != 2 {
		t.Errorf("pow nodes: got %d, want 2", n)
	}
	if n := img.Count("Image.gradient"); n != 2 {
		// gx and gy each reference the same gradient node
		t.Errorf("gradient refs: got %d, want 2", n)
	}
	if !p.Buffer.Region.Expr().Equal(analysis().Expr()) {
		t.Error("buffer reduction not over the analysis region")
	}
}

func TestPlan_BoundaryRestrictedToAnalysis(t *testing.T) {
	p := testExtractor().Plan(remote.Image("composite"), []string{"NDVI"}, entity(), analysis())[0]
	img := p.Boundary.Image.Expr()
	if img.Op != "Image.clip" || !img.Arg("input").Equal(p.Buffer.Image.Expr()) {
		t.Fatal("boundary image must be the buffer image clipped again")
	}
	want := entity().Buffer(1000, 1).Difference(entity().Buffer(-1000, 1), 1)
	if !p.Boundary.Region.Expr().Equal(want.Expr()) {
		t.Errorf("boundary region: %s", p.Boundary.Region.Expr())
	}
}

func TestExtract(t *testing.T) {
	x := testExtractor()
	plans := x.Plan(remote.Image("composite"), bands, entity(), analysis())
	fake := &remotetest.Fake{}

	stats, err := x.Extract(context.Background(), fake, plans)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stats) != 2*len(bands) {
		t.Fatalf("stats: got %d", len(stats))
	}
	for i, s := range stats {
		if s.Band != bands[i/2] || s.Kind != Kinds[i%2] {
			t.Errorf("stat %d: %s/%s", i, s.Band, s.Kind)
		}
		if s.Count != 40 || s.Area != 40*500*500 || *s.Mean != 1.5 || *s.StdDev != 0.25 {
			t.Errorf("stat %d: %+v", i, s)
		}
	}
	if fake.Calls("reduce") != 2*len(bands) {
		t.Errorf("reduce calls: %d", fake.Calls("reduce"))
	}
}

func TestExtract_ZeroPixels(t *testing.T) {
	x := testExtractor()
	fake := &remotetest.Fake{ReduceFunc: func(remote.ReduceRequest) (remote.Stats, error) {
		// Backends report the moments of an empty set as null and count 0.
		return remote.Stats{KeyMean: nil, KeyStdDev: nil, KeyCount: remotetest.F(0)}, nil
	}}
	stats, err := x.Extract(context.Background(), fake, x.Plan(remote.Image("c"), bands[:1], entity(), analysis()))
	if err != nil {
		t.Fatalf("zero pixels must not be an error: %v", err)
	}
	for _, s := range stats {
		if s.Count != 0 || s.Mean != nil || s.StdDev != nil || s.Area != 0 {
			t.Errorf("got %+v", s)
		}
	}
}

func TestExtract_EmptyRegionShortCircuits(t *testing.T) {
	x := testExtractor()
	fake := &remotetest.Fake{}
	stats, err := x.Extract(context.Background(), fake, x.Plan(remote.Image("c"), bands, entity(), remote.EmptyRegion()))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(stats) != 2*len(bands) {
		t.Fatalf("stats: got %d", len(stats))
	}
	if fake.Calls("reduce") != 0 {
		t.Errorf("empty region reached the service %d times", fake.Calls("reduce"))
	}
	for _, s := range stats {
		if s.Count != 0 || s.Mean != nil {
			t.Errorf("got %+v", s)
		}
	}
}

func TestExtract_RemoteError(t *testing.T) {
	x := testExtractor()
	fake := &remotetest.Fake{ReduceFunc: func(remote.ReduceRequest) (remote.Stats, error) {
		return nil, &remote.Error{Op: "reduce", StatusCode: 500}
	}}
	_, err := x.Extract(context.Background(), fake, x.Plan(remote.Image("c"), bands, entity(), analysis()))
	if !errors.Is(err, types.ErrRemoteCompute) {
		t.Fatalf("expected ErrRemoteCompute, got %v", err)
	}
}

func TestExtract_Idempotent(t *testing.T) {
	x := testExtractor()
	plans := x.Plan(remote.Image("c"), bands, entity(), analysis())
	fake := &remotetest.Fake{}

	var wg sync.WaitGroup
	results := make([][]types.BandStatistic, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = x.Extract(context.Background(), fake, plans)
		}(i)
	}
	wg.Wait()

	for i := range results[0] {
		a, b := results[0][i], results[1][i]
		if a.Count != b.Count || diff(*a.Mean, *b.Mean) > 1e-6 || diff(*a.StdDev, *b.StdDev) > 1e-6 {
			t.Errorf("stat %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func diff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestHumanModification(t *testing.T) {
	x := testExtractor()
	tests := []struct {
		name  string
		stats remote.Stats
		want  float64
	}{
		{"present", remote.Stats{"gHM": remotetest.F(0.37)}, 0.37},
		{"null", remote.Stats{"gHM": nil}, types.MissingIndex},
		{"absent", remote.Stats{}, types.MissingIndex},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &remotetest.Fake{ReduceFunc: func(req remote.ReduceRequest) (remote.Stats, error) {
				if remotetest.FindOp(req.Image.Expr(), "ImageCollection.mean") == nil {
					t.Error("gHM should reduce the collection mean")
				}
				return tc.stats, nil
			}}
			got, err := x.HumanModification(context.Background(), fake, analysis())
			if err != nil || got != tc.want {
				t.Errorf("got %v, %v; want %v", got, err, tc.want)
			}
		})
	}

	got, err := x.HumanModification(context.Background(), &remotetest.Fake{}, remote.EmptyRegion())
	if err != nil || got != types.MissingIndex {
		t.Errorf("empty region: got %v, %v", got, err)
	}
}

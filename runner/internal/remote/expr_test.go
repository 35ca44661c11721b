package remote

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestExpr_CanonicalEncoding(t *testing.T) {
	a := Image("MODIS/061/MOD09A1").Select("sur_refl_b01").Clip(EmptyRegion())
	b := Image("MODIS/061/MOD09A1").Select("sur_refl_b01").Clip(EmptyRegion())
	if a.Expr().String() != b.Expr().String() {
		t.Fatalf("equal graphs encode differently:\n%s\n%s", a.Expr(), b.Expr())
	}

	// Keys must come out sorted regardless of construction order.
	got := call("Op", "zeta", 1, "alpha", 2).String()
	if want := `{"op":"Op","args":{"alpha":2,"zeta":1}}`; got != want {
		t.Errorf("encoding: got %s, want %s", got, want)
	}
}

func TestExpr_NilArgsDropped(t *testing.T) {
	f := NewFeature(map[string]any{"band_name": "EVI"})
	if _, ok := f.Expr().Args["geometry"]; ok {
		t.Error("nil geometry should not be encoded")
	}
}

func TestHandles_Immutable(t *testing.T) {
	base := RegionOf(call("Feature.geometry"))
	before := base.Expr().String()

	_ = base.Buffer(10000, 1)
	_ = base.Difference(EmptyRegion(), 1)

	if base.Expr().String() != before {
		t.Error("deriving a region mutated its receiver")
	}
}

func TestRegion_IsEmpty(t *testing.T) {
	if !EmptyRegion().IsEmpty() {
		t.Error("EmptyRegion().IsEmpty() = false")
	}
	if !(Region{}).IsEmpty() {
		t.Error("zero Region should be empty")
	}
	if EmptyRegion().Buffer(10, 1).IsEmpty() {
		t.Error("a buffered region is not structurally empty")
	}
}

func TestExpr_WalkAndCount(t *testing.T) {
	r := Mean().Combine(StdDev(), true).Combine(Count(), true)
	if n := r.Expr().Count("Reducer.combine"); n != 2 {
		t.Errorf("combine nodes: got %d, want 2", n)
	}

	fc := NewFeatureCollection(
		NewFeature(map[string]any{"v": ReduceRequest{Image: Constant(1), Reducer: Mean(), Region: EmptyRegion()}.Dict().Get("mean")}),
		NewFeature(map[string]any{"v": 2}),
	)
	if n := fc.Expr().Count("Image.reduceRegion"); n != 1 {
		t.Errorf("reduceRegion nodes through features: got %d, want 1", n)
	}
}

func TestExpr_Arg(t *testing.T) {
	buf := RegionOf(call("Feature.geometry")).Buffer(1000, 1)
	diff := buf.Difference(EmptyRegion(), 1)
	if !diff.Expr().Arg("left").Equal(buf.Expr()) {
		t.Error("Arg(left) did not return the minuend")
	}
	if diff.Expr().Arg("missing") != nil {
		t.Error("Arg on a missing key should be nil")
	}
}

func TestReduceRequest_Expr(t *testing.T) {
	q := ReduceRequest{
		Image:     Constant(3),
		Reducer:   Mean(),
		Region:    EmptyRegion(),
		Scale:     500,
		MaxPixels: 1e10,
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(q.Expr().String()), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	args := decoded["args"].(map[string]any)
	if args["scale"].(float64) != 500 || args["maxPixels"].(float64) != 1e10 {
		t.Errorf("scale/maxPixels not carried: %v", args)
	}
	if !strings.Contains(q.Expr().String(), `"Reducer.mean"`) {
		t.Error("reducer missing from graph")
	}
}

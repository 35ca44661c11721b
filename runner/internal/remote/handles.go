package remote

// Typed handles over Expr. Every method returns a new handle; none mutate
// their receiver, so handles are safe to share across goroutines.

// Region is a lazily evaluated geometry.
type Region struct{ expr *Expr }

const opEmptyRegion = "Geometry.empty"

// RegionOf wraps an arbitrary geometry-valued expression.
func RegionOf(e *Expr) Region { return Region{expr: e} }

// EmptyRegion returns the canonical empty geometry.
func EmptyRegion() Region { return Region{expr: call(opEmptyRegion)} }

// Expr returns the underlying graph.
func (r Region) Expr() *Expr { return r.expr }

// IsEmpty reports whether r is structurally the canonical empty region.
// A zero Region is treated as empty.
func (r Region) IsEmpty() bool { return r.expr == nil || r.expr.Op == opEmptyRegion }

// Buffer grows (distance > 0) or shrinks (distance < 0) the region.
func (r Region) Buffer(distance, maxError float64) Region {
	return Region{call("Geometry.buffer", "geometry", r.expr, "distance", distance, "maxError", maxError)}
}

// Difference returns r minus other.
func (r Region) Difference(other Region, maxError float64) Region {
	return Region{call("Geometry.difference", "left", r.expr, "right", other.expr, "maxError", maxError)}
}

// Intersection returns the overlap of r and other.
func (r Region) Intersection(other Region, maxError float64) Region {
	return Region{call("Geometry.intersection", "left", r.expr, "right", other.expr, "maxError", maxError)}
}

// Area evaluates to the region's area in square distance-units.
func (r Region) Area(maxError float64) *Expr {
	return call("Geometry.area", "geometry", r.expr, "maxError", maxError)
}

// Raster is a lazily evaluated multi-band image.
type Raster struct{ expr *Expr }

// RasterOf wraps an arbitrary image-valued expression.
func RasterOf(e *Expr) Raster { return Raster{expr: e} }

// Image loads a single image asset.
func Image(asset string) Raster { return Raster{call("Image.load", "id", asset)} }

// Constant is a single-band image with value v everywhere.
func Constant(v float64) Raster { return Raster{call("Image.constant", "value", v)} }

func (r Raster) Expr() *Expr { return r.expr }

func (r Raster) Select(bands ...string) Raster {
	return Raster{call("Image.select", "input", r.expr, "bandSelectors", bands)}
}

func (r Raster) Rename(names ...string) Raster {
	return Raster{call("Image.rename", "input", r.expr, "names", names)}
}

// AddBands appends the bands of others to r.
func (r Raster) AddBands(others ...Raster) Raster {
	exprs := make([]*Expr, len(others))
	for i, o := range others {
		exprs[i] = o.expr
	}
	return Raster{call("Image.addBands", "dstImg", r.expr, "srcImgs", exprs)}
}

// FocalMax applies a morphological max filter.
func (r Raster) FocalMax(radius float64, kernel, units string) Raster {
	return Raster{call("Image.focalMax", "image", r.expr, "radius", radius, "kernelType", kernel, "units", units)}
}

// FocalMin applies a morphological min filter.
func (r Raster) FocalMin(radius float64, kernel, units string) Raster {
	return Raster{call("Image.focalMin", "image", r.expr, "radius", radius, "kernelType", kernel, "units", units)}
}

func (r Raster) Clip(region Region) Raster {
	return Raster{call("Image.clip", "input", r.expr, "geometry", region.expr)}
}

func (r Raster) binary(op string, o Raster) Raster {
	return Raster{call(op, "image1", r.expr, "image2", o.expr)}
}

func (r Raster) Add(o Raster) Raster      { return r.binary("Image.add", o) }
func (r Raster) Subtract(o Raster) Raster { return r.binary("Image.subtract", o) }
func (r Raster) Multiply(o Raster) Raster { return r.binary("Image.multiply", o) }
func (r Raster) Divide(o Raster) Raster   { return r.binary("Image.divide", o) }

func (r Raster) Pow(p float64) Raster { return r.binary("Image.pow", Constant(p)) }

func (r Raster) Sqrt() Raster { return Raster{call("Image.sqrt", "value", r.expr)} }

// NotEqual is 1 where r != v and 0 elsewhere.
func (r Raster) NotEqual(v float64) Raster { return r.binary("Image.neq", Constant(v)) }

// Eq is 1 where r == v and 0 elsewhere.
func (r Raster) Eq(v float64) Raster { return r.binary("Image.eq", Constant(v)) }

// BitwiseAnd masks integer pixel values with bits.
func (r Raster) BitwiseAnd(bits int) Raster {
	return r.binary("Image.bitwiseAnd", Constant(float64(bits)))
}

// UpdateMask hides pixels where mask is zero.
func (r Raster) UpdateMask(mask Raster) Raster {
	return Raster{call("Image.updateMask", "image", r.expr, "mask", mask.expr)}
}

// Gradient computes the finite-difference spatial gradient as bands x and y.
func (r Raster) Gradient() Raster { return Raster{call("Image.gradient", "input", r.expr)} }

// VectorizeOptions controls ReduceToVectors.
type VectorizeOptions struct {
	Reducer        Reducer
	Region         Region
	Scale          float64
	MaxPixels      float64
	GeometryType   string
	EightConnected bool
}

// ReduceToVectors converts homogeneous pixel groups into polygon features.
func (r Raster) ReduceToVectors(o VectorizeOptions) Collection {
	return Collection{call("Image.reduceToVectors",
		"image", r.expr,
		"reducer", o.Reducer.expr,
		"geometry", o.Region.expr,
		"scale", o.Scale,
		"maxPixels", o.MaxPixels,
		"geometryType", o.GeometryType,
		"eightConnected", o.EightConnected,
	)}
}

// Collection is a lazily evaluated image or feature collection.
type Collection struct{ expr *Expr }

// CollectionOf wraps an arbitrary collection-valued expression.
func CollectionOf(e *Expr) Collection { return Collection{expr: e} }

// ImageCollection loads an image collection asset.
func ImageCollection(asset string) Collection {
	return Collection{call("ImageCollection.load", "id", asset)}
}

// FeatureCollection loads a feature collection asset.
func FeatureCollection(asset string) Collection {
	return Collection{call("FeatureCollection.load", "tableId", asset)}
}

// NewFeatureCollection builds a collection from in-graph features.
func NewFeatureCollection(features ...Feature) Collection {
	exprs := make([]*Expr, len(features))
	for i, f := range features {
		exprs[i] = f.expr
	}
	return Collection{call("Collection", "features", exprs)}
}

func (c Collection) Expr() *Expr { return c.expr }

// FilterBounds keeps elements whose footprint intersects region.
func (c Collection) FilterBounds(region Region) Collection {
	return c.Filter(Filter{call("Filter.intersects", "leftField", ".geo", "rightValue", region.expr)})
}

// FilterDate keeps elements acquired in [start, end). Dates are YYYY-MM-DD.
func (c Collection) FilterDate(start, end string) Collection {
	return c.Filter(Filter{call("Filter.dateRangeContains", "start", start, "end", end)})
}

func (c Collection) Filter(f Filter) Collection {
	return Collection{call("Collection.filter", "collection", c.expr, "filter", f.expr)}
}

// Map applies body to every element; body refers to the element as Var(param).
func (c Collection) Map(param string, body *Expr) Collection {
	return Collection{call("Collection.map", "collection", c.expr, "param", param, "body", body)}
}

// Median reduces an image collection per pixel, keeping band names.
func (c Collection) Median() Raster {
	return Raster{call("ImageCollection.median", "collection", c.expr)}
}

// Mean reduces an image collection per pixel, keeping band names.
func (c Collection) Mean() Raster {
	return Raster{call("ImageCollection.mean", "collection", c.expr)}
}

// First returns the first element as a feature.
func (c Collection) First() Feature {
	return Feature{call("Collection.first", "collection", c.expr)}
}

// Geometry evaluates to the union of every element's geometry.
func (c Collection) Geometry(maxError float64) Region {
	return Region{call("Collection.geometry", "collection", c.expr, "maxError", maxError)}
}

// IntersectionAreas evaluates to a list of {"label", "area"} objects, one per
// element intersecting region, where label is the element's labelProperty.
// The order of the list is unspecified.
func (c Collection) IntersectionAreas(region Region, labelProperty string, maxError float64) *Expr {
	return call("FeatureCollection.intersectionAreas",
		"collection", c.expr,
		"geometry", region.expr,
		"property", labelProperty,
		"maxError", maxError,
	)
}

// Feature is a single geometry+properties element.
type Feature struct{ expr *Expr }

// NewFeature builds a geometry-less feature. Property values are scalars or
// *Expr references into other graphs.
func NewFeature(props map[string]any) Feature {
	return Feature{call("Feature", "geometry", nil, "metadata", props)}
}

func (f Feature) Expr() *Expr { return f.expr }

func (f Feature) Geometry() Region {
	return Region{call("Feature.geometry", "feature", f.expr)}
}

// Properties evaluates to a dictionary of the named properties.
func (f Feature) Properties(names ...string) Dict {
	return Dict{call("Feature.toDictionary", "element", f.expr, "properties", names)}
}

// Reducer is an aggregation applied by ReduceRegion or ReduceToVectors.
type Reducer struct{ expr *Expr }

func (r Reducer) Expr() *Expr { return r.expr }

func Mean() Reducer       { return Reducer{call("Reducer.mean")} }
func StdDev() Reducer     { return Reducer{call("Reducer.stdDev")} }
func Count() Reducer      { return Reducer{call("Reducer.count")} }
func CountEvery() Reducer { return Reducer{call("Reducer.countEvery")} }

// Combine runs r and other in a single pass. With sharedInputs both see
// exactly the same pixels.
func (r Reducer) Combine(other Reducer, sharedInputs bool) Reducer {
	return Reducer{call("Reducer.combine", "reducer1", r.expr, "reducer2", other.expr, "sharedInputs", sharedInputs)}
}

// Filter is a predicate over element properties.
type Filter struct{ expr *Expr }

func (f Filter) Expr() *Expr { return f.expr }

func Eq(property string, value any) Filter {
	return Filter{call("Filter.equals", "leftField", property, "rightValue", value)}
}

func Neq(property string, value any) Filter {
	return Filter{call("Filter.notEquals", "leftField", property, "rightValue", value)}
}

func Gte(property string, value float64) Filter {
	return Filter{call("Filter.greaterThanOrEquals", "leftField", property, "rightValue", value)}
}

func InList(property string, values []string) Filter {
	return Filter{call("Filter.listContains", "leftValue", values, "rightField", property)}
}

func Not(f Filter) Filter { return Filter{call("Filter.not", "filter", f.expr)} }

func And(filters ...Filter) Filter {
	exprs := make([]*Expr, len(filters))
	for i, f := range filters {
		exprs[i] = f.expr
	}
	return Filter{call("Filter.and", "filters", exprs)}
}

// Dict is a lazily evaluated string-keyed dictionary.
type Dict struct{ expr *Expr }

func (d Dict) Expr() *Expr { return d.expr }

// Get references one value of the dictionary; missing keys evaluate to null.
func (d Dict) Get(key string) *Expr {
	return call("Dictionary.get", "dictionary", d.expr, "key", key)
}

// GetOr references one value, falling back to def when key is absent.
func (d Dict) GetOr(key string, def any) *Expr {
	return call("Dictionary.get", "dictionary", d.expr, "key", key, "defaultValue", def)
}

// ReduceRequest is one region reduction: (image, reducer, region, scale, maxPixels).
type ReduceRequest struct {
	Image     Raster
	Reducer   Reducer
	Region    Region
	Scale     float64
	MaxPixels float64
}

// Expr returns the reduction as a dictionary-valued graph.
func (q ReduceRequest) Expr() *Expr {
	return call("Image.reduceRegion",
		"image", q.Image.expr,
		"reducer", q.Reducer.expr,
		"geometry", q.Region.expr,
		"scale", q.Scale,
		"maxPixels", q.MaxPixels,
	)
}

// Dict returns the unevaluated result of the reduction.
func (q ReduceRequest) Dict() Dict { return Dict{q.Expr()} }

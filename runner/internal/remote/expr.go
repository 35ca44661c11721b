package remote

import (
	"encoding/json"
	"sort"
)

// Expr is one node of a lazily evaluated computation graph. Building an Expr
// never performs I/O; a graph is only evaluated when it is handed to a
// Client. Args values are scalars, slices, maps or nested *Expr nodes.
//
// The JSON encoding is canonical: encoding/json writes map keys in sorted
// order, so equal graphs always encode to equal bytes.
type Expr struct {
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// call builds an Expr from alternating key/value pairs. Nil values are dropped.
func call(op string, kv ...any) *Expr {
	e := &Expr{Op: op}
	if len(kv) == 0 {
		return e
	}
	e.Args = make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := kv[i].(string)
		if v := kv[i+1]; v != nil {
			e.Args[key] = v
		}
	}
	return e
}

// Var references a parameter bound by an enclosing Map.
func Var(name string) *Expr { return call("Var", "name", name) }

// String returns the canonical JSON encoding of the graph.
func (e *Expr) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return "<invalid expr: " + err.Error() + ">"
	}
	return string(b)
}

// Equal reports whether two graphs encode identically.
func (e *Expr) Equal(o *Expr) bool {
	return e.String() == o.String()
}

// Arg returns the nested node stored under key, or nil.
func (e *Expr) Arg(key string) *Expr {
	if e == nil {
		return nil
	}
	sub, _ := e.Args[key].(*Expr)
	return sub
}

// Walk visits e and every nested node depth-first, in sorted argument order.
// Returning false from fn stops descent below the current node.
func (e *Expr) Walk(fn func(*Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, k := range sortedKeys(e.Args) {
		walkValue(e.Args[k], fn)
	}
}

func walkValue(v any, fn func(*Expr) bool) {
	switch t := v.(type) {
	case *Expr:
		t.Walk(fn)
	case []any:
		for _, x := range t {
			walkValue(x, fn)
		}
	case []*Expr:
		for _, x := range t {
			x.Walk(fn)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			walkValue(t[k], fn)
		}
	}
}

// Count returns how many nodes in the graph have the given op.
func (e *Expr) Count(op string) int {
	n := 0
	e.Walk(func(x *Expr) bool {
		if x.Op == op {
			n++
		}
		return true
	})
	return n
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

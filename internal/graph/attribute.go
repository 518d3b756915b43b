package graph

import (
	"cmp"
	"maps"
	"slices"
)

// Key is a namespaced attribute name.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "." + k.Name
}

func (k Key) compare(o Key) int {
	if c := cmp.Compare(k.Namespace, o.Namespace); c != 0 {
		return c
	}
	return cmp.Compare(k.Name, o.Name)
}

// Attribute is a typed value with display metadata.
type Attribute struct {
	Value  Value
	Hint   string
	Hidden bool
}

func (a Attribute) Equal(o Attribute) bool {
	return a.Hint == o.Hint && a.Hidden == o.Hidden && a.Value.Equal(o.Value)
}

// Attributes maps namespaced keys to attributes. The zero value is empty and
// ready for Set.
type Attributes struct {
	m map[Key]Attribute
}

func (a *Attributes) Set(ns, name string, attr Attribute) {
	if a.m == nil {
		a.m = make(map[Key]Attribute)
	}
	attr.Value = attr.Value.clone()
	a.m[Key{ns, name}] = attr
}

// SetValue is Set for a visible attribute without a hint.
func (a *Attributes) SetValue(ns, name string, v Value) {
	a.Set(ns, name, Attribute{Value: v})
}

func (a Attributes) Get(ns, name string) (Attribute, bool) {
	attr, ok := a.m[Key{ns, name}]
	return attr, ok
}

func (a *Attributes) Delete(ns, name string) bool {
	k := Key{ns, name}
	if _, ok := a.m[k]; !ok {
		return false
	}
	delete(a.m, k)
	return true
}

// DeleteNamespace removes every attribute in ns and returns how many were removed.
func (a *Attributes) DeleteNamespace(ns string) int {
	n := 0
	for k := range a.m {
		if k.Namespace == ns {
			delete(a.m, k)
			n++
		}
	}
	return n
}

func (a Attributes) Len() int { return len(a.m) }

// Keys returns every key sorted by namespace then name.
func (a Attributes) Keys() []Key {
	keys := slices.Collect(maps.Keys(a.m))
	slices.SortFunc(keys, Key.compare)
	return keys
}

// Find returns the sorted keys that match ns (empty matches any) and, when
// hint is non-nil, carry that hint.
func (a Attributes) Find(ns string, hint *string) []Key {
	var out []Key
	for _, k := range a.Keys() {
		if ns != "" && k.Namespace != ns {
			continue
		}
		if hint != nil && a.m[k].Hint != *hint {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (a Attributes) Clone() Attributes {
	if a.m == nil {
		return Attributes{}
	}
	c := Attributes{m: make(map[Key]Attribute, len(a.m))}
	for k, v := range a.m {
		v.Value = v.Value.clone()
		c.m[k] = v
	}
	return c
}

func (a Attributes) Equal(o Attributes) bool {
	return maps.EqualFunc(a.m, o.m, Attribute.Equal)
}

// Map flattens visible attributes to "namespace.name" -> plain Go value.
func (a Attributes) Map() map[string]any {
	out := make(map[string]any, len(a.m))
	for k, v := range a.m {
		if v.Hidden {
			continue
		}
		out[k.String()] = v.Value.Interface()
	}
	return out
}

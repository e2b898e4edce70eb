// Package schema declares versioned attribute sets of persisted objects. Each object class
// publishes a Schema with its version and items, the streamer uses it to encode tagged fields
// and to fill defaults for attributes missing from older records.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Version of a schema, stored with every serialized object
type Version struct {
	Major int
	Minor int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion parses "major.minor" string
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 2 {
		return Version{}, fmt.Errorf("invalid version %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("invalid major version in %q: %w", s, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, fmt.Errorf("invalid minor version in %q: %w", s, err)
	}
	return Version{Major: major, Minor: minor}, nil
}

// Kind is a type constraint of a schema item
type Kind int

// enum of supported item kinds
const (
	KindString      Kind = iota // string
	KindInt                     // int
	KindBool                    // bool
	KindFloat                   // float64
	KindStrings                 // []string
	KindInts                    // []int
	KindStringMap               // map[string]string
	KindStringTable             // [][]string
	KindObject                  // Object, nil allowed
	KindObjects                 // []Object
)

var kindNames = map[Kind]string{
	KindString: "string", KindInt: "int", KindBool: "bool", KindFloat: "float",
	KindStrings: "strings", KindInts: "ints", KindStringMap: "stringmap",
	KindStringTable: "stringtable", KindObject: "object", KindObjects: "objects",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Item describes a single persisted attribute
type Item struct {
	Name       string
	Kind       Kind
	Default    any
	Comparable bool   // participates in Equal
	Category   string // for object kinds, required category of nested objects, empty for any
}

// Fields holds attribute values keyed by item name
type Fields map[string]any

// Object is implemented by every persisted class
type Object interface {
	Schema() *Schema
	Fields() Fields
	SetFields(f Fields) error
}

// Schema is a versioned set of items for a class identified by category and name
type Schema struct {
	Category string
	Name     string
	Version  Version
	Items    []Item
	index    map[string]int
}

// ConfigError reported for malformed schema definitions
type ConfigError struct {
	Schema string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
}

// New makes schema and validates all items. Fails on empty names, duplicates and defaults
// not matching the declared kind.
func New(category, name string, version Version, items ...Item) (*Schema, error) {
	key := category + "/" + name
	if strings.TrimSpace(category) == "" || strings.TrimSpace(name) == "" {
		return nil, &ConfigError{Schema: key, Reason: "category and name are required"}
	}
	if version.Major < 1 || version.Minor < 0 {
		return nil, &ConfigError{Schema: key, Reason: fmt.Sprintf("invalid version %s", version)}
	}
	s := &Schema{Category: category, Name: name, Version: version, index: make(map[string]int, len(items))}
	for i, it := range items {
		if strings.TrimSpace(it.Name) == "" {
			return nil, &ConfigError{Schema: key, Reason: fmt.Sprintf("item %d has no name", i)}
		}
		if _, dup := s.index[it.Name]; dup {
			return nil, &ConfigError{Schema: key, Reason: fmt.Sprintf("duplicated item %q", it.Name)}
		}
		if _, ok := kindNames[it.Kind]; !ok {
			return nil, &ConfigError{Schema: key, Reason: fmt.Sprintf("item %q has unknown kind %d", it.Name, it.Kind)}
		}
		if err := Check(it.Kind, it.Default); err != nil {
			return nil, &ConfigError{Schema: key, Reason: fmt.Sprintf("item %q default: %v", it.Name, err)}
		}
		s.index[it.Name] = i
		s.Items = append(s.Items, it)
	}
	return s, nil
}

// MustNew makes schema or panics, used for package level class definitions
func MustNew(category, name string, version Version, items ...Item) *Schema {
	s, err := New(category, name, version, items...)
	if err != nil {
		panic(err)
	}
	return s
}

// Key returns "category/name"
func (s *Schema) Key() string {
	return s.Category + "/" + s.Name
}

// Item returns item by name
func (s *Schema) Item(name string) (Item, bool) {
	i, ok := s.index[name]
	if !ok {
		return Item{}, false
	}
	return s.Items[i], true
}

// Defaults returns a fresh copy of all default values
func (s *Schema) Defaults() Fields {
	res := make(Fields, len(s.Items))
	for _, it := range s.Items {
		res[it.Name] = zeroIfNil(it.Kind, copyValue(it.Default))
	}
	return res
}

// Merge returns defaults overridden by stored values. Unknown attributes and values not matching
// the item kind are dropped, their names returned sorted.
func (s *Schema) Merge(stored Fields) (res Fields, dropped []string) {
	res, dropped = s.Defaults(), []string{}
	for name, v := range stored {
		it, ok := s.Item(name)
		if !ok || Check(it.Kind, v) != nil {
			dropped = append(dropped, name)
			continue
		}
		res[name] = zeroIfNil(it.Kind, copyValue(v))
	}
	sort.Strings(dropped)
	return res, dropped
}

// Check verifies value matches kind. Nil is accepted for list, map and object kinds.
func Check(kind Kind, v any) error {
	if v == nil {
		switch kind {
		case KindStrings, KindInts, KindStringMap, KindStringTable, KindObject, KindObjects:
			return nil
		default:
			return fmt.Errorf("nil value for %s", kind)
		}
	}
	ok := false
	switch kind {
	case KindString:
		_, ok = v.(string)
	case KindInt:
		_, ok = v.(int)
	case KindBool:
		_, ok = v.(bool)
	case KindFloat:
		_, ok = v.(float64)
	case KindStrings:
		_, ok = v.([]string)
	case KindInts:
		_, ok = v.([]int)
	case KindStringMap:
		_, ok = v.(map[string]string)
	case KindStringTable:
		_, ok = v.([][]string)
	case KindObject:
		_, ok = v.(Object)
	case KindObjects:
		_, ok = v.([]Object)
	}
	if !ok {
		return fmt.Errorf("value of type %T doesn't match %s", v, kind)
	}
	return nil
}

// Equal compares two objects by comparable items only, nested objects compared recursively
func Equal(a, b Object) bool {
	if IsNil(a) || IsNil(b) {
		return IsNil(a) && IsNil(b)
	}
	sa, sb := a.Schema(), b.Schema()
	if sa.Key() != sb.Key() {
		return false
	}
	fa, fb := a.Fields(), b.Fields()
	for _, it := range sa.Items {
		if !it.Comparable {
			continue
		}
		if !valuesEqual(it.Kind, fa[it.Name], fb[it.Name]) {
			return false
		}
	}
	return true
}

// IsNil detects nil objects, including typed nil pointers wrapped in the interface
func IsNil(o Object) bool {
	if o == nil {
		return true
	}
	v := reflect.ValueOf(o)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

func valuesEqual(kind Kind, a, b any) bool {
	switch kind {
	case KindObject:
		oa, _ := a.(Object)
		ob, _ := b.(Object)
		return Equal(oa, ob)
	case KindObjects:
		la, _ := a.([]Object)
		lb, _ := b.([]Object)
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !Equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	case KindStrings, KindInts, KindStringMap, KindStringTable:
		va, vb := reflect.ValueOf(zeroIfNil(kind, a)), reflect.ValueOf(zeroIfNil(kind, b))
		if va.Len() == 0 && vb.Len() == 0 {
			return true
		}
		return reflect.DeepEqual(va.Interface(), vb.Interface())
	default:
		return a == b
	}
}

// zeroIfNil replaces nil with empty value of the kind, so lists and maps are never nil
func zeroIfNil(kind Kind, v any) any {
	if v != nil {
		return v
	}
	switch kind {
	case KindStrings:
		return []string{}
	case KindInts:
		return []int{}
	case KindStringMap:
		return map[string]string{}
	case KindStringTable:
		return [][]string{}
	case KindObjects:
		return []Object{}
	}
	return nil
}

// copyValue makes a shallow copy of mutable containers, objects are shared
func copyValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...)
	case []int:
		return append([]int{}, t...)
	case map[string]string:
		res := make(map[string]string, len(t))
		for k, val := range t {
			res[k] = val
		}
		return res
	case [][]string:
		res := make([][]string, 0, len(t))
		for _, row := range t {
			res = append(res, append([]string{}, row...))
		}
		return res
	case []Object:
		return append([]Object{}, t...)
	}
	return v
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pointSchema = MustNew("shapes", "Point", Version{Major: 1, Minor: 2},
	Item{Name: "x", Kind: KindInt, Default: 0, Comparable: true},
	Item{Name: "y", Kind: KindInt, Default: 0, Comparable: true},
	Item{Name: "label", Kind: KindString, Default: "none"},
	Item{Name: "tags", Kind: KindStrings, Comparable: true},
	Item{Name: "next", Kind: KindObject, Category: "shapes", Comparable: true},
)

type point struct {
	X, Y  int
	Label string
	Tags  []string
	Next  *point
}

func (p *point) Schema() *Schema { return pointSchema }

func (p *point) Fields() Fields {
	f := Fields{"x": p.X, "y": p.Y, "label": p.Label, "tags": p.Tags, "next": nil}
	if p.Next != nil {
		f["next"] = p.Next
	}
	return f
}

func (p *point) SetFields(f Fields) error {
	p.X, p.Y, p.Label, p.Tags = f.Int("x"), f.Int("y"), f.String("label"), f.Strings("tags")
	p.Next = nil
	if n, ok := f.Object("next").(*point); ok {
		p.Next = n
	}
	return nil
}

func TestNew(t *testing.T) {
	tbl := []struct {
		name     string
		category string
		version  Version
		items    []Item
		err      string
	}{
		{name: "ok", category: "c", version: Version{1, 0}, items: []Item{{Name: "a", Kind: KindInt, Default: 1}}},
		{name: "no category", category: "", version: Version{1, 0}, err: "schema /ok: category and name are required"},
		{name: "bad version", category: "c", version: Version{0, 1}, err: "schema c/ok: invalid version 0.1"},
		{name: "no item name", category: "c", version: Version{1, 0}, items: []Item{{Kind: KindInt, Default: 1}},
			err: "schema c/ok: item 0 has no name"},
		{name: "dup item", category: "c", version: Version{1, 0},
			items: []Item{{Name: "a", Kind: KindInt, Default: 1}, {Name: "a", Kind: KindString, Default: ""}},
			err:   `schema c/ok: duplicated item "a"`},
		{name: "bad default", category: "c", version: Version{1, 0}, items: []Item{{Name: "a", Kind: KindInt, Default: "1"}},
			err: `schema c/ok: item "a" default: value of type string doesn't match int`},
		{name: "nil scalar default", category: "c", version: Version{1, 0}, items: []Item{{Name: "a", Kind: KindBool}},
			err: `schema c/ok: item "a" default: nil value for bool`},
		{name: "unknown kind", category: "c", version: Version{1, 0}, items: []Item{{Name: "a", Kind: Kind(99)}},
			err: `schema c/ok: item "a" has unknown kind 99`},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.category, "ok", tt.version, tt.items...)
			if tt.err != "" {
				require.Error(t, err)
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "c/ok", s.Key())
		})
	}

	assert.Panics(t, func() { MustNew("c", "bad", Version{}) })
}

func TestSchema_Defaults(t *testing.T) {
	d1 := pointSchema.Defaults()
	assert.Equal(t, Fields{"x": 0, "y": 0, "label": "none", "tags": []string{}, "next": nil}, d1)

	d1["tags"] = append(d1["tags"].([]string), "changed")
	d2 := pointSchema.Defaults()
	assert.Equal(t, []string{}, d2["tags"], "defaults are fresh copies")
}

func TestSchema_Merge(t *testing.T) {
	res, dropped := pointSchema.Merge(Fields{"x": 5, "y": "bad", "color": "red", "tags": []string{"a"}})
	assert.Equal(t, Fields{"x": 5, "y": 0, "label": "none", "tags": []string{"a"}, "next": nil}, res)
	assert.Equal(t, []string{"color", "y"}, dropped)

	res, dropped = pointSchema.Merge(nil)
	assert.Equal(t, pointSchema.Defaults(), res)
	assert.Empty(t, dropped)
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion(" 2.11 ")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 2, Minor: 11}, v)
	assert.Equal(t, "2.11", v.String())

	for _, s := range []string{"", "1", "1.2.3", "a.1", "1.b"} {
		_, err := ParseVersion(s)
		assert.Error(t, err, s)
	}
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(KindString, "s"))
	assert.NoError(t, Check(KindFloat, 1.5))
	assert.NoError(t, Check(KindStringTable, [][]string{{"a"}}))
	assert.NoError(t, Check(KindObject, &point{}))
	assert.NoError(t, Check(KindObjects, []Object{&point{}}))
	assert.NoError(t, Check(KindStringMap, nil))
	assert.Error(t, Check(KindInt, 1.5))
	assert.Error(t, Check(KindFloat, 1))
	assert.Error(t, Check(KindObject, "obj"))
	assert.Error(t, Check(KindString, nil))
}

func TestEqual(t *testing.T) {
	a := &point{X: 1, Y: 2, Label: "a", Tags: nil, Next: &point{X: 3}}
	b := &point{X: 1, Y: 2, Label: "b", Tags: []string{}, Next: &point{X: 3, Label: "other"}}
	assert.True(t, Equal(a, b), "label is not comparable, nil and empty tags are equal")

	b.Next.X = 4
	assert.False(t, Equal(a, b), "nested objects compared")

	b.Next = nil
	assert.False(t, Equal(a, b))
	a.Next = nil
	assert.True(t, Equal(a, b))

	var np *point
	assert.True(t, Equal(nil, np), "typed nil is nil")
	assert.False(t, Equal(a, np))
}

func TestCatalog(t *testing.T) {
	c := NewCatalog().MustRegister(func() Object { return &point{} })

	obj, err := c.New("shapes", "Point")
	require.NoError(t, err)
	assert.IsType(t, &point{}, obj)

	_, err = c.New("shapes", "Circle")
	assert.EqualError(t, err, "unknown class shapes/Circle")

	err = c.Register(func() Object { return &point{} })
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "shapes/Point", cfgErr.Schema)

	err = c.Register(func() Object { return (*point)(nil) })
	assert.Error(t, err, "nil object")

	assert.Equal(t, []string{"Point"}, c.Names("shapes"))
	assert.Empty(t, c.Names("other"))
}

func TestFields(t *testing.T) {
	f := Fields{"s": "str", "i": 5, "b": true, "fl": 1.5, "ss": []string{"a"}, "is": []int{1},
		"m": map[string]string{"k": "v"}, "t": [][]string{{"a", "b"}}, "o": &point{X: 1}, "os": []Object{&point{}}}
	assert.Equal(t, "str", f.String("s"))
	assert.Equal(t, 5, f.Int("i"))
	assert.True(t, f.Bool("b"))
	assert.InDelta(t, 1.5, f.Float("fl"), 0.001)
	assert.Equal(t, []string{"a"}, f.Strings("ss"))
	assert.Equal(t, []int{1}, f.Ints("is"))
	assert.Equal(t, map[string]string{"k": "v"}, f.StringMap("m"))
	assert.Equal(t, [][]string{{"a", "b"}}, f.StringTable("t"))
	assert.Equal(t, &point{X: 1}, f.Object("o"))
	assert.Len(t, f.Objects("os"), 1)

	// missing and mistyped give zero values
	assert.Empty(t, f.String("i"))
	assert.Zero(t, f.Int("missing"))
	assert.Equal(t, []string{}, f.Strings("missing"))
	assert.Equal(t, [][]string{}, f.StringTable("missing"))
	assert.Nil(t, f.Object("missing"))

	f.Strings("ss")[0] = "changed"
	assert.Equal(t, []string{"a"}, f["ss"], "accessors return copies")
}

package schema

// typed accessors used by SetFields implementations. Missing or mistyped values give zero value.

// String returns string value
func (f Fields) String(name string) string {
	v, _ := f[name].(string)
	return v
}

// Int returns int value
func (f Fields) Int(name string) int {
	v, _ := f[name].(int)
	return v
}

// Bool returns bool value
func (f Fields) Bool(name string) bool {
	v, _ := f[name].(bool)
	return v
}

// Float returns float64 value
func (f Fields) Float(name string) float64 {
	v, _ := f[name].(float64)
	return v
}

// Strings returns copy of []string value
func (f Fields) Strings(name string) []string {
	v, _ := f[name].([]string)
	return append([]string{}, v...)
}

// Ints returns copy of []int value
func (f Fields) Ints(name string) []int {
	v, _ := f[name].([]int)
	return append([]int{}, v...)
}

// StringMap returns copy of map[string]string value
func (f Fields) StringMap(name string) map[string]string {
	v, _ := f[name].(map[string]string)
	res := make(map[string]string, len(v))
	for k, val := range v {
		res[k] = val
	}
	return res
}

// StringTable returns copy of [][]string value
func (f Fields) StringTable(name string) [][]string {
	v, _ := f[name].([][]string)
	return copyValue(v).([][]string)
}

// Object returns nested object, nil if not set
func (f Fields) Object(name string) Object {
	v, _ := f[name].(Object)
	if IsNil(v) {
		return nil
	}
	return v
}

// Objects returns copy of nested objects list
func (f Fields) Objects(name string) []Object {
	v, _ := f[name].([]Object)
	return append([]Object{}, v...)
}

// Package stream serializes schema objects to bytes and back. Every object is written as an
// envelope with its category, class name, schema version and one tagged value per schema item.
// Nested objects are envelopes as well. Back-references are never part of Fields, so the graph
// written is always a tree.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/ganga/app/schema"
)

type envelope struct {
	Category string                     `json:"category"`
	Name     string                     `json:"name"`
	Version  string                     `json:"version"`
	Data     map[string]json.RawMessage `json:"data"`
}

var null = []byte("null")

// Streamer converts objects to and from the stream format, classes resolved via catalog
type Streamer struct {
	catalog *schema.Catalog
}

// New makes streamer for given catalog
func New(catalog *schema.Catalog) *Streamer {
	return &Streamer{catalog: catalog}
}

// ToStream serializes object. Errors are logged with the object representation and returned.
func (s *Streamer) ToStream(obj schema.Object) ([]byte, error) {
	env, err := s.encode(obj)
	if err != nil {
		log.Printf("[WARN] can't serialize %+v, %v", obj, err)
		return nil, fmt.Errorf("failed to serialize: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[WARN] can't marshal %+v, %v", obj, err)
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	return data, nil
}

// FromStream makes object from serialized data. Attributes missing from the data get schema
// defaults, unknown attributes are dropped.
func (s *Streamer) FromStream(data []byte) (schema.Object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty stream")
	}
	env := envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return s.decode(&env)
}

// Clone makes a deep copy of the object via stream round trip
func (s *Streamer) Clone(obj schema.Object) (schema.Object, error) {
	data, err := s.ToStream(obj)
	if err != nil {
		return nil, err
	}
	return s.FromStream(data)
}

func (s *Streamer) encode(obj schema.Object) (*envelope, error) {
	if schema.IsNil(obj) {
		return nil, fmt.Errorf("nil object")
	}
	sch := obj.Schema()
	fields := obj.Fields()
	env := &envelope{Category: sch.Category, Name: sch.Name, Version: sch.Version.String(),
		Data: make(map[string]json.RawMessage, len(sch.Items))}

	for _, it := range sch.Items {
		v, ok := fields[it.Name]
		if !ok {
			v = it.Default
		}
		if err := schema.Check(it.Kind, v); err != nil {
			return nil, fmt.Errorf("attribute %s.%s: %w", sch.Key(), it.Name, err)
		}
		raw, err := s.encodeValue(it, v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s.%s: %w", sch.Key(), it.Name, err)
		}
		env.Data[it.Name] = raw
	}
	return env, nil
}

func (s *Streamer) encodeValue(it schema.Item, v any) (json.RawMessage, error) {
	switch it.Kind {
	case schema.KindObject:
		obj, _ := v.(schema.Object)
		if schema.IsNil(obj) {
			return null, nil
		}
		env, err := s.encode(obj)
		if err != nil {
			return nil, err
		}
		return json.Marshal(env)
	case schema.KindObjects:
		objs, _ := v.([]schema.Object)
		envs := make([]*envelope, 0, len(objs))
		for i, obj := range objs {
			env, err := s.encode(obj)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			envs = append(envs, env)
		}
		return json.Marshal(envs)
	}
	return json.Marshal(v)
}

func (s *Streamer) decode(env *envelope) (schema.Object, error) {
	obj, err := s.catalog.New(env.Category, env.Name)
	if err != nil {
		return nil, err
	}
	sch := obj.Schema()
	stored, err := schema.ParseVersion(env.Version)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sch.Key(), err)
	}
	sameVersion := stored == sch.Version
	if !sameVersion {
		log.Printf("[DEBUG] migrate %s from schema %s to %s", sch.Key(), stored, sch.Version)
	}

	decoded := schema.Fields{}
	for _, it := range sch.Items {
		raw, ok := env.Data[it.Name]
		if !ok {
			continue // default
		}
		v, err := s.decodeValue(it, raw)
		if err != nil {
			if sameVersion {
				return nil, fmt.Errorf("attribute %s.%s: %w", sch.Key(), it.Name, err)
			}
			log.Printf("[WARN] can't decode %s.%s stored with schema %s, use default, %v", sch.Key(), it.Name, stored, err)
			continue
		}
		decoded[it.Name] = v
	}
	for name := range env.Data {
		if _, ok := sch.Item(name); !ok {
			log.Printf("[DEBUG] drop unknown attribute %s.%s (schema %s)", sch.Key(), name, stored)
		}
	}
	fields, _ := sch.Merge(decoded)

	if err := obj.SetFields(fields); err != nil {
		return nil, fmt.Errorf("can't set fields of %s: %w", sch.Key(), err)
	}
	return obj, nil
}

func (s *Streamer) decodeValue(it schema.Item, raw json.RawMessage) (any, error) {
	isNull := bytes.Equal(bytes.TrimSpace(raw), null)
	switch it.Kind {
	case schema.KindString:
		var v string
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindInt:
		var v int
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindBool:
		var v bool
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindFloat:
		var v float64
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindStrings:
		v := []string{}
		if isNull {
			return v, nil
		}
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindInts:
		v := []int{}
		if isNull {
			return v, nil
		}
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindStringMap:
		v := map[string]string{}
		if isNull {
			return v, nil
		}
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindStringTable:
		v := [][]string{}
		if isNull {
			return v, nil
		}
		err := json.Unmarshal(raw, &v)
		return v, err
	case schema.KindObject:
		if isNull {
			return nil, nil
		}
		return s.decodeNested(it, raw)
	case schema.KindObjects:
		res := []schema.Object{}
		if isNull {
			return res, nil
		}
		var raws []json.RawMessage
		if err := json.Unmarshal(raw, &raws); err != nil {
			return nil, err
		}
		for i, r := range raws {
			obj, err := s.decodeNested(it, r)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			res = append(res, obj)
		}
		return res, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", it.Kind)
}

func (s *Streamer) decodeNested(it schema.Item, raw json.RawMessage) (schema.Object, error) {
	env := envelope{}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if it.Category != "" && env.Category != it.Category {
		return nil, fmt.Errorf("expected category %s, got %s", it.Category, env.Category)
	}
	return s.decode(&env)
}

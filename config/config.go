// Package config loads tag declarations from YAML and applies them to a
// Registry. A declaration names a tag and its options:
//
//	PumpSpeed:
//	  type: float
//	  desc: Discharge pump speed setpoint
//	  units: rpm
//	  min: 0
//	  max: 1450
//	  dp: 1
//	  init: 750
//	MotorState:
//	  multi: [Stopped, Running, Fault]
//
// type is one of int, float, str, bytes, dict or list; a multi list
// implies int; a missing type means float. Init values are applied
// before any bus connection exists, so they are arbitrated against the
// bus by the ordinary stale-write rule once connected.
package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mscada/tagbus/tag"
	"github.com/mscada/tagbus/wire"
)

// A Decl is the YAML declaration of one tag.
type Decl struct {
	Type   string      `yaml:"type"`
	Desc   string      `yaml:"desc"`
	Units  string      `yaml:"units"`
	Min    *float64    `yaml:"min"`
	Max    *float64    `yaml:"max"`
	DP     *int        `yaml:"dp"`
	Multi  []string    `yaml:"multi"`
	Init   interface{} `yaml:"init"`
	Format string      `yaml:"format"`
}

// Tags maps tag name to declaration.
type Tags map[string]Decl

// Load reads and parses a declaration file.
func Load(path string) (Tags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses declaration YAML.
func Parse(data []byte) (Tags, error) {
	var tags Tags
	if err := yaml.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	for name, d := range tags {
		if _, err := d.kind(); err != nil {
			return nil, fmt.Errorf("config: tag %q: %v", name, err)
		}
	}
	return tags, nil
}

// kind maps the declared type to a wire kind. A multi list implies int;
// a missing type means float.
func (d Decl) kind() (wire.Kind, error) {
	if len(d.Multi) > 0 {
		if d.Type != "" && d.Type != "int" {
			return 0, fmt.Errorf("multi requires type int, not %q", d.Type)
		}
		return wire.KindInt64, nil
	}
	switch d.Type {
	case "int":
		return wire.KindInt64, nil
	case "float", "":
		return wire.KindFloat64, nil
	case "str":
		return wire.KindText, nil
	case "bytes":
		return wire.KindBytes, nil
	case "dict", "list":
		return wire.KindJSON, nil
	}
	return 0, fmt.Errorf("unknown type %q", d.Type)
}

// initValue converts a YAML init value to the declared kind.
func initValue(init interface{}, kind wire.Kind) (wire.Value, error) {
	if init == nil {
		return wire.Null, nil
	}
	switch kind {
	case wire.KindInt64:
		if n, ok := init.(int); ok {
			return wire.Int(int64(n)), nil
		}
	case wire.KindFloat64:
		switch n := init.(type) {
		case int:
			return wire.Float(float64(n)), nil
		case float64:
			return wire.Float(n), nil
		}
	case wire.KindText:
		if s, ok := init.(string); ok {
			return wire.Text(s), nil
		}
	case wire.KindBytes:
		if s, ok := init.(string); ok {
			return wire.Bytes([]byte(s)), nil
		}
	case wire.KindJSON:
		return wire.JSONValue(init), nil
	}
	return wire.Null, fmt.Errorf("init value %v (%T) does not fit the declared type", init, init)
}

// Apply creates every declared tag in reg, attaches its metadata and
// applies its init value. Tags are created in name order so bus
// registration traffic is deterministic.
func (tags Tags) Apply(reg *tag.Registry) error {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := tags[name]
		kind, err := d.kind()
		if err != nil {
			return fmt.Errorf("config: tag %q: %v", name, err)
		}
		t, err := reg.Tag(name, kind)
		if err != nil {
			return fmt.Errorf("config: tag %q: %v", name, err)
		}
		t.Desc = d.Desc
		t.Units = d.Units
		t.Format = d.Format
		t.Min = d.Min
		t.Max = d.Max
		switch {
		case d.DP != nil:
			t.DP = *d.DP
		case kind == wire.KindFloat64:
			t.DP = 2
		default:
			t.DP = 0
		}
		if len(d.Multi) > 0 {
			if err := t.SetMulti(d.Multi); err != nil {
				return fmt.Errorf("config: tag %q: %v", name, err)
			}
		}
		v, err := initValue(d.Init, kind)
		if err != nil {
			return fmt.Errorf("config: tag %q: %v", name, err)
		}
		if !v.IsNull() {
			if err := t.Set(v); err != nil {
				return fmt.Errorf("config: tag %q: %v", name, err)
			}
		}
	}
	return nil
}

package experiment

import (
	"fmt"
	"math"
)

// Params is one expanded parameter set. Numbers come from JSON and are
// float64; integer parameters must hold integral values.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("parameter %s: expected a number, got %T", key, v)
}

func (p Params) Int(key string, def int) (int, error) {
	if !p.Has(key) {
		return def, nil
	}
	f, err := p.Float(key, 0)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("parameter %s: expected an integer, got %v", key, f)
	}
	return int(f), nil
}

// Bool accepts booleans and numbers, zero meaning false.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case int:
		return b != 0, nil
	}
	return false, fmt.Errorf("parameter %s: expected a boolean, got %T", key, v)
}

func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s: expected a string, got %T", key, v)
	}
	return s, nil
}

func (p Params) Floats(key string, def []float64) ([]float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("parameter %s: expected a list, got %T", key, v)
	}
	out := make([]float64, len(list))
	for i := range list {
		f, err := Params{key: list[i]}.Float(key, 0)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (p Params) Ints(key string, def []int) ([]int, error) {
	if !p.Has(key) {
		return def, nil
	}
	fs, err := p.Floats(key, nil)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("parameter %s: expected integers, got %v", key, f)
		}
		out[i] = int(f)
	}
	return out, nil
}

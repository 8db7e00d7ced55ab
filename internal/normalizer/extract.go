package normalizer

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// fields is one decoded JSON object of a venue payload.
//
// Every accessor takes the candidate keys in precedence order: the wire
// abbreviation first, then verbose aliases. The first key that is present with
// a non-null value decides the result, even when that value cannot be
// coerced; later keys are only consulted when earlier ones are absent (or, for
// strings, empty). When no key is present the type default is returned.
type fields map[string]interface{}

func (f fields) lookup(keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := f[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// float coerces numbers and numeric strings to float64. Absent, unparsable
// and non-finite input yields 0.
func (f fields) float(keys ...string) float64 {
	v, ok := f.lookup(keys...)
	if !ok {
		return 0
	}
	return toFloat(v)
}

func toFloat(v interface{}) float64 {
	var out float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		out = parsed
	case float64:
		out = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		out = parsed
	default:
		return 0
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return 0
	}
	return out
}

// int coerces ids and millisecond timestamps to int64. Fractional input is
// truncated.
func (f fields) int(keys ...string) int64 {
	v, ok := f.lookup(keys...)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return int64(toFloat(n))
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
		return int64(toFloat(n))
	default:
		return int64(toFloat(n))
	}
}

// str returns the first non-empty string value. An empty string is treated
// like an absent key, so a verbose alias can still supply the value; def is
// returned when no key yields one. Numbers are rendered in their wire form.
func (f fields) str(def string, keys ...string) string {
	for _, k := range keys {
		v, ok := f.lookup(k)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case json.Number:
			return t.String()
		default:
			return def
		}
	}
	return def
}

// boolean accepts JSON booleans and "true"/"false" strings; anything else is
// false.
func (f fields) boolean(keys ...string) bool {
	v, ok := f.lookup(keys...)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	default:
		return false
	}
}

// object returns the nested object under the first present key, or nil.
func (f fields) object(keys ...string) fields {
	v, ok := f.lookup(keys...)
	if !ok {
		return nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return fields(m)
	}
	return nil
}

// objects returns the object elements of the array under the first present
// key. Non-object elements are skipped.
func (f fields) objects(keys ...string) []fields {
	v, ok := f.lookup(keys...)
	if !ok {
		return nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]fields, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, fields(m))
		}
	}
	return out
}

// levels returns the [price, quantity] pairs of a depth side. Malformed
// entries are skipped.
func (f fields) levels(keys ...string) [][2]float64 {
	v, ok := f.lookup(keys...)
	if !ok {
		return [][2]float64{}
	}
	list, ok := v.([]interface{})
	if !ok {
		return [][2]float64{}
	}
	out := make([][2]float64, 0, len(list))
	for _, item := range list {
		pair, ok := item.([]interface{})
		if !ok || len(pair) < 2 {
			continue
		}
		out = append(out, [2]float64{toFloat(pair[0]), toFloat(pair[1])})
	}
	return out
}

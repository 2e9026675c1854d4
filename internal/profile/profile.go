// Package profile holds the pushable brewing-profile document model:
// parsing, validation, device-side normalization, and the drift
// comparator used to decide whether a device copy diverged from the
// workspace template.
//
// Profiles are hand-authored JSON, so the package works on generic
// decoded documents rather than a rigid struct. A rigid struct would
// silently drop author-added fields on the push path, and the next
// drift comparison would then flag the device copy forever.
package profile

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// TemperatureMin and TemperatureMax bound pushable profile
	// temperatures in degrees Celsius, both inclusive.
	TemperatureMin = 60
	TemperatureMax = 100

	// DefaultTemperature is filled in when a hand-authored profile
	// omits its temperature.
	DefaultTemperature = 93

	// DefaultPressure is the per-phase pump pressure default in bar.
	DefaultPressure = 9
)

// ValidationError reports why a profile cannot be pushed to the device.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "profile not pushable: " + e.Reason
}

// Parse decodes stored profile JSON into a generic document. The top
// level must be a JSON object.
func Parse(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing profile JSON: %w", err)
	}

	return doc, nil
}

// numberOf extracts a finite float64 from a decoded JSON value.
// Returns false for missing, non-numeric, NaN, and infinite values.
func numberOf(v any) (float64, bool) {
	var f float64

	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}

		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}

// Validate reports whether a parsed profile is pushable: a finite
// temperature within [TemperatureMin, TemperatureMax] and at least one
// phase. Both bounds are inclusive.
func Validate(doc map[string]any) error {
	temp, ok := numberOf(doc["temperature"])
	if !ok {
		return &ValidationError{Reason: "temperature missing or not a finite number"}
	}

	if temp < TemperatureMin || temp > TemperatureMax {
		return &ValidationError{Reason: fmt.Sprintf("temperature %g outside [%d, %d]", temp, TemperatureMin, TemperatureMax)}
	}

	phases, ok := doc["phases"].([]any)
	if !ok || len(phases) == 0 {
		return &ValidationError{Reason: "phases missing or empty"}
	}

	return nil
}

// PrepareForDevice returns a deep copy of the profile with every field
// the device API requires filled in. The input document is never
// mutated. Defaults: temperature 93; per phase the kind is "brew"
// unless explicitly "preinfusion", valve is 1 unless explicitly 0, the
// temperature falls back to the profile temperature, and the pump
// targets pressure 9 / flow 0 unless the author said otherwise.
func PrepareForDevice(doc map[string]any) map[string]any {
	out := deepCopy(doc).(map[string]any)

	temp, ok := numberOf(out["temperature"])
	if !ok {
		temp = DefaultTemperature
		out["temperature"] = float64(DefaultTemperature)
	}

	phases, _ := out["phases"].([]any)
	for _, p := range phases {
		phase, ok := p.(map[string]any)
		if !ok {
			continue
		}

		preparePhase(phase, temp)
	}

	return out
}

func preparePhase(phase map[string]any, fallbackTemp float64) {
	if kind, _ := phase["phase"].(string); kind != "preinfusion" {
		phase["phase"] = "brew"
	}

	if v, ok := numberOf(phase["valve"]); !ok || v != 0 {
		phase["valve"] = float64(1)
	}

	if _, ok := numberOf(phase["temperature"]); !ok {
		phase["temperature"] = fallbackTemp
	}

	pump, ok := phase["pump"].(map[string]any)
	if !ok {
		pump = map[string]any{}
		phase["pump"] = pump
	}

	if target, _ := pump["target"].(string); target != "flow" {
		pump["target"] = "pressure"
	}

	if _, ok := numberOf(pump["pressure"]); !ok {
		pump["pressure"] = float64(DefaultPressure)
	}

	if _, ok := numberOf(pump["flow"]); !ok {
		pump["flow"] = float64(0)
	}
}

// deepCopy clones a decoded JSON document.
func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = deepCopy(elem)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = deepCopy(elem)
		}

		return out
	default:
		return v
	}
}

// Identity returns the device identity embedded in a parsed profile,
// or empty if none is stored yet. Numeric identities are accepted and
// rendered in their canonical decimal form.
func Identity(doc map[string]any) string {
	switch id := doc["id"].(type) {
	case string:
		return id
	case float64:
		if id == math.Trunc(id) {
			return fmt.Sprintf("%d", int64(id))
		}

		return fmt.Sprintf("%g", id)
	default:
		return ""
	}
}

// SetIdentity returns a copy of the profile with the device identity
// embedded, leaving the input untouched.
func SetIdentity(doc map[string]any, id string) map[string]any {
	out := deepCopy(doc).(map[string]any)
	out["id"] = id

	return out
}

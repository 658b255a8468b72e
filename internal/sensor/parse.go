// Package sensor turns raw E-Ra IoT payloads into the normalized reading set shown on the billboard.
package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned when a payload does not carry a finite number.
var ErrParse = errors.New("sensor: payload is not a number")

// leadingFloat matches the numeric prefix accepted by lenient float parsing
// ("23.5", "+23.5", "-.5e2", "25.3 C").
var leadingFloat = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// ParseValue converts a raw MQTT payload into a sensor value.
//
// JSON objects prefer the "v" field and fall back to the only key of a
// single-key object. JSON scalars are used as-is. Anything that is not valid
// JSON is parsed as a bare number. String candidates may carry a leading '+'.
func ParseValue(raw []byte) (float64, error) {
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return parseNumericString(string(raw))
	}

	candidate := decoded
	if obj, ok := decoded.(map[string]interface{}); ok {
		if v, has := obj["v"]; has {
			candidate = v
		} else if len(obj) == 1 {
			for _, v := range obj {
				candidate = v
			}
		} else {
			return 0, fmt.Errorf("%w: object without \"v\" has %d keys", ErrParse, len(obj))
		}
	}

	switch v := candidate.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: non-finite value", ErrParse)
		}
		return v, nil
	case string:
		return parseNumericString(v)
	default:
		return 0, fmt.Errorf("%w: unsupported candidate type %T", ErrParse, candidate)
	}
}

// parseNumericString strips the '+' device quirk and parses the numeric prefix.
func parseNumericString(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "+")
	m := leadingFloat.FindString(s)
	if m == "" {
		return 0, fmt.Errorf("%w: %q", ErrParse, truncate(s, 32))
	}
	f, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrParse, m)
	}
	return f, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

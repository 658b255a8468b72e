package sensor

import "github.com/its-billboard/billboard-agent/internal/config"

// AirQuality is the classification shown next to the PM readings.
type AirQuality struct {
	Level        int    `json:"level"`
	Category     string `json:"category"`
	Primary      string `json:"primary,omitempty"`
	PM25Level    int    `json:"pm25Level"`
	PM10Level    int    `json:"pm10Level"`
	HasPollutant bool   `json:"hasData"`
}

var categories = map[int]string{
	1: "good",
	2: "moderate",
	3: "unhealthy_sensitive",
	4: "unhealthy",
	5: "very_unhealthy",
}

// Thresholds holds the inclusive upper bounds of levels 1..4 for each pollutant.
type Thresholds struct {
	PM25 []float64
	PM10 []float64
}

// NewThresholds copies the configured table.
func NewThresholds(aq config.AirQualityConfig) Thresholds {
	return Thresholds{
		PM25: append([]float64(nil), aq.PM25...),
		PM10: append([]float64(nil), aq.PM10...),
	}
}

func level(v float64, bounds []float64) int {
	for i, b := range bounds {
		if v <= b {
			return i + 1
		}
	}
	return len(bounds) + 1
}

// Classify returns the worse of the PM2.5 and PM10 levels. Negative values are ignored.
// With no PM data the result is level 1 with HasPollutant false.
func Classify(r Reading, t Thresholds) AirQuality {
	var aq AirQuality
	if v, ok := r.Value(PM25); ok && v >= 0 {
		aq.PM25Level = level(v, t.PM25)
	}
	if v, ok := r.Value(PM10); ok && v >= 0 {
		aq.PM10Level = level(v, t.PM10)
	}

	aq.Level = max(aq.PM25Level, aq.PM10Level)
	if aq.Level == 0 {
		aq.Level = 1
		aq.Category = categories[1]
		return aq
	}
	aq.HasPollutant = true
	aq.Category = categories[aq.Level]
	if aq.PM25Level >= aq.PM10Level {
		aq.Primary = "PM2.5"
	} else {
		aq.Primary = "PM10"
	}
	return aq
}

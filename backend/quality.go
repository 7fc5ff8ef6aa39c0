package backend

import (
	"fmt"
	"strings"
)

// Quality is a bundle of render settings that can be stepped down to trade
// fidelity for stability.
type Quality uint8

const (
	QualityMinimal Quality = iota
	QualityLow
	QualityMedium
	QualityHigh
)

// Settings are the concrete knobs behind a Quality.
type Settings struct {
	// ResolutionScale multiplies the frame size before rasterization; the
	// result is scaled back up to the requested size.
	ResolutionScale float64 `json:"resolution_scale"`

	// MSAASamples is the sample count for HAL render targets.
	MSAASamples uint32 `json:"msaa_samples"`

	// Filter is the resampling filter used when ResolutionScale < 1.
	Filter string `json:"filter"`

	// MaxPointsPerSeries caps series length; longer series are decimated.
	// Zero means unlimited.
	MaxPointsPerSeries int `json:"max_points_per_series"`
}

var qualitySettings = [...]Settings{
	QualityMinimal: {ResolutionScale: 0.5, MSAASamples: 1, Filter: "nearest", MaxPointsPerSeries: 1000},
	QualityLow:     {ResolutionScale: 0.75, MSAASamples: 1, Filter: "bilinear", MaxPointsPerSeries: 5000},
	QualityMedium:  {ResolutionScale: 1, MSAASamples: 1, Filter: "catmullrom", MaxPointsPerSeries: 20000},
	QualityHigh:    {ResolutionScale: 1, MSAASamples: 4, Filter: "catmullrom", MaxPointsPerSeries: 0},
}

// Settings returns the render settings for q.
func (q Quality) Settings() Settings {
	if int(q) < len(qualitySettings) {
		return qualitySettings[q]
	}
	return qualitySettings[QualityMedium]
}

// Lower returns the next lower quality. It reports false at QualityMinimal.
func (q Quality) Lower() (Quality, bool) {
	if q == QualityMinimal || int(q) >= len(qualitySettings) {
		return q, false
	}
	return q - 1, true
}

// String returns the lowercase quality name.
func (q Quality) String() string {
	switch q {
	case QualityMinimal:
		return "minimal"
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return fmt.Sprintf("Quality(%d)", q)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	v, err := ParseQuality(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// ParseQuality parses a quality name (case-insensitive).
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal":
		return QualityMinimal, nil
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high", "":
		return QualityHigh, nil
	}
	return QualityHigh, fmt.Errorf("backend: unknown quality %q", s)
}

package pipeline

import (
	"time"
)

// AnalysisRequest is the immutable input to one pipeline run. It is owned by
// the orchestrator invocation processing it and must not be shared across runs.
type AnalysisRequest struct {
	ImageRef    string            `json:"image_ref"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocationEstimate is one candidate coordinate with a confidence and rationale.
type LocationEstimate struct {
	Latitude   float64           `json:"latitude"`
	Longitude  float64           `json:"longitude"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning"`
	PlaceName  string            `json:"place_name,omitempty"`
	Country    string            `json:"country,omitempty"`
	Region     string            `json:"region,omitempty"`
	Features   map[string]string `json:"features,omitempty"`
}

// Clamp forces confidence into [0,1] and coordinates into valid ranges.
func (e *LocationEstimate) Clamp() {
	e.Confidence = clamp(e.Confidence, 0, 1)
	e.Latitude = clamp(e.Latitude, -90, 90)
	e.Longitude = clamp(e.Longitude, -180, 180)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Finding is the output of one role for one request. A finding with no
// estimates is a valid low-information result, not an error.
type Finding struct {
	Role      string             `json:"role"`
	Insight   string             `json:"insight"`
	Estimates []LocationEstimate `json:"estimates,omitempty"`
}

// GeoLocationResult is the reconciled pipeline output: one primary estimate
// plus ranked alternatives. Immutable once produced.
type GeoLocationResult struct {
	Primary        LocationEstimate   `json:"primary_location"`
	Alternatives   []LocationEstimate `json:"alternative_locations"`
	ProcessingTime float64            `json:"processing_time_seconds"`
	Insights       map[string]string  `json:"role_insights"`
}

// ProgressFunc receives best-effort progress updates during a run. The
// fraction is in [0,1] and non-decreasing for a single run.
type ProgressFunc func(fraction float64, message string)

func seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

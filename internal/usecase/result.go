package usecase

import (
	"encoding/json"
)

// Error kinds recorded for failed requests.
const (
	KindDecode     = "decode"
	KindDetection  = "detection"
	KindUnexpected = "unexpected"
)

// Detection is one normalised detected region.
type Detection struct {
	Ripeness   string     `json:"ripeness"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

// InferenceResult is the successful outcome of a request. Visualization is
// nil when no annotated image could be produced.
type InferenceResult struct {
	Detections    []Detection `json:"detections"`
	Visualization *string     `json:"visualization"`
}

// ErrorResult replaces InferenceResult when the request failed.
type ErrorResult struct {
	Error string `json:"error"`
	Kind  string `json:"-"`
}

// Outcome holds exactly one of Result or Failure.
type Outcome struct {
	RequestID string
	Result    *InferenceResult
	Failure   *ErrorResult
}

// OK reports whether the request produced an InferenceResult.
func (o Outcome) OK() bool {
	return o.Failure == nil && o.Result != nil
}

// MarshalJSON renders whichever side is set, so a failure never carries
// detections or visualization keys.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Failure != nil {
		return json.Marshal(o.Failure)
	}
	if o.Result == nil {
		return json.Marshal(ErrorResult{Error: "no result"})
	}
	result := *o.Result
	if result.Detections == nil {
		result.Detections = []Detection{}
	}
	return json.Marshal(result)
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ModelID names one trainable model variant (e.g. "random_forest").
type ModelID string

// String returns the model identifier.
func (m ModelID) String() string {
	return string(m)
}

// TrainingRequest is the configuration submitted to the training service.
// Zero-valued fields are filled from the default tags before validation.
type TrainingRequest struct {
	InstrumentToken      int64     `json:"instrument_token" yaml:"instrument_token" validate:"required,gt=0"`
	Interval             string    `json:"interval" yaml:"interval" validate:"required"`
	Models               []ModelID `json:"models" yaml:"models" default:"[\"random_forest\",\"xgboost\"]" validate:"min=1,unique,dive,required"`
	ForecastHorizon      int       `json:"forecast_horizon" yaml:"forecast_horizon" default:"1" validate:"gte=1"`
	LookbackWindow       int       `json:"lookback_window" yaml:"lookback_window" default:"20" validate:"gte=1"`
	WalkforwardTrainBars int       `json:"walkforward_train_bars" yaml:"walkforward_train_bars" default:"300" validate:"gte=1"`
	WalkforwardTestBars  int       `json:"walkforward_test_bars" yaml:"walkforward_test_bars" default:"60" validate:"gte=1"`
	StepSize             *int      `json:"step_size,omitempty" yaml:"step_size,omitempty" validate:"omitempty,gte=1"`
}

// RunResult is the final payload of a successful run.
type RunResult struct {
	InstrumentToken int64         `json:"instrument_token"`
	Interval        string        `json:"interval"`
	ForecastHorizon int           `json:"forecast_horizon"`
	Models          []ModelResult `json:"models" validate:"dive"`
}

// Model returns the result for the named model, if present.
func (r *RunResult) Model(name ModelID) (*ModelResult, bool) {
	for i := range r.Models {
		if r.Models[i].ModelName == name {
			return &r.Models[i], true
		}
	}
	return nil, false
}

// ModelResult holds the evaluation of one trained model.
type ModelResult struct {
	ModelName           ModelID      `json:"model_name" validate:"required"`
	MetricsOverall      Metrics      `json:"metrics_overall"`
	WalkForward         []FoldResult `json:"walk_forward"`
	ArtifactPath        *string      `json:"artifact_path,omitempty"`
	TrainingTimeSeconds float64      `json:"training_time_seconds"`
}

// FoldResult is the outcome of one walk-forward split.
type FoldResult struct {
	FoldIndex  uint      `json:"fold_index"`
	TrainStart Timestamp `json:"train_start"`
	TrainEnd   Timestamp `json:"train_end"`
	TestStart  Timestamp `json:"test_start"`
	TestEnd    Timestamp `json:"test_end"`
	RMSE       float64   `json:"rmse"`
	MAE        float64   `json:"mae"`
	MAPE       *float64  `json:"mape"`
}

// UnmarshalJSON accepts the producer's "fold" key as an alias of "fold_index".
func (f *FoldResult) UnmarshalJSON(data []byte) error {
	type plain FoldResult
	var raw struct {
		plain
		Fold *uint `json:"fold"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = FoldResult(raw.plain)
	if raw.Fold != nil && f.FoldIndex == 0 {
		f.FoldIndex = *raw.Fold
	}
	return nil
}

// Metrics maps a metric name (rmse, mae, mape, ...) to its value.
// Null values on the wire are dropped rather than read as zero.
type Metrics map[string]float64

// UnmarshalJSON decodes a metrics object, skipping null entries.
func (m *Metrics) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Metrics, len(raw))
	for k, v := range raw {
		if v != nil {
			out[k] = *v
		}
	}
	*m = out
	return nil
}

// Timestamp is a point in time as sent by the training service.
// Zone-less ISO-8601 values are read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses any of the layouts the training service emits.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

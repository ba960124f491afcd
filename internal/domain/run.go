package domain

import (
	"time"

	"github.com/google/uuid"
)

// =====================================================
// ENUMS
// =====================================================

// RecordStatus is the stored outcome of a run in the history.
type RecordStatus string

const (
	RecordStatusRunning   RecordStatus = "running"
	RecordStatusSucceeded RecordStatus = "succeeded"
	RecordStatusFailed    RecordStatus = "failed"
	RecordStatusCancelled RecordStatus = "cancelled"
)

// IsValid returns true if the status is a valid RecordStatus.
func (s RecordStatus) IsValid() bool {
	switch s {
	case RecordStatusRunning, RecordStatusSucceeded, RecordStatusFailed, RecordStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status is terminal (no further transitions).
func (s RecordStatus) IsTerminal() bool {
	return s == RecordStatusSucceeded || s == RecordStatusFailed || s == RecordStatusCancelled
}

// String returns the string representation of the status.
func (s RecordStatus) String() string {
	return string(s)
}

// RecordStatusFromString converts a string to RecordStatus.
func RecordStatusFromString(s string) RecordStatus {
	status := RecordStatus(s)
	if status.IsValid() {
		return status
	}
	return RecordStatusRunning
}

// =====================================================
// MODELS
// =====================================================

// RunRecord is one run as kept in the run history.
type RunRecord struct {
	ID              uuid.UUID       `json:"id"`
	Surface         string          `json:"surface"`
	Trigger         string          `json:"trigger"`
	Status          RecordStatus    `json:"status"`
	InstrumentToken int64           `json:"instrument_token"`
	Interval        string          `json:"interval"`
	Request         TrainingRequest `json:"request"`
	ExpectedUnits   uint            `json:"expected_units"`
	CompletedUnits  uint            `json:"completed_units"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	FinalResult     *RunResult      `json:"final_result,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// NewRunRecord creates a running record for a submitted request.
func NewRunRecord(id uuid.UUID, surface, trigger string, req TrainingRequest, startedAt time.Time) *RunRecord {
	return &RunRecord{
		ID:              id,
		Surface:         surface,
		Trigger:         trigger,
		Status:          RecordStatusRunning,
		InstrumentToken: req.InstrumentToken,
		Interval:        req.Interval,
		Request:         req,
		StartedAt:       startedAt,
	}
}

// Duration returns how long the run took, or has been running.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// =====================================================
// QUERY MODELS
// =====================================================

// RunQuery represents query parameters for listing runs.
type RunQuery struct {
	Surface  *string       `json:"surface,omitempty"`
	Status   *RecordStatus `json:"status,omitempty"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// SetDefaults sets default values for the query.
func (q *RunQuery) SetDefaults() {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
}

// Offset returns the offset for pagination.
func (q *RunQuery) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// PaginationResponse represents pagination metadata in responses.
type PaginationResponse struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// NewPaginationResponse creates a new PaginationResponse.
func NewPaginationResponse(totalCount, page, pageSize int) PaginationResponse {
	totalPages := 1
	if pageSize > 0 && totalCount > pageSize {
		totalPages = (totalCount + pageSize - 1) / pageSize
	}
	return PaginationResponse{
		TotalCount: totalCount,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}
}

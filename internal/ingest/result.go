package ingest

import (
	"crabstack.local/projects/crab-observer/internal/event"
)

type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusSampledOut  Status = "sampled_out"
	StatusFiltered    Status = "filtered"
	StatusRateLimited Status = "rate_limited"
	StatusUnavailable Status = "unavailable"
)

var allStatuses = []Status{StatusAccepted, StatusRejected, StatusSampledOut, StatusFiltered, StatusRateLimited, StatusUnavailable}

// Result is the outcome of one submitted event. Sampled and filtered
// events are informational outcomes, not failures, but they are not
// stored, so OK is false for them as well.
type Result struct {
	OK        bool            `json:"ok"`
	Status    Status          `json:"status"`
	ID        string          `json:"id,omitempty"`
	Sequence  int64           `json:"sequence,omitempty"`
	Warnings  []event.Warning `json:"warnings,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

type Failure struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Fields  []event.FieldError `json:"fields,omitempty"`
}

const (
	CodeValidationFailed = "validation_failed"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "store_unavailable"
	CodeShuttingDown     = "shutting_down"
	CodeTimeout          = "timeout"
)

func accepted(ev event.Event, warnings []event.Warning) Result {
	return Result{OK: true, Status: StatusAccepted, ID: ev.ID, Sequence: ev.Sequence, Warnings: warnings}
}

func rejected(verr *event.ValidationError) Result {
	return Result{
		Status: StatusRejected,
		Error:  &Failure{Code: CodeValidationFailed, Message: verr.Error(), Fields: verr.Fields},
	}
}

func unavailable(code, message string) Result {
	return Result{
		Status:    StatusUnavailable,
		Error:     &Failure{Code: code, Message: message},
		Retryable: true,
	}
}

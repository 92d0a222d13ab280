package depot

import "fmt"

// Outcome is the per-coordinate result of a batch operation.
type Outcome string

const (
	OutcomeEvicted      Outcome = "evicted"
	OutcomeDeleted      Outcome = "deleted"
	OutcomeDeprecated   Outcome = "deprecated"
	OutcomeConsolidated Outcome = "consolidated"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeFailed       Outcome = "failed"
)

// CoordinateOutcome records what a batch operation did to one coordinate.
type CoordinateOutcome struct {
	Coordinate Coordinate `json:"coordinate"`
	Outcome    Outcome    `json:"outcome"`
	// Reason is the error kind for failed outcomes and for skips caused by an error.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// String renders the outcome as "failed:<reason>" for failures.
func (o CoordinateOutcome) String() string {
	if o.Outcome == OutcomeFailed && o.Reason != "" {
		return fmt.Sprintf("%s:%s", o.Outcome, o.Reason)
	}
	return string(o.Outcome)
}

// MetadataEventResponse is the result of a batch operation. It is built
// fresh per run and never persisted.
type MetadataEventResponse struct {
	Operation string              `json:"operation"`
	Attempted int                 `json:"attempted"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Abandoned int                 `json:"abandoned,omitempty"`
	Cancelled bool                `json:"cancelled,omitempty"`
	Outcomes  []CoordinateOutcome `json:"outcomes"`
	Messages  []string            `json:"messages,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
}

// NewResponse creates an empty response for the named operation.
func NewResponse(operation string) *MetadataEventResponse {
	return &MetadataEventResponse{Operation: operation, Outcomes: []CoordinateOutcome{}}
}

// Add records one coordinate outcome and updates the counters.
// Skipped coordinates count as succeeded.
func (r *MetadataEventResponse) Add(o CoordinateOutcome) {
	r.Attempted++
	switch o.Outcome {
	case OutcomeFailed:
		r.Failed++
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", o.Coordinate, o.Message))
	case OutcomeSkipped:
		r.Skipped++
		r.Succeeded++
	default:
		r.Succeeded++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// AddMessage appends a human-readable message.
func (r *MetadataEventResponse) AddMessage(format string, args ...any) {
	r.Messages = append(r.Messages, fmt.Sprintf(format, args...))
}

// AddError records an error that is not tied to a single coordinate.
func (r *MetadataEventResponse) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Merge folds other into r.
func (r *MetadataEventResponse) Merge(other *MetadataEventResponse) {
	if other == nil {
		return
	}
	r.Attempted += other.Attempted
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Abandoned += other.Abandoned
	r.Cancelled = r.Cancelled || other.Cancelled
	r.Outcomes = append(r.Outcomes, other.Outcomes...)
	r.Messages = append(r.Messages, other.Messages...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Outcome returns the recorded outcome for c.
func (r *MetadataEventResponse) Outcome(c Coordinate) (CoordinateOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Coordinate == c {
			return o, true
		}
	}
	return CoordinateOutcome{}, false
}

// Count returns how many coordinates ended with the given outcome.
func (r *MetadataEventResponse) Count(outcome Outcome) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Outcome == outcome {
			n++
		}
	}
	return n
}

// HasErrors reports whether any coordinate failed or a global error was recorded.
func (r *MetadataEventResponse) HasErrors() bool {
	return r.Failed > 0 || len(r.Errors) > 0
}

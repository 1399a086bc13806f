package harness

// BatchOutcome records one restore batch pushed during a drill.
type BatchOutcome struct {
	Step             int      `json:"step"`
	BatchNumber      int      `json:"batch"`
	Status           string   `json:"status,omitempty"`
	Inserted         int      `json:"inserted"`
	AlreadyPresent   int      `json:"already_present"`
	Rejected         int      `json:"rejected"`
	RejectedEventIDs []string `json:"rejected_event_ids,omitempty"`
	// Error is the restore error code when the batch was refused.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a drill.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace lists every batch pushed, in order.
	Trace []BatchOutcome `json:"trace"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	SessionID         string `json:"restore_session_id"`
	SourceFingerprint string `json:"source_fingerprint"`
	TargetFingerprint string `json:"target_fingerprint"`
}

// NewResult creates a new passing result.
func NewResult(sessionID string) *Result {
	return &Result{
		Pass:      true,
		Trace:     []BatchOutcome{},
		Errors:    []string{},
		SessionID: sessionID,
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

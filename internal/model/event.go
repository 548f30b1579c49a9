package model

// Event is a single progress or terminal signal for an operation. Pushed
// channel messages, one-shot status queries and polling fallback all deliver
// this same shape so there is one result-handling code path.
type Event struct {
	OperationID   string         `json:"operation_id"`
	CastID        string         `json:"cast_id,omitempty"`
	BatchOwnerID  string         `json:"batch_owner_id,omitempty"`
	Status        Status         `json:"status"`
	StatusLabel   string         `json:"status_label,omitempty"`
	Progress      float64        `json:"progress,omitempty"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	CostBase      *float64       `json:"cost_base,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	ResourceClass string         `json:"resource_class,omitempty"`
	Error         string         `json:"error,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// Terminal returns true when the event is a terminal signal.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// Result is the terminal outcome delivered through a completion handle.
type Result struct {
	Event Event
	Quote *CostQuote
}

// Failed returns true when the result carries a remote-reported failure.
func (r Result) Failed() bool {
	return r.Event.Status == StatusFailed
}

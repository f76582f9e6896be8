package harness

// Trace event types.
const (
	EventStep       = "step"
	EventTransition = "transition"
)

// OutcomeOK is the outcome of a step that returned no error.
// A failed step's outcome is its error code, or OutcomeError if the error
// carries none.
const (
	OutcomeOK    = "ok"
	OutcomeError = "ERROR"
)

// TraceEvent is one entry of a scenario trace: either a flow step and its
// outcome, or a device state change observed once the step settled.
type TraceEvent struct {
	Seq     int64                  `json:"seq"`
	Type    string                 `json:"type"`
	Device  string                 `json:"device"`
	Action  string                 `json:"action,omitempty"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Outcome string                 `json:"outcome,omitempty"`
	Result  interface{}            `json:"result,omitempty"`
	From    string                 `json:"from,omitempty"`
	To      string                 `json:"to,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds steps and state transitions in order.
	Trace []TraceEvent `json:"trace"`

	// Errors describes each failed expectation. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// States is each device's final state.
	States map[string]string `json:"states,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		States: make(map[string]string),
	}
}

// AddError records a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStepTrace appends a flow step to the trace.
func (r *Result) AddStepTrace(device, action string, args map[string]interface{}, outcome string, result interface{}) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:     int64(len(r.Trace) + 1),
		Type:    EventStep,
		Device:  device,
		Action:  action,
		Args:    args,
		Outcome: outcome,
		Result:  result,
	})
}

// AddTransitionTrace appends a device state change to the trace.
func (r *Result) AddTransitionTrace(device, from, to string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Type:   EventTransition,
		Device: device,
		From:   from,
		To:     to,
	})
}

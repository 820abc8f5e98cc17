package bunker

import "time"

// Command is one decrypted, parsed request from a remote client.
type Command struct {
	// RequestID is the id of the relay event that carried the command.
	// It is the deduplication key.
	RequestID string
	// EnvelopeID is the "id" field inside the JSON envelope. Responses echo it.
	EnvelopeID   string
	ConnectionID string
	Method       string
	Params       []string
	Scheme       Scheme
	ReceivedAt   time.Time

	// EventKind is set for sign_event so grants can match "sign_event:<kind>".
	EventKind *int
	// Amount is the payment amount in satoshis for payment-class methods.
	Amount int64
}

// RequestState tracks a command from receipt to a terminal outcome.
type RequestState string

const (
	StateReceived         RequestState = "received"
	StateAwaitingApproval RequestState = "awaiting_approval"
	StateApproved         RequestState = "approved"
	StateExecuting        RequestState = "executing"
	StateDenied           RequestState = "denied"
	StateCompleted        RequestState = "completed"
	StateFailed           RequestState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RequestState) Terminal() bool {
	return s == StateDenied || s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	switch s {
	case StateReceived, StateAwaitingApproval, StateApproved, StateExecuting,
		StateDenied, StateCompleted, StateFailed:
		return true
	}
	return false
}

var transitions = map[RequestState][]RequestState{
	StateReceived:         {StateAwaitingApproval, StateApproved, StateExecuting, StateDenied, StateFailed},
	StateAwaitingApproval: {StateApproved, StateDenied, StateFailed},
	StateApproved:         {StateExecuting, StateDenied, StateFailed},
	StateExecuting:        {StateCompleted, StateFailed, StateDenied},
}

// CanTransition reports whether a record in state s may move to next.
// Writing the same non-terminal state again is allowed so outcome writes
// stay idempotent.
func (s RequestState) CanTransition(next RequestState) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PendingRequestRecord is the durable trace of one command.
type PendingRequestRecord struct {
	ConnectionID    string
	RequestID       string
	EnvelopeID      string
	Method          string
	Params          []string
	Scheme          Scheme
	State           RequestState
	ResponsePayload string
	ErrorCode       ErrorCode
	ErrorMessage    string
	ReceivedAt      time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// Command rebuilds the command a record was created from.
func (r *PendingRequestRecord) Command() *Command {
	return &Command{
		RequestID:    r.RequestID,
		EnvelopeID:   r.EnvelopeID,
		ConnectionID: r.ConnectionID,
		Method:       r.Method,
		Params:       append([]string(nil), r.Params...),
		Scheme:       r.Scheme,
		ReceivedAt:   r.ReceivedAt,
	}
}

// ResponseID is the id a response to this record is published under.
func (r *PendingRequestRecord) ResponseID() string {
	if r.EnvelopeID != "" {
		return r.EnvelopeID
	}
	return r.RequestID
}

// NewRecord starts a record for a freshly accepted command.
func NewRecord(cmd *Command) *PendingRequestRecord {
	return &PendingRequestRecord{
		ConnectionID: cmd.ConnectionID,
		RequestID:    cmd.RequestID,
		EnvelopeID:   cmd.EnvelopeID,
		Method:       cmd.Method,
		Params:       append([]string(nil), cmd.Params...),
		Scheme:       cmd.Scheme,
		State:        StateReceived,
		ReceivedAt:   cmd.ReceivedAt,
	}
}

// With returns a copy of r moved to state. err, when set, fills the error
// code and message.
func (r PendingRequestRecord) With(state RequestState, payload string, err error) *PendingRequestRecord {
	r.State = state
	r.ResponsePayload = payload
	r.ErrorCode = ""
	r.ErrorMessage = ""
	if err != nil {
		r.ErrorCode = CodeOf(err)
		r.ErrorMessage = err.Error()
	}
	return &r
}

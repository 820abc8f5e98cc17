package policy

import "github.com/mesmerverse/bunker"

// Decision is the verdict for one command. The variant set is closed:
// AutoApprove, RequireApproval and Deny.
type Decision interface {
	decision()
}

// AutoApprove lets the command execute without asking the user.
type AutoApprove struct {
	Rule string
}

// RequireApproval parks the command until the user decides.
type RequireApproval struct {
	Reason string
}

// Deny rejects the command.
type Deny struct {
	Code   bunker.ErrorCode
	Reason string
}

func (AutoApprove) decision()     {}
func (RequireApproval) decision() {}
func (Deny) decision()            {}

// Err returns the protocol error a denial is reported as.
func (d Deny) Err() error {
	return &bunker.Error{Code: d.Code, Message: d.Reason}
}

// Match dispatches on the decision variant. Callers supply a handler for
// every variant.
func Match[T any](d Decision, auto func(AutoApprove) T, approve func(RequireApproval) T, deny func(Deny) T) T {
	switch v := d.(type) {
	case AutoApprove:
		return auto(v)
	case RequireApproval:
		return approve(v)
	case Deny:
		return deny(v)
	default:
		panic("policy: unknown decision type")
	}
}

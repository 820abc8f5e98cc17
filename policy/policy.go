// Package policy decides whether a command may run unattended, needs the
// user's approval, or is refused. Evaluation is a pure function of a
// connection snapshot and the command.
package policy

import (
	"fmt"

	"github.com/mesmerverse/bunker"
)

// Engine evaluates commands against grants, budgets and the trust table.
type Engine struct {
	table *Table
}

// New returns an engine using table, or DefaultTable when nil.
func New(table *Table) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{table: table}
}

// Table exposes the trust table, e.g. to classify payment methods.
func (e *Engine) Table() *Table {
	return e.table
}

// Evaluate returns the decision for cmd. The rules apply in order:
//
//  1. revoked connections are denied
//  2. a grant for "method:kind", then for "method", decides; an allow
//     grant on a payment method still has to fit the budget
//  3. a payment that does not fit a configured budget is denied
//  4. the trust table decides
func (e *Engine) Evaluate(snap *bunker.Snapshot, cmd *bunker.Command) Decision {
	conn := &snap.Connection
	if !conn.Active() {
		return Deny{Code: bunker.CodeRevoked, Reason: "connection revoked"}
	}

	payment := e.table.IsPayment(cmd.Method)

	if grant, ok := findGrant(snap.Grants, cmd); ok {
		if grant.Effect == bunker.EffectDeny {
			return Deny{Code: bunker.CodePolicyDenied, Reason: fmt.Sprintf("%s denied by grant", grant.Selector)}
		}
		if payment {
			if snap.Budget == nil {
				return RequireApproval{Reason: "payment without a daily budget"}
			}
			if !snap.Budget.CanDebit(cmd.Amount, snap.DateKey) {
				return budgetDenial(snap, cmd)
			}
		}
		return AutoApprove{Rule: "grant " + grant.Selector}
	}

	if payment && snap.Budget != nil && !snap.Budget.CanDebit(cmd.Amount, snap.DateKey) {
		return budgetDenial(snap, cmd)
	}

	class := e.table.ClassOf(cmd)
	switch e.table.action(conn.TrustLevel, class) {
	case ActionAuto:
		return AutoApprove{Rule: fmt.Sprintf("trust %s", conn.TrustLevel)}
	default:
		return RequireApproval{Reason: fmt.Sprintf("%s requires approval at trust %s", cmd.Method, conn.TrustLevel)}
	}
}

// findGrant returns the most specific grant matching cmd.
func findGrant(grants []bunker.PermissionGrant, cmd *bunker.Command) (bunker.PermissionGrant, bool) {
	if cmd.EventKind != nil {
		specific := bunker.Selector(cmd.Method, cmd.EventKind)
		for _, g := range grants {
			if g.Selector == specific {
				return g, true
			}
		}
	}
	for _, g := range grants {
		if g.Selector == cmd.Method {
			return g, true
		}
	}
	return bunker.PermissionGrant{}, false
}

func budgetDenial(snap *bunker.Snapshot, cmd *bunker.Command) Deny {
	return Deny{
		Code: bunker.CodeBudgetExceeded,
		Reason: fmt.Sprintf("daily budget exceeded: %d requested, %d remaining",
			cmd.Amount, snap.Budget.Remaining(snap.DateKey)),
	}
}

package policy

import "github.com/mesmerverse/bunker"

// Class groups methods by how much harm an unattended call could do.
type Class int

const (
	// ClassIdentity covers read-only identity and liveness queries.
	ClassIdentity Class = iota
	// ClassLowRisk covers calls that reveal nothing secret and commit to nothing.
	ClassLowRisk
	// ClassStandard covers ordinary signing and decryption.
	ClassStandard
	// ClassDestructive covers irreversible actions.
	ClassDestructive
)

// Action is what the trust table says to do for a class.
type Action int

const (
	ActionAuto Action = iota
	ActionAsk
)

// Table maps trust level and method class to an action. Methods missing
// from Classes are Standard.
type Table struct {
	Rows map[bunker.TrustLevel]map[Class]Action
	// Classes assigns a class to each known method.
	Classes map[string]Class
	// DestructiveKinds lists event kinds whose signature rewrites identity
	// state (profile, contacts, deletions, relay lists).
	DestructiveKinds map[int]bool
	// Payment lists methods that move funds and are subject to the budget.
	Payment map[string]bool
}

// DefaultTable is the built-in trust table.
//
//	low:    auto for identity queries, ask for everything else
//	medium: auto for identity and low-risk calls, ask otherwise
//	high:   auto for everything except destructive calls
func DefaultTable() *Table {
	return &Table{
		Rows: map[bunker.TrustLevel]map[Class]Action{
			bunker.TrustLow: {
				ClassIdentity:    ActionAuto,
				ClassLowRisk:     ActionAsk,
				ClassStandard:    ActionAsk,
				ClassDestructive: ActionAsk,
			},
			bunker.TrustMedium: {
				ClassIdentity:    ActionAuto,
				ClassLowRisk:     ActionAuto,
				ClassStandard:    ActionAsk,
				ClassDestructive: ActionAsk,
			},
			bunker.TrustHigh: {
				ClassIdentity:    ActionAuto,
				ClassLowRisk:     ActionAuto,
				ClassStandard:    ActionAuto,
				ClassDestructive: ActionAsk,
			},
		},
		Classes: map[string]Class{
			"connect":           ClassIdentity,
			"ping":              ClassIdentity,
			"get_public_key":    ClassIdentity,
			"get_info":          ClassIdentity,
			"get_relays":        ClassLowRisk,
			"nip04_encrypt":     ClassLowRisk,
			"nip44_encrypt":     ClassLowRisk,
			"get_balance":       ClassLowRisk,
			"sign_event":        ClassStandard,
			"nip04_decrypt":     ClassStandard,
			"nip44_decrypt":     ClassStandard,
			"make_invoice":      ClassStandard,
			"lookup_invoice":    ClassStandard,
			"list_transactions": ClassStandard,
			"pay_invoice":       ClassDestructive,
			"pay_keysend":       ClassDestructive,
		},
		DestructiveKinds: map[int]bool{0: true, 3: true, 5: true, 10002: true},
		Payment: map[string]bool{
			"pay_invoice": true,
			"pay_keysend": true,
		},
	}
}

// ClassOf classifies a command, promoting sign_event to destructive for
// identity-rewriting kinds.
func (t *Table) ClassOf(cmd *bunker.Command) Class {
	class, ok := t.Classes[cmd.Method]
	if !ok {
		class = ClassStandard
	}
	if cmd.Method == "sign_event" && cmd.EventKind != nil && t.DestructiveKinds[*cmd.EventKind] {
		class = ClassDestructive
	}
	return class
}

// IsPayment reports whether method debits the budget.
func (t *Table) IsPayment(method string) bool {
	return t.Payment[method]
}

func (t *Table) action(level bunker.TrustLevel, class Class) Action {
	row, ok := t.Rows[level]
	if !ok {
		return ActionAsk
	}
	action, ok := row[class]
	if !ok {
		return ActionAsk
	}
	return action
}

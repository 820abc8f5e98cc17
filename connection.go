package bunker

import (
	"strconv"
	"strings"
	"time"
)

// ConnectionStatus is either active or revoked. Revocation is permanent.
type ConnectionStatus string

const (
	StatusActive  ConnectionStatus = "active"
	StatusRevoked ConnectionStatus = "revoked"
)

// DisplayMetadata is what the client claimed about itself while pairing.
// It is shown to the user and never used for authorization.
type DisplayMetadata struct {
	Name  string `json:"name,omitempty"`
	URL   string `json:"url,omitempty"`
	Image string `json:"image,omitempty"`
}

// Connection is a pairing between one local identity and one remote client.
type Connection struct {
	ID            string           `json:"id"`
	Protocol      Protocol         `json:"protocol"`
	RemotePubkey  string           `json:"remote_pubkey"`
	LocalIdentity string           `json:"local_identity"`
	RelayHints    []string         `json:"relay_hints"`
	TrustLevel    TrustLevel       `json:"trust_level"`
	Status        ConnectionStatus `json:"status"`
	Secret        string           `json:"-"`
	Metadata      DisplayMetadata  `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	RevokedAt     *time.Time       `json:"revoked_at,omitempty"`
}

// Active reports whether the connection may still issue commands.
func (c *Connection) Active() bool {
	return c != nil && c.Status == StatusActive
}

// Effect of a permission grant.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// PermissionGrant overrides the trust-level default for one method, or for
// one method restricted to a single event kind ("sign_event:1").
type PermissionGrant struct {
	ConnectionID     string    `json:"connection_id"`
	Selector         string    `json:"selector"`
	Effect           Effect    `json:"effect"`
	DailyBudgetLimit int64     `json:"daily_budget_limit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Method returns the method half of the selector.
func (g PermissionGrant) Method() string {
	method, _, _ := strings.Cut(g.Selector, ":")
	return method
}

// Kind returns the event kind of a "method:kind" selector.
func (g PermissionGrant) Kind() (int, bool) {
	_, kind, ok := strings.Cut(g.Selector, ":")
	if !ok {
		return 0, false
	}
	k, err := strconv.Atoi(kind)
	if err != nil {
		return 0, false
	}
	return k, true
}

// Selector builds the grant selector for a method and optional kind.
func Selector(method string, kind *int) string {
	if kind == nil {
		return method
	}
	return method + ":" + strconv.Itoa(*kind)
}

// BudgetState is the per-connection spending ledger for one UTC day.
// SpentToday never exceeds DailyLimit.
type BudgetState struct {
	ConnectionID string `json:"connection_id"`
	DateKey      string `json:"date_key"`
	SpentToday   int64  `json:"spent_today"`
	DailyLimit   int64  `json:"daily_limit"`
}

// DateKeyLayout formats the UTC calendar day used for budget resets.
const DateKeyLayout = "2006-01-02"

// DateKey returns the UTC day key for t.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateKeyLayout)
}

// Remaining returns what may still be spent on day dateKey.
func (b *BudgetState) Remaining(dateKey string) int64 {
	if b == nil {
		return 0
	}
	if b.DateKey != dateKey {
		return b.DailyLimit
	}
	return b.DailyLimit - b.SpentToday
}

// CanDebit reports whether amount fits in the remaining budget on dateKey.
func (b *BudgetState) CanDebit(amount int64, dateKey string) bool {
	if b == nil || amount < 0 {
		return false
	}
	return amount <= b.Remaining(dateKey)
}

// Snapshot is a consistent read of everything policy needs for a connection.
type Snapshot struct {
	Connection Connection
	Grants     []PermissionGrant
	Budget     *BudgetState
	DateKey    string
}

package bunker

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRequestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to RequestState
		want     bool
	}{
		{StateReceived, StateAwaitingApproval, true},
		{StateReceived, StateExecuting, true},
		{StateAwaitingApproval, StateApproved, true},
		{StateAwaitingApproval, StateExecuting, false},
		{StateApproved, StateExecuting, true},
		{StateExecuting, StateCompleted, true},
		{StateExecuting, StateDenied, true},
		{StateExecuting, StateAwaitingApproval, false},
		{StateAwaitingApproval, StateAwaitingApproval, true},
		{StateCompleted, StateFailed, false},
		{StateDenied, StateDenied, false},
		{StateFailed, StateReceived, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestProtocolKinds(t *testing.T) {
	for _, p := range []Protocol{ProtocolRemoteSigning, ProtocolWalletConnect} {
		got, err := ProtocolForKind(p.RequestKind())
		if err != nil || got != p {
			t.Errorf("ProtocolForKind(%d) = %s, %v", p.RequestKind(), got, err)
		}
	}
	if ProtocolWalletConnect.ResponseKind() != KindWalletResponse {
		t.Error("Wallet responses use their own kind")
	}
	if ProtocolRemoteSigning.ResponseKind() != KindRemoteSigning {
		t.Error("Remote signing responses reuse the request kind")
	}
	if _, err := ProtocolForKind(1); err == nil {
		t.Error("Expected error for kind 1")
	}
}

func TestParseTrustLevel(t *testing.T) {
	if lvl, err := ParseTrustLevel(" Medium "); err != nil || lvl != TrustMedium {
		t.Errorf("ParseTrustLevel = %s, %v", lvl, err)
	}
	if _, err := ParseTrustLevel("paranoid"); err == nil {
		t.Error("Expected error for unknown trust level")
	}
	if TrustLevel("").Valid() {
		t.Error("Empty trust level must not be valid")
	}
}

func TestBudgetState(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	today := DateKey(day)
	b := &BudgetState{DateKey: today, SpentToday: 700, DailyLimit: 1000}

	if b.Remaining(today) != 300 {
		t.Errorf("Expected 300 remaining, got %d", b.Remaining(today))
	}
	if !b.CanDebit(300, today) || b.CanDebit(301, today) {
		t.Error("CanDebit disagrees with remaining budget")
	}
	tomorrow := DateKey(day.Add(2 * time.Minute))
	if tomorrow == today || b.Remaining(tomorrow) != 1000 {
		t.Error("Budget should reset on the next UTC day")
	}
	var none *BudgetState
	if none.CanDebit(1, today) {
		t.Error("A missing budget cannot be debited")
	}
	if b.CanDebit(-1, today) {
		t.Error("Negative amounts cannot be debited")
	}
}

func TestDateKey_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	if got := DateKey(local); got != "2026-03-01" {
		t.Errorf("Expected UTC date 2026-03-01, got %s", got)
	}
}

func TestGrantSelector(t *testing.T) {
	kind := 1
	g := PermissionGrant{Selector: Selector("sign_event", &kind)}
	if g.Method() != "sign_event" {
		t.Errorf("Unexpected method %s", g.Method())
	}
	if k, ok := g.Kind(); !ok || k != 1 {
		t.Errorf("Unexpected kind %d, %v", k, ok)
	}
	if _, ok := (PermissionGrant{Selector: "ping"}).Kind(); ok {
		t.Error("Plain selector has no kind")
	}
}

func TestErrors(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(CodeRevoked, "gone"))
	if !errors.Is(err, ErrRevoked) {
		t.Error("Errors with the same code should match")
	}
	if errors.Is(err, ErrUserDenied) {
		t.Error("Errors with different codes should not match")
	}
	if CodeOf(err) != CodeRevoked {
		t.Errorf("Unexpected code %s", CodeOf(err))
	}
	if CodeOf(errors.New("boom")) != CodeExecutionFailed {
		t.Error("Foreign errors default to execution_failed")
	}
	if FromRecord("", "") != nil {
		t.Error("Empty code means no error")
	}
	if !errors.Is(FromRecord(CodeDecrypt, "x"), ErrDecrypt) {
		t.Error("FromRecord should rebuild the coded error")
	}
}

func TestRecord_WithAndResponseID(t *testing.T) {
	cmd := &Command{RequestID: "ev", EnvelopeID: "env", Method: "ping", Params: []string{"a"}}
	rec := NewRecord(cmd)
	if rec.State != StateReceived || rec.ResponseID() != "env" {
		t.Errorf("Unexpected new record %+v", rec)
	}

	failed := rec.With(StateFailed, "", ErrInterrupted)
	if rec.State != StateReceived {
		t.Error("With must not modify the receiver")
	}
	if failed.ErrorCode != CodeInterrupted || failed.ErrorMessage == "" {
		t.Errorf("Unexpected failed record %+v", failed)
	}
	if ok := failed.With(StateCompleted, "x", nil); ok.ErrorCode != "" || ok.ResponsePayload != "x" {
		t.Errorf("With should clear the error, got %+v", ok)
	}

	rec.EnvelopeID = ""
	if rec.ResponseID() != "ev" {
		t.Error("Records without an envelope id answer under the event id")
	}
	rec.Params[0] = "changed"
	if cmd.Params[0] != "a" {
		t.Error("Records must not share params with the command")
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/nostr"
)

// ErrWakeEventNotFound is returned when no relay has the woken event.
var ErrWakeEventNotFound = errors.New("woken event not found on relays")

// WakeHandler turns push notifications into processed requests. It starts
// the owning identity's relay session when needed, fetches the one event
// named by the push and feeds it to the processor.
type WakeHandler struct {
	store     Store
	transport Transport
	sessions  interface {
		StartSession(ctx context.Context, identity string) error
	}
	handle func(ctx context.Context, identity string, ev *nostr.Event)
}

// OnPushWake handles a payload with keys "pubkey" (the client's key),
// "event_id" or "id", and optionally "kind" selecting the protocol.
func (w *WakeHandler) OnPushWake(ctx context.Context, payload map[string]string) error {
	remote := payload["pubkey"]
	eventID := payload["event_id"]
	if eventID == "" {
		eventID = payload["id"]
	}
	if remote == "" || eventID == "" {
		return fmt.Errorf("wake payload needs pubkey and event id")
	}

	kind := bunker.KindRemoteSigning
	if raw := payload["kind"]; raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid wake kind %q", raw)
		}
		kind = k
	}
	protocol, err := bunker.ProtocolForKind(kind)
	if err != nil {
		return err
	}

	conn, err := w.store.FindByRemotePubkey(ctx, protocol, remote)
	if err != nil {
		return fmt.Errorf("failed to resolve wake: %w", err)
	}
	identity := conn.LocalIdentity

	if !w.transport.Running(identity) {
		if err := w.sessions.StartSession(ctx, identity); err != nil {
			return err
		}
	}

	events, err := w.transport.Fetch(ctx, identity, nostr.Filter{
		IDs:   []string{eventID},
		Kinds: []int{kind},
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return ErrWakeEventNotFound
	}

	log.Info().
		Str("identity", identity).
		Str("request_id", eventID).
		Str("protocol", string(protocol)).
		Msg("Processing woken request")
	for _, ev := range events {
		w.handle(ctx, identity, ev)
	}
	return nil
}

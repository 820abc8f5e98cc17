package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/engine"
	"github.com/mesmerverse/bunker/relay"
	"github.com/mesmerverse/bunker/signer"
	"github.com/mesmerverse/bunker/storage"
	"github.com/mesmerverse/bunker/wallet"
)

const maintenanceInterval = time.Hour

// openStore derives the database key from the passphrase and opens the store.
func openStore(cfg *Config, passphrase []byte) (*storage.SQLiteStore, error) {
	salt, err := loadOrCreateSalt(cfg.Store.SaltPath)
	if err != nil {
		return nil, err
	}
	dek := deriveStoreKey(passphrase, salt)
	defer zero(dek)

	store, err := storage.Open(cfg.Store.Path, dek)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// newSealer seals identity keys with KMS when a key is configured,
// otherwise with the passphrase.
func newSealer(ctx context.Context, cfg *Config, passphrase []byte) (signer.Sealer, error) {
	if cfg.Keystore.KMSKeyID != "" {
		log.Info().Str("key_id", cfg.Keystore.KMSKeyID).Msg("Sealing identity keys with KMS")
		return signer.NewKMSSealerFromRegion(ctx, cfg.Keystore.Region, cfg.Keystore.KMSKeyID)
	}
	return signer.NewPassphraseSealer(passphrase, signer.DefaultArgon2Params), nil
}

// logApprovals is the approval channel when NATS is disabled. Parked
// requests stay parked until revoked.
type logApprovals struct{}

func (logApprovals) RequestApproval(_ context.Context, req engine.ApprovalRequest) error {
	log.Warn().
		Str("request_id", req.RequestID).
		Str("connection_id", req.ConnectionID).
		Str("method", req.Method).
		Msg("Request needs approval but no approval channel is configured")
	return nil
}

// denyPresence stands in for the presence gate when NATS is not dialled, so
// one-shot commands can load keys that require confirmation without being
// able to sign with them.
type denyPresence struct{}

func (denyPresence) Confirm(_ context.Context, req signer.PresenceRequest) (bool, error) {
	log.Warn().Str("identity", req.Identity).Msg("Presence confirmation unavailable, refusing signature")
	return false, nil
}

// runtime is everything built from the configuration. The daemon runs all
// of it; one-shot commands use the parts they need.
type runtime struct {
	cfg      *Config
	store    *storage.SQLiteStore
	keystore *signer.Keystore
	ring     *signer.Keyring
	relays   *relay.Manager
	nats     *NATSClient
	engine   *engine.Engine
	subjects subjects
}

// newRuntime builds the runtime. onNATS receives NATS connection changes
// and may be nil; NATS is only dialled when withNATS is set.
func newRuntime(ctx context.Context, cfg *Config, withNATS bool, onNATS func(bool)) (*runtime, error) {
	rt := &runtime{cfg: cfg, subjects: subjects{prefix: cfg.NATS.SubjectPrefix}}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	passphrase, err := loadPassphrase(ctx, cfg.Secrets, nil)
	if err != nil {
		return nil, err
	}
	if cfg.Keystore.KMSKeyID != "" {
		// Otherwise the passphrase sealer keeps it.
		defer zero(passphrase)
	}

	if rt.store, err = openStore(cfg, passphrase); err != nil {
		return nil, err
	}

	sealer, err := newSealer(ctx, cfg, passphrase)
	if err != nil {
		return nil, err
	}
	rt.keystore = signer.NewKeystore(cfg.Keystore.Path, sealer)

	if withNATS && cfg.NATS.URL != "" {
		if rt.nats, err = NewNATSClient(cfg.NATS, onNATS); err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
	}

	var gate signer.PresenceGate = denyPresence{}
	if rt.nats != nil {
		gate = &natsPresenceGate{nc: rt.nats, subjects: rt.subjects, timeout: cfg.NATS.PresenceTimeout}
	}
	if rt.ring, err = signer.LoadKeyring(ctx, rt.keystore, gate, signer.NewExecutor(cfg.Keystore.SigningWorkers)); err != nil {
		return nil, err
	}

	rt.relays = relay.NewManager(cfg.RelayManagerConfig())

	deps := engine.Deps{
		Store:     rt.store,
		Transport: rt.relays,
		Keys:      engine.KeyringKeys(rt.ring),
		Approvals: logApprovals{},
		Executors: map[bunker.Protocol]engine.Executor{
			bunker.ProtocolRemoteSigning: signer.NewMethods(rt.ring),
		},
	}
	if rt.nats != nil {
		deps.Approvals = &natsApprovals{nc: rt.nats, subjects: rt.subjects}
		deps.Executors[bunker.ProtocolWalletConnect] = wallet.NewMethods(
			&natsWallet{nc: rt.nats, subjects: rt.subjects, timeout: cfg.NATS.RequestTimeout})
	}
	if rt.engine, err = engine.New(cfg.EngineOptions(), deps); err != nil {
		return nil, err
	}
	rt.relays.SetHandler(rt.engine.HandleEvent)
	ok = true
	return rt, nil
}

// Close releases everything in reverse order of construction
func (rt *runtime) Close() {
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.relays != nil {
		rt.relays.Close()
	}
	if rt.ring != nil {
		rt.ring.Close()
	}
	if rt.nats != nil {
		rt.nats.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

// Daemon runs the engine with its NATS bridge, health server and
// background maintenance.
type Daemon struct {
	cfg      *Config
	rt       *runtime
	health   *HealthServer
	verifier *controlVerifier
	backuper *Backuper
}

// NewDaemon builds a daemon from cfg
func NewDaemon(ctx context.Context, cfg *Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg}

	var relays *relay.Manager
	d.health = NewHealthServer(cfg.Health.Port, func() []relay.Status {
		if relays == nil {
			return nil
		}
		return relays.Status()
	})

	rt, err := newRuntime(ctx, cfg, true, d.health.UpdateNATS)
	if err != nil {
		return nil, err
	}
	d.rt = rt
	relays = rt.relays

	if rt.nats != nil {
		if d.verifier, err = newControlVerifier(cfg.Control.PublicKey, cfg.Control.MaxAge, cfg.DevMode); err != nil {
			rt.Close()
			return nil, err
		}
	}

	if cfg.Backup.Bucket != "" {
		client, err := newS3Client(ctx, cfg.Backup.Region)
		if err != nil {
			rt.Close()
			return nil, err
		}
		d.backuper = &Backuper{
			cfg:      cfg.Backup,
			store:    rt.store,
			s3:       client,
			subjects: rt.subjects,
			now:      time.Now,
		}
		if rt.nats != nil {
			d.backuper.notify = rt.nats
		}
	}
	return d, nil
}

// Run blocks until ctx is cancelled or a component fails
func (d *Daemon) Run(ctx context.Context) error {
	defer d.rt.Close()

	if len(d.rt.ring.Identities()) == 0 {
		return errors.New("no identities in keystore, run keygen first")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.health.Run(ctx) })

	if err := d.rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	log.Info().Strs("identities", d.rt.ring.Identities()).Msg("Engine started")

	if d.rt.nats != nil {
		msgChan := make(chan *NATSMessage, 256)
		for _, subject := range []string{
			d.rt.subjects.approvalDecision(),
			d.rt.subjects.wake(),
			d.rt.subjects.control(),
		} {
			if err := d.rt.nats.Subscribe(subject, msgChan); err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
			}
		}
		g.Go(func() error {
			d.routeNATS(ctx, msgChan)
			return nil
		})
	}

	if d.backuper != nil {
		g.Go(func() error { return d.backuper.Run(ctx) })
	}
	g.Go(func() error {
		d.maintain(ctx)
		return nil
	})

	err := g.Wait()
	log.Info().Msg("Daemon stopped")
	return err
}

// routeNATS dispatches inbound NATS messages by subject
func (d *Daemon) routeNATS(ctx context.Context, msgChan <-chan *NATSMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-msgChan:
			d.handleNATS(ctx, msg)
		}
	}
}

func (d *Daemon) handleNATS(ctx context.Context, msg *NATSMessage) {
	switch msg.Subject {
	case d.rt.subjects.approvalDecision():
		dec, err := parseDecision(msg.Data)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring approval decision")
			return
		}
		if err := d.rt.engine.RespondToDecision(ctx, dec.RequestID, dec.Approved); err != nil {
			log.Warn().Err(err).Str("request_id", dec.RequestID).Msg("Approval decision not applied")
		}

	case d.rt.subjects.wake():
		var payload map[string]string
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed wake")
			return
		}
		if err := d.rt.engine.OnPushWake(ctx, payload); err != nil {
			log.Warn().Err(err).Msg("Push wake failed")
		}

	case d.rt.subjects.control():
		reply := handleControl(ctx, d.verifier, d.rt.engine, d.rt.store, msg.Data)
		if msg.Reply == "" {
			return
		}
		data, _ := json.Marshal(reply)
		if err := d.rt.nats.Publish(msg.Reply, data); err != nil {
			log.Warn().Err(err).Msg("Failed to reply to control command")
		}

	default:
		log.Debug().Str("subject", msg.Subject).Msg("Unrouted NATS message")
	}
}

// maintain prunes finished requests past retention and rechecks process
// hardening.
func (d *Daemon) maintain(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-d.cfg.Engine.Retention).UnixMilli()
		if n, err := d.rt.store.PruneCompleted(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("Failed to prune finished requests")
		} else if n > 0 {
			log.Info().Int64("pruned", n).Msg("Pruned finished requests")
		}
		if !d.cfg.DevMode {
			if err := verifyHardening(); err != nil {
				log.Error().Err(err).Msg("Process hardening check failed")
			}
		}
	}
}

// Command bunkerd holds Nostr identity keys and answers remote signing and
// wallet connect requests from paired clients over relays.
//
// SECURITY: keys are only ever decrypted in this process. Clients see
// signatures and payment results, never key material.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/engine"
)

// Version is set at build time
var Version = "dev"

const usage = `usage: bunkerd <command> [flags]

commands:
  run                       run the daemon
  keygen                    generate a new identity key
  pair <nostrconnect-url>   accept a client's connect offer
  wallet-pair               create a wallet connect pairing URI
  list                      list connections
  revoke <connection-id>    revoke a connection
  grant <connection-id> <selector>
                            add a permission grant
  backup                    upload one store backup

While the daemon is running, prefer signed control commands over NATS for
pair, revoke and grant so its relay subscriptions stay current.
`

// globalFlags are accepted by every command
type globalFlags struct {
	configPath string
	devMode    bool
	logLevel   string
}

func (g *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", "/etc/bunker/bunkerd.yaml", "path to configuration file")
	fs.BoolVar(&g.devMode, "dev-mode", false, "relax hardening and allow unsigned control commands")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (overrides config)")
}

func (g *globalFlags) load() (*Config, error) {
	cfg, err := LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.devMode {
		cfg.DevMode = true
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg *Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "run":
		return cmdRun(ctx, args)
	case "keygen":
		return cmdKeygen(ctx, args)
	case "pair":
		return cmdPair(ctx, args)
	case "wallet-pair":
		return cmdWalletPair(ctx, args)
	case "list":
		return cmdList(ctx, args)
	case "revoke":
		return cmdRevoke(ctx, args)
	case "grant":
		return cmdGrant(ctx, args)
	case "backup":
		return cmdBackup(ctx, args)
	}
	return fmt.Errorf("unknown command %q\n\n%s", command, usage)
}

func newFlagSet(name string, g *globalFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("bunkerd "+name, pflag.ContinueOnError)
	g.register(fs)
	return fs
}

func cmdRun(ctx context.Context, args []string) error {
	var g globalFlags
	var natsURL string
	fs := newFlagSet("run", &g)
	fs.StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if natsURL != "" {
		cfg.NATS.URL = natsURL
	}

	log.Info().
		Str("version", Version).
		Str("config", g.configPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("bunkerd starting")

	hardenProcess(cfg.DevMode)

	d, err := NewDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// withRuntime runs fn against a runtime without NATS
func withRuntime(ctx context.Context, g *globalFlags, fn func(*runtime) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, false, nil)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdKeygen(ctx context.Context, args []string) error {
	var g globalFlags
	var label string
	var requirePresence bool
	fs := newFlagSet("keygen", &g)
	fs.StringVar(&label, "label", "", "human readable label for the identity")
	fs.BoolVar(&requirePresence, "require-presence", false, "confirm every signature with a paired device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		pubkey, err := rt.keystore.Generate(ctx, label, requirePresence)
		if err != nil {
			return err
		}
		fmt.Println(pubkey)
		return nil
	})
}

func cmdPair(ctx context.Context, args []string) error {
	var g globalFlags
	var identity, trust string
	fs := newFlagSet("pair", &g)
	fs.StringVar(&identity, "identity", "", "local identity to pair (required with several keys)")
	fs.StringVar(&trust, "trust", "", "trust level: low, medium or high")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("pair needs exactly one nostrconnect:// URL")
	}

	var opts []engine.ConnectOption
	if identity != "" {
		opts = append(opts, engine.WithIdentity(identity))
	}
	if trust != "" {
		level, err := bunker.ParseTrustLevel(trust)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithTrustLevel(level))
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		conn, err := rt.engine.CreateConnection(ctx, fs.Arg(0), opts...)
		if err != nil {
			return err
		}
		return printJSON(conn)
	})
}

func cmdWalletPair(ctx context.Context, args []string) error {
	var g globalFlags
	var identity, trust, name string
	var relays []string
	var dailyLimit int64
	fs := newFlagSet("wallet-pair", &g)
	fs.StringVar(&identity, "identity", "", "local identity the wallet answers as")
	fs.StringSliceVar(&relays, "relay", nil, "relay URL for the pairing (repeatable)")
	fs.Int64Var(&dailyLimit, "daily-limit", 0, "daily spending limit in sats; 0 asks for every payment")
	fs.StringVar(&name, "name", "", "display name for the connection")
	fs.StringVar(&trust, "trust", "", "trust level: low, medium or high")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := engine.WalletOptions{Relays: relays, DailyLimit: dailyLimit, Name: name}
	if trust != "" {
		level, err := bunker.ParseTrustLevel(trust)
		if err != nil {
			return err
		}
		opts.TrustLevel = level
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		uri, conn, err := rt.engine.NewWalletPairing(ctx, identity, opts)
		if err != nil {
			return err
		}
		log.Info().Str("connection_id", conn.ID).Msg("Wallet pairing created")
		// The URI carries the client secret; it is shown once.
		fmt.Println(uri)
		return nil
	})
}

func cmdList(ctx context.Context, args []string) error {
	var g globalFlags
	var identity string
	fs := newFlagSet("list", &g)
	fs.StringVar(&identity, "identity", "", "only list this identity's connections")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		overview, err := rt.engine.Overview(ctx, identity)
		if err != nil {
			return err
		}
		return printJSON(overview)
	})
}

func cmdRevoke(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("revoke", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("revoke needs exactly one connection id")
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		return rt.engine.RevokeConnection(ctx, fs.Arg(0))
	})
}

func cmdGrant(ctx context.Context, args []string) error {
	var g globalFlags
	var effect string
	var dailyLimit int64
	fs := newFlagSet("grant", &g)
	fs.StringVar(&effect, "effect", string(bunker.EffectAllow), "allow or deny")
	fs.Int64Var(&dailyLimit, "daily-limit", 0, "daily budget in sats for payment selectors")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("grant needs a connection id and a selector")
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		return rt.store.GrantPermission(ctx, bunker.PermissionGrant{
			ConnectionID:     fs.Arg(0),
			Selector:         strings.TrimSpace(fs.Arg(1)),
			Effect:           bunker.Effect(effect),
			DailyBudgetLimit: dailyLimit,
		})
	})
}

func cmdBackup(ctx context.Context, args []string) error {
	var g globalFlags
	fs := newFlagSet("backup", &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withRuntime(ctx, &g, func(rt *runtime) error {
		if rt.cfg.Backup.Bucket == "" {
			return errors.New("backup.bucket is not configured")
		}
		client, err := newS3Client(ctx, rt.cfg.Backup.Region)
		if err != nil {
			return err
		}
		b := &Backuper{cfg: rt.cfg.Backup, store: rt.store, s3: client, subjects: rt.subjects, now: time.Now}
		created, err := b.BackupOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(created)
	})
}

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
)

// ErrNoPassphrase is returned when neither the environment nor SSM
// provides the passphrase.
var ErrNoPassphrase = errors.New("no passphrase configured")

// Store key derivation parameters. The salt is per installation.
const (
	storeKeyTime    = 3
	storeKeyMemory  = 64 * 1024
	storeKeyThreads = 4
	storeKeyLen     = 32
	storeSaltLen    = 16
)

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func newSSMClient(ctx context.Context, region string) (*ssm.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return ssm.NewFromConfig(awsCfg), nil
}

// loadPassphrase reads the passphrase from the configured environment
// variable, falling back to an SSM SecureString parameter. The variable is
// cleared once read.
func loadPassphrase(ctx context.Context, cfg SecretsConfig, client ssmAPI) ([]byte, error) {
	if cfg.PassphraseEnv != "" {
		if v := os.Getenv(cfg.PassphraseEnv); v != "" {
			os.Unsetenv(cfg.PassphraseEnv)
			return []byte(v), nil
		}
	}
	if cfg.SSMParameter == "" {
		return nil, ErrNoPassphrase
	}

	if client == nil {
		c, err := newSSMClient(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		client = c
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(cfg.SSMParameter),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read SSM parameter: %w", err)
	}
	if out.Parameter == nil || aws.ToString(out.Parameter.Value) == "" {
		return nil, fmt.Errorf("SSM parameter %s is empty", cfg.SSMParameter)
	}
	log.Info().Str("parameter", cfg.SSMParameter).Msg("Passphrase loaded from SSM")
	return []byte(aws.ToString(out.Parameter.Value)), nil
}

// loadOrCreateSalt returns the installation salt, creating it on first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != storeSaltLen {
			return nil, fmt.Errorf("salt file %s is corrupt", path)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	salt = make([]byte, storeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write salt: %w", err)
	}
	log.Info().Str("path", path).Msg("Created store salt")
	return salt, nil
}

// deriveStoreKey stretches the passphrase into the database column key.
func deriveStoreKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, storeKeyTime, storeKeyMemory, storeKeyThreads, storeKeyLen)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

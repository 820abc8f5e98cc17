package signer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// KMSAPI is the subset of the KMS client the sealer calls.
type KMSAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSealer seals keys with an AWS KMS key, so key files are useless
// without IAM access to that key.
type KMSSealer struct {
	client KMSAPI
	keyID  string
}

// NewKMSSealer wraps an existing client.
func NewKMSSealer(client KMSAPI, keyID string) *KMSSealer {
	return &KMSSealer{client: client, keyID: keyID}
}

// NewKMSSealerFromRegion loads default AWS credentials for region.
func NewKMSSealerFromRegion(ctx context.Context, region, keyID string) (*KMSSealer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("KMS key id not configured")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewKMSSealer(kms.NewFromConfig(awsCfg), keyID), nil
}

// Seal implements Sealer.
func (k *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &k.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt failed: %w", err)
	}
	log.Debug().Int("ciphertext_len", len(out.CiphertextBlob)).Msg("KMS seal successful")
	return out.CiphertextBlob, nil
}

// Open implements Sealer.
func (k *KMSSealer) Open(ctx context.Context, sealed []byte) ([]byte, error) {
	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyID,
		CiphertextBlob: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if out.Plaintext == nil {
		return nil, fmt.Errorf("KMS decrypt returned no data")
	}
	return out.Plaintext, nil
}

package hsm

import "context"

// Provider is the capability set every HSM backend implements: software
// keystore, deterministic simulator, vendor PKCS#11 token, hardware
// wallet, TPM, and the Bitcoin-specialized composite. A Factory selects
// among Providers at construction time and may fall back between them at
// runtime per Policy (see factory.go).
type Provider interface {
	GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error)
	ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error)
	ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error)
	Sign(ctx context.Context, req SignRequest) (Signature, error)
	Verify(ctx context.Context, req VerifyRequest) (bool, error)
	DeleteKey(ctx context.Context, handle KeyHandle) error
	DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error)
	Health(ctx context.Context) (HealthReport, error)
	Variant() Variant
}

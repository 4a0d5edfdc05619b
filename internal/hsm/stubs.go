package hsm

import (
	"context"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// stubProvider backs Pkcs11, Ledger and Tpm until a real transport is
// wired in. It reports Unavailable from Health so a Factory configured
// with fallback routes around it rather than failing closed, and every
// other method returns Unavailable as well so a caller that bypasses the
// Factory and calls a stub directly gets a transient, retryable error
// rather than a confusing success.
type stubProvider struct {
	variant Variant
	reason  string
}

func (p *stubProvider) Variant() Variant { return p.variant }

func (p *stubProvider) Health(ctx context.Context) (HealthReport, error) {
	return HealthReport{Healthy: false, Details: p.reason}, nil
}

func (p *stubProvider) unavailable() error {
	return l2err.New(l2err.Unavailable, p.reason)
}

func (p *stubProvider) GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error) {
	return KeyMetadata{}, p.unavailable()
}

func (p *stubProvider) ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error) {
	return KeyMetadata{}, p.unavailable()
}

func (p *stubProvider) ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error) {
	return nil, p.unavailable()
}

func (p *stubProvider) Sign(ctx context.Context, req SignRequest) (Signature, error) {
	return nil, p.unavailable()
}

func (p *stubProvider) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	return false, p.unavailable()
}

func (p *stubProvider) DeleteKey(ctx context.Context, handle KeyHandle) error {
	return p.unavailable()
}

func (p *stubProvider) DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error) {
	return KeyMetadata{}, p.unavailable()
}

// NewPkcs11 returns a Pkcs11 provider stub. A real implementation would
// dial a PKCS#11 module via a CGo shim; this dispatcher ships none, so
// the provider always reports Unavailable, letting the Factory's
// fallback policy route traffic to the next configured provider.
func NewPkcs11() Provider {
	return &stubProvider{variant: VariantPkcs11, reason: "pkcs11 provider not configured with a module path"}
}

// NewLedger returns a Ledger hardware-wallet provider stub, unavailable
// until a USB/HID transport is attached.
func NewLedger() Provider {
	return &stubProvider{variant: VariantLedger, reason: "ledger provider not attached to a device"}
}

// NewTpm returns a TPM 2.0 provider stub, unavailable until a
// /dev/tpmrm0-backed transport is attached.
func NewTpm() Provider {
	return &stubProvider{variant: VariantTpm, reason: "tpm provider not attached to a device"}
}

var (
	_ Provider = (*stubProvider)(nil)
)

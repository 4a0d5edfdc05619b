// Package hsm defines the provider-agnostic capability set every key
// custody backend implements: software keystore, deterministic simulator,
// PKCS#11 token, hardware wallet, TPM, and the Bitcoin-specialized
// composite. Callers only ever see a KeyHandle; private material never
// crosses the Provider boundary.
package hsm

import "time"

// Variant identifies a provider implementation. Closed set, so a tagged
// enum rather than an open interface type.
type Variant string

const (
	VariantSoftware  Variant = "software"
	VariantSimulator Variant = "simulator"
	VariantPkcs11    Variant = "pkcs11"
	VariantLedger    Variant = "ledger"
	VariantTpm       Variant = "tpm"
	VariantBitcoin   Variant = "bitcoin"
)

// Algorithm enumerates the key algorithms a provider may support.
type Algorithm string

const (
	AlgoSecp256k1Ecdsa   Algorithm = "secp256k1_ecdsa"
	AlgoSecp256k1Schnorr Algorithm = "secp256k1_schnorr"
	AlgoEd25519          Algorithm = "ed25519"
	AlgoRsaPss           Algorithm = "rsa_pss"
	AlgoAesGcm           Algorithm = "aes_gcm"
)

// Purpose records what a key is used for, for audit and policy purposes.
type Purpose string

const (
	PurposeChannelFunding Purpose = "channel_funding"
	PurposeTransferSigning Purpose = "transfer_signing"
	PurposeProofSigning    Purpose = "proof_signing"
	PurposeHDMaster        Purpose = "hd_master"
	PurposeOracleVerify    Purpose = "oracle_verify"
	PurposeMisc            Purpose = "misc"
)

// KeyHandle is an opaque 128-bit identifier minted by a provider. Outside
// the provider that minted it, only the handle is meaningful; it carries
// no key material.
type KeyHandle [16]byte

// IsZero reports whether h is the zero handle (never minted).
func (h KeyHandle) IsZero() bool {
	return h == KeyHandle{}
}

// Policy constrains what a key may be used for and how failures are
// handled by the owning provider/factory.
type Policy struct {
	MaxUsageCount  uint64 // 0 = unlimited
	RequireConfirm bool   // e.g. Ledger-style user confirmation
	ExpiresAt      *time.Time
}

// KeyMetadata is everything about a key visible outside the provider.
// Immutable except UsageCounter, which the Software provider increments
// on each successful Sign (the Simulator does not count usage).
type KeyMetadata struct {
	Handle       KeyHandle
	Algorithm    Algorithm
	Purpose      Purpose
	CreatedAt    time.Time
	UsageCounter uint64
	Policy       Policy
	Ephemeral    bool // true if the handle does not survive a process restart
}

// PublicKeyBytes is the exported public-key encoding for a handle; its
// shape (33-byte compressed, 32-byte x-only, ...) is Algorithm-dependent.
type PublicKeyBytes []byte

// Signature is an Algorithm-dependent signature encoding (64 bytes for
// Schnorr, DER for ECDSA, 64 bytes for Ed25519, ...).
type Signature []byte

// GenerateKeyRequest is the input to Provider.GenerateKey.
type GenerateKeyRequest struct {
	Algorithm Algorithm
	Purpose   Purpose
	Policy    Policy
}

// ImportKeyRequest is the input to Provider.ImportKey. Bytes is the raw
// private key encoding for Algorithm; it is never retained by the caller
// after the call returns and never appears in any log or error.
type ImportKeyRequest struct {
	Bytes     []byte
	Algorithm Algorithm
	Policy    Policy
}

// SignRequest is the input to Provider.Sign. Exactly one of MsgHash (a
// pre-hashed digest) should be supplied by callers that already computed
// the relevant sighash (e.g. the PSBT engine); Aux is optional auxiliary
// randomness for Schnorr nonce derivation.
type SignRequest struct {
	Handle    KeyHandle
	Algorithm Algorithm
	MsgHash   [32]byte
	Aux       []byte
}

// VerifyRequest is the input to Provider.Verify. Either Handle or
// PublicKey must be set.
type VerifyRequest struct {
	Handle    KeyHandle
	PublicKey PublicKeyBytes
	Algorithm Algorithm
	MsgHash   [32]byte
	Signature Signature
}

// HealthReport is returned by Provider.Health and consulted by the
// Factory when selecting and falling back between providers.
type HealthReport struct {
	Healthy   bool
	LatencyMS int64
	Details   string
}

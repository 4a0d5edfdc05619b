package hsm

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/nacl/box"

	l2crypto "github.com/klingon-exchange/l2dispatch/internal/crypto"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// softwareKey is the private material a Software provider holds for one
// handle. Never serialized or logged directly; SealedBlob is what touches
// disk via the Keystore collaborator.
type softwareKey struct {
	meta    KeyMetadata
	ecKey   *btcec.PrivateKey // Secp256k1Ecdsa / Secp256k1Schnorr
	edKey   ed25519.PrivateKey
	symKey  [32]byte // AesGcm
	hdIndex uint32   // next child index for DeriveChild, if this is an HD master
}

// Keystore persists sealed key blobs. The Software provider's default is
// an in-memory map; callers wire a sqlite-backed implementation for
// durability across restarts.
type Keystore interface {
	Put(handle KeyHandle, sealed []byte) error
	Get(handle KeyHandle) ([]byte, bool, error)
	Delete(handle KeyHandle) error
}

// memKeystore is the zero-configuration default: handles do not survive
// a process restart (Software.durable below tracks whether a real
// Keystore was supplied).
type memKeystore struct {
	mu   sync.Mutex
	blob map[KeyHandle][]byte
}

func newMemKeystore() *memKeystore {
	return &memKeystore{blob: make(map[KeyHandle][]byte)}
}

func (m *memKeystore) Put(h KeyHandle, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob[h] = b
	return nil
}

func (m *memKeystore) Get(h KeyHandle) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blob[h]
	return b, ok, nil
}

func (m *memKeystore) Delete(h KeyHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blob, h)
	return nil
}

// Software is the always-available in-process HSM provider. Private key
// material is held in memory and sealed with NaCl box in precomputed-key
// mode (XSalsa20-Poly1305 under sealKey) before it ever reaches the
// Keystore.
type Software struct {
	mu       sync.RWMutex
	keys     map[KeyHandle]*softwareKey
	store    Keystore
	sealKey  [32]byte // symmetric seal key derived from the provider's own secret
	durable  bool
	log      *logging.Logger
	mnemonic string
}

// NewSoftware creates a Software provider. If store is nil, an in-memory
// keystore is used and minted handles are marked Ephemeral.
func NewSoftware(store Keystore, log *logging.Logger) (*Software, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	durable := store != nil
	if store == nil {
		store = newMemKeystore()
	}

	mnemonic, err := bip39.NewMnemonic(mustEntropy(32))
	if err != nil {
		return nil, l2err.Wrap(l2err.RngUnavailable, "failed to generate HD seed mnemonic", err)
	}

	var sealKey [32]byte
	seed, err := l2crypto.SecureRandom(32)
	if err != nil {
		return nil, err
	}
	copy(sealKey[:], seed)

	return &Software{
		keys:     make(map[KeyHandle]*softwareKey),
		store:    store,
		sealKey:  sealKey,
		durable:  durable,
		log:      log.Component("hsm-software"),
		mnemonic: mnemonic,
	}, nil
}

func mustEntropy(n int) []byte {
	b, err := l2crypto.SecureRandom(n)
	if err != nil {
		// SecureRandom only fails if the OS CSPRNG is unavailable, which
		// is itself fatal for every other part of this process, so a
		// failure here panics rather than returning RngUnavailable.
		panic("crypto/rand unavailable: " + err.Error())
	}
	return b
}

func newHandle() (KeyHandle, error) {
	var h KeyHandle
	b, err := l2crypto.SecureRandom(16)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (s *Software) Variant() Variant { return VariantSoftware }

func (s *Software) Health(ctx context.Context) (HealthReport, error) {
	return HealthReport{Healthy: true, LatencyMS: 0, Details: "software provider always available"}, nil
}

func (s *Software) GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error) {
	handle, err := newHandle()
	if err != nil {
		return KeyMetadata{}, err
	}

	sk := &softwareKey{
		meta: KeyMetadata{
			Handle:    handle,
			Algorithm: req.Algorithm,
			Purpose:   req.Purpose,
			CreatedAt: time.Now(),
			Policy:    req.Policy,
			Ephemeral: !s.durable,
		},
	}

	switch req.Algorithm {
	case AlgoSecp256k1Ecdsa, AlgoSecp256k1Schnorr:
		ec, err := btcec.NewPrivateKey()
		if err != nil {
			return KeyMetadata{}, l2err.Wrap(l2err.RngUnavailable, "key generation failed", err)
		}
		sk.ecKey = ec
	case AlgoEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyMetadata{}, l2err.Wrap(l2err.RngUnavailable, "key generation failed", err)
		}
		sk.edKey = priv
	case AlgoAesGcm:
		b, err := l2crypto.SecureRandom(32)
		if err != nil {
			return KeyMetadata{}, err
		}
		copy(sk.symKey[:], b)
	default:
		return KeyMetadata{}, l2err.New(l2err.Unsupported, "algorithm not supported by software provider")
	}

	return s.store_(sk)
}

func (s *Software) ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error) {
	handle, err := newHandle()
	if err != nil {
		return KeyMetadata{}, err
	}

	sk := &softwareKey{
		meta: KeyMetadata{
			Handle:    handle,
			Algorithm: req.Algorithm,
			CreatedAt: time.Now(),
			Policy:    req.Policy,
			Ephemeral: !s.durable,
		},
	}

	switch req.Algorithm {
	case AlgoSecp256k1Ecdsa, AlgoSecp256k1Schnorr:
		if len(req.Bytes) != 32 {
			return KeyMetadata{}, l2err.New(l2err.InvalidPublicKey, "secp256k1 private key must be 32 bytes")
		}
		priv, pub := btcec.PrivKeyFromBytes(req.Bytes)
		_ = pub
		sk.ecKey = priv
	case AlgoEd25519:
		if len(req.Bytes) != ed25519.SeedSize {
			return KeyMetadata{}, l2err.New(l2err.InvalidPublicKey, "ed25519 seed must be 32 bytes")
		}
		sk.edKey = ed25519.NewKeyFromSeed(req.Bytes)
	case AlgoAesGcm:
		if len(req.Bytes) != 32 {
			return KeyMetadata{}, l2err.New(l2err.InvalidPublicKey, "aes-gcm key must be 32 bytes")
		}
		copy(sk.symKey[:], req.Bytes)
	default:
		return KeyMetadata{}, l2err.New(l2err.Unsupported, "algorithm not supported by software provider")
	}

	return s.store_(sk)
}

// store_ seals and persists sk, registers it in memory, and returns its
// metadata. (Named with a trailing underscore only to avoid colliding
// with the Keystore field name `store`.)
func (s *Software) store_(sk *softwareKey) (KeyMetadata, error) {
	sealed, err := s.seal(sk)
	if err != nil {
		return KeyMetadata{}, err
	}
	if err := s.store.Put(sk.meta.Handle, sealed); err != nil {
		return KeyMetadata{}, l2err.Wrap(l2err.Internal, "failed to persist sealed key", err)
	}

	s.mu.Lock()
	s.keys[sk.meta.Handle] = sk
	s.mu.Unlock()

	return sk.meta, nil
}

// seal serializes the raw key bytes and seals them with NaCl box under
// the provider's own sealing key, so a Keystore backed by plain sqlite
// columns never stores plaintext key material.
func (s *Software) seal(sk *softwareKey) ([]byte, error) {
	var raw []byte
	switch sk.meta.Algorithm {
	case AlgoSecp256k1Ecdsa, AlgoSecp256k1Schnorr:
		raw = sk.ecKey.Serialize()
	case AlgoEd25519:
		raw = []byte(sk.edKey.Seed())
	case AlgoAesGcm:
		raw = sk.symKey[:]
	default:
		return nil, l2err.New(l2err.Unsupported, "cannot seal unknown algorithm")
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, l2err.Wrap(l2err.RngUnavailable, "failed to generate sealing nonce", err)
	}

	sealed := box.SealAfterPrecomputation(nil, raw, &nonce, &s.sealSharedKey())
	out := append(nonce[:], sealed...)
	return out, nil
}

// sealSharedKey returns sealKey itself as the NaCl box precomputed
// "shared key", so the provider can both seal and open without a
// counterparty.
func (s *Software) sealSharedKey() [32]byte {
	return s.sealKey
}

// open reverses seal, reconstructing a softwareKey's private material from
// its sealed blob. meta supplies the fields the blob itself doesn't carry
// (Handle, Algorithm, Purpose, ...).
func (s *Software) open(meta KeyMetadata, sealed []byte) (*softwareKey, error) {
	if len(sealed) < 24 {
		return nil, l2err.New(l2err.Internal, "sealed key blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	shared := s.sealSharedKey()
	raw, ok := box.OpenAfterPrecomputation(nil, sealed[24:], &nonce, &shared)
	if !ok {
		return nil, l2err.New(l2err.AuditIntegrity, "sealed key blob failed to open, keystore may be corrupt or sealing key mismatched")
	}

	sk := &softwareKey{meta: meta}
	switch meta.Algorithm {
	case AlgoSecp256k1Ecdsa, AlgoSecp256k1Schnorr:
		if len(raw) != 32 {
			return nil, l2err.New(l2err.Internal, "corrupt secp256k1 key material")
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		sk.ecKey = priv
	case AlgoEd25519:
		if len(raw) != ed25519.SeedSize {
			return nil, l2err.New(l2err.Internal, "corrupt ed25519 key material")
		}
		sk.edKey = ed25519.NewKeyFromSeed(raw)
	case AlgoAesGcm:
		if len(raw) != 32 {
			return nil, l2err.New(l2err.Internal, "corrupt symmetric key material")
		}
		copy(sk.symKey[:], raw)
	default:
		return nil, l2err.New(l2err.Unsupported, "cannot open unknown algorithm")
	}
	return sk, nil
}

// LoadHandle pulls a previously-generated key back from the Keystore into
// memory, for use after a process restart when store is durable. meta
// must match what was recorded out-of-band (e.g. by the Manager's
// persisted adapter state) when the key was created.
func (s *Software) LoadHandle(meta KeyMetadata) error {
	sealed, ok, err := s.store.Get(meta.Handle)
	if err != nil {
		return l2err.Wrap(l2err.Internal, "failed to read sealed key from keystore", err)
	}
	if !ok {
		return l2err.New(l2err.NotFound, "no sealed key for handle in keystore")
	}
	sk, err := s.open(meta, sealed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[meta.Handle] = sk
	s.mu.Unlock()
	return nil
}

func (s *Software) ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error) {
	sk, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	switch sk.meta.Algorithm {
	case AlgoSecp256k1Ecdsa:
		return PublicKeyBytes(sk.ecKey.PubKey().SerializeCompressed()), nil
	case AlgoSecp256k1Schnorr:
		xo := l2crypto.XOnly(sk.ecKey.PubKey())
		return PublicKeyBytes(xo[:]), nil
	case AlgoEd25519:
		pub := sk.edKey.Public().(ed25519.PublicKey)
		return PublicKeyBytes(pub), nil
	default:
		return nil, l2err.New(l2err.Unsupported, "no public key for this algorithm")
	}
}

func (s *Software) Sign(ctx context.Context, req SignRequest) (Signature, error) {
	sk, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	if sk.meta.Algorithm != req.Algorithm {
		return nil, l2err.New(l2err.AlgorithmMismatch, "requested algorithm does not match key")
	}
	if sk.meta.Policy.MaxUsageCount > 0 && sk.meta.UsageCounter >= sk.meta.Policy.MaxUsageCount {
		return nil, l2err.New(l2err.Denied, "key usage policy exceeded")
	}

	var sig Signature
	switch req.Algorithm {
	case AlgoSecp256k1Schnorr:
		aux, err := auxOrRandom(req.Aux)
		if err != nil {
			return nil, err
		}
		out, err := l2crypto.SchnorrSign(sk.ecKey, req.MsgHash, aux)
		if err != nil {
			return nil, err
		}
		sig = Signature(out[:])
	case AlgoSecp256k1Ecdsa:
		ecSig := ecdsa.Sign(sk.ecKey, req.MsgHash[:])
		sig = Signature(ecSig.Serialize())
	case AlgoEd25519:
		sig = Signature(ed25519.Sign(sk.edKey, req.MsgHash[:]))
	default:
		return nil, l2err.New(l2err.Unsupported, "signing not supported for this algorithm")
	}

	s.mu.Lock()
	sk.meta.UsageCounter++
	s.mu.Unlock()

	return sig, nil
}

func auxOrRandom(aux []byte) ([32]byte, error) {
	var out [32]byte
	if len(aux) == 32 {
		copy(out[:], aux)
		return out, nil
	}
	b, err := l2crypto.SecureRandom(32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

func (s *Software) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	var pub PublicKeyBytes
	if !req.Handle.IsZero() {
		p, err := s.ExportPublic(ctx, req.Handle)
		if err != nil {
			return false, err
		}
		pub = p
	} else {
		pub = req.PublicKey
	}

	switch req.Algorithm {
	case AlgoSecp256k1Schnorr:
		var pk [32]byte
		var sig [64]byte
		copy(pk[:], pub)
		copy(sig[:], req.Signature)
		return l2crypto.SchnorrVerify(pk, req.MsgHash, sig), nil
	case AlgoEd25519:
		return ed25519.Verify(ed25519.PublicKey(pub), req.MsgHash[:], req.Signature), nil
	default:
		return false, l2err.New(l2err.Unsupported, "verify not supported for this algorithm")
	}
}

func (s *Software) DeleteKey(ctx context.Context, handle KeyHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[handle]; !ok {
		return l2err.New(l2err.NotFound, "key handle not found")
	}
	delete(s.keys, handle)
	return s.store.Delete(handle)
}

func (s *Software) DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error) {
	sk, err := s.lookup(handle)
	if err != nil {
		return KeyMetadata{}, err
	}
	if sk.meta.Purpose != PurposeHDMaster {
		return KeyMetadata{}, l2err.New(l2err.Unsupported, "handle is not an HD master key")
	}

	// Simplified hardened-only BIP-32-style derivation: fold each path
	// element into the master scalar via a tagged hash, which is
	// sufficient for deriving per-purpose signing subkeys without
	// depending on the full hdkeychain extended-key machinery.
	cur := sk.ecKey
	for _, idx := range path {
		if idx < 1<<31 {
			return KeyMetadata{}, l2err.New(l2err.Unsupported, "non-hardened derivation requires a public parent, unsupported here")
		}
		var buf bytes.Buffer
		buf.Write(cur.Serialize())
		idxBytes := []byte{byte(idx >> 24), byte(idx >> 16), byte(idx >> 8), byte(idx)}
		tweak := l2crypto.TaggedHash("L2Dispatch/hd-child", buf.Bytes(), idxBytes)
		var scalar btcec.ModNScalar
		scalar.SetBytes(&tweak)
		childScalar := cur.Key
		childScalar.Add(&scalar)
		cur = btcec.PrivKeyFromScalar(&childScalar)
	}

	child := &softwareKey{
		meta: KeyMetadata{
			Handle:    mustHandle(),
			Algorithm: sk.meta.Algorithm,
			Purpose:   PurposeMisc,
			CreatedAt: time.Now(),
			Ephemeral: !s.durable,
		},
		ecKey: cur,
	}
	return s.store_(child)
}

func mustHandle() KeyHandle {
	h, err := newHandle()
	if err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return h
}

func (s *Software) lookup(handle KeyHandle) (*softwareKey, error) {
	s.mu.RLock()
	sk, ok := s.keys[handle]
	s.mu.RUnlock()
	if ok {
		return sk, nil
	}
	return nil, l2err.New(l2err.NotFound, "key handle not found")
}

// MasterMnemonic returns the provider's BIP-39 mnemonic. Exposed only for
// backup-export flows, never logged.
func (s *Software) MasterMnemonic() string {
	return s.mnemonic
}

var _ Provider = (*Software)(nil)

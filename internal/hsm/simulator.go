package hsm

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// ReleaseBuild is set at link time (-ldflags "-X ...ReleaseBuild=1") for
// production binaries. The Simulator provider refuses to construct when
// it is set, since its keys are derived deterministically from the
// handle and carry no real secrecy.
var ReleaseBuild string

// Simulator is a deterministic provider for integration tests and CI: key
// material is derived from the handle itself rather than sourced from the
// CSPRNG, so the same test fixture always produces the same keys across
// runs. It constructs keys via the decred secp256k1 package's ModNScalar
// arithmetic directly rather than btcec's randomness-backed constructors;
// btcec.PrivateKey is a type alias for secp256k1.PrivateKey so the result
// still signs through btcec/v2/schnorr unchanged.
type Simulator struct {
	mu   sync.Mutex
	keys map[KeyHandle]*simKey
	seq  uint64
}

type simKey struct {
	meta  KeyMetadata
	ecKey *secp256k1.PrivateKey
	edKey ed25519.PrivateKey
}

// NewSimulator constructs a Simulator provider. Returns an error if
// ReleaseBuild was set at link time.
func NewSimulator() (*Simulator, error) {
	if ReleaseBuild != "" {
		return nil, l2err.New(l2err.Denied, "simulator HSM provider is disabled in release builds")
	}
	return &Simulator{keys: make(map[KeyHandle]*simKey)}, nil
}

func (s *Simulator) Variant() Variant { return VariantSimulator }

func (s *Simulator) Health(ctx context.Context) (HealthReport, error) {
	return HealthReport{Healthy: true, Details: "simulator, deterministic keys, not for production use"}, nil
}

func (s *Simulator) nextHandle() KeyHandle {
	s.seq++
	var h KeyHandle
	buf := []byte{byte(s.seq >> 56), byte(s.seq >> 48), byte(s.seq >> 40), byte(s.seq >> 32),
		byte(s.seq >> 24), byte(s.seq >> 16), byte(s.seq >> 8), byte(s.seq)}
	copy(h[:8], buf)
	copy(h[8:], "simulatr")
	return h
}

func (s *Simulator) GenerateKey(ctx context.Context, req GenerateKeyRequest) (KeyMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextHandle()
	sk := &simKey{meta: KeyMetadata{
		Handle: handle, Algorithm: req.Algorithm, Purpose: req.Purpose,
		CreatedAt: time.Now(), Policy: req.Policy, Ephemeral: true,
	}}

	scalarSeed := handle[:]
	switch req.Algorithm {
	case AlgoSecp256k1Ecdsa, AlgoSecp256k1Schnorr:
		var padded [32]byte
		copy(padded[16:], scalarSeed)
		priv := secp256k1.PrivKeyFromBytes(padded[:])
		sk.ecKey = priv
	case AlgoEd25519:
		var seed32 [32]byte
		copy(seed32[16:], scalarSeed)
		sk.edKey = ed25519.NewKeyFromSeed(seed32[:])
	default:
		return KeyMetadata{}, l2err.New(l2err.Unsupported, "algorithm not supported by simulator")
	}

	s.keys[handle] = sk
	return sk.meta, nil
}

func (s *Simulator) ImportKey(ctx context.Context, req ImportKeyRequest) (KeyMetadata, error) {
	return KeyMetadata{}, l2err.New(l2err.Unsupported, "simulator does not support importing external key material")
}

func (s *Simulator) ExportPublic(ctx context.Context, handle KeyHandle) (PublicKeyBytes, error) {
	sk, err := s.lookup(handle)
	if err != nil {
		return nil, err
	}
	switch sk.meta.Algorithm {
	case AlgoSecp256k1Ecdsa:
		return PublicKeyBytes(sk.ecKey.PubKey().SerializeCompressed()), nil
	case AlgoSecp256k1Schnorr:
		pub := sk.ecKey.PubKey().SerializeCompressed()
		return PublicKeyBytes(pub[1:]), nil
	case AlgoEd25519:
		return PublicKeyBytes(sk.edKey.Public().(ed25519.PublicKey)), nil
	default:
		return nil, l2err.New(l2err.Unsupported, "no public key for this algorithm")
	}
}

func (s *Simulator) Sign(ctx context.Context, req SignRequest) (Signature, error) {
	sk, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	switch req.Algorithm {
	case AlgoSecp256k1Schnorr:
		sig, err := schnorr.Sign(sk.ecKey, req.MsgHash[:])
		if err != nil {
			return nil, l2err.Wrap(l2err.InvalidSignature, "simulator schnorr signing failed", err)
		}
		return Signature(sig.Serialize()), nil
	case AlgoEd25519:
		return Signature(ed25519.Sign(sk.edKey, req.MsgHash[:])), nil
	default:
		return nil, l2err.New(l2err.Unsupported, "signing not supported for this algorithm")
	}
}

func (s *Simulator) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	pub := req.PublicKey
	if !req.Handle.IsZero() {
		p, err := s.ExportPublic(ctx, req.Handle)
		if err != nil {
			return false, err
		}
		pub = p
	}
	switch req.Algorithm {
	case AlgoSecp256k1Schnorr:
		pk, err := schnorr.ParsePubKey(pub)
		if err != nil {
			return false, nil
		}
		sig, err := schnorr.ParseSignature(req.Signature)
		if err != nil {
			return false, nil
		}
		return sig.Verify(req.MsgHash[:], pk), nil
	case AlgoEd25519:
		return ed25519.Verify(ed25519.PublicKey(pub), req.MsgHash[:], req.Signature), nil
	default:
		return false, l2err.New(l2err.Unsupported, "verify not supported for this algorithm")
	}
}

func (s *Simulator) DeleteKey(ctx context.Context, handle KeyHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[handle]; !ok {
		return l2err.New(l2err.NotFound, "key handle not found")
	}
	delete(s.keys, handle)
	return nil
}

func (s *Simulator) DeriveChild(ctx context.Context, handle KeyHandle, path []uint32) (KeyMetadata, error) {
	return KeyMetadata{}, l2err.New(l2err.Unsupported, "simulator does not support HD derivation")
}

func (s *Simulator) lookup(handle KeyHandle) (*simKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sk, ok := s.keys[handle]
	if !ok {
		return nil, l2err.New(l2err.NotFound, "key handle not found")
	}
	return sk, nil
}

var _ Provider = (*Simulator)(nil)

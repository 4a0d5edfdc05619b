// Package psbt2 layers BIP-370 (PSBTv2) field handling and HSM-provider
// signing on top of btcsuite's btcutil/psbt, which implements the
// BIP-174 (v0) wire format. The package name avoids colliding with the
// imported library's own "psbt" identifier.
package psbt2

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/l2dispatch/internal/hsm"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// BIP-370 global keytypes. btcutil/psbt predates BIP-370, so these are
// carried as Packet.Unknowns rather than first-class struct fields; the
// helpers below read/write them without disturbing any other unknown
// key the caller's wallet software may have attached.
var (
	keyGlobalTxVersion   = []byte{0x02}
	keyGlobalInputCount  = []byte{0x06}
	keyGlobalOutputCount = []byte{0x07}
	keyGlobalTxModifiable = []byte{0x09}
)

// TxModFlags mirrors BIP-370's PSBT_GLOBAL_TX_MODIFIABLE bitfield.
type TxModFlags uint8

const (
	InputsModifiable    TxModFlags = 1 << 0
	OutputsModifiable   TxModFlags = 1 << 1
	SighashSingleInputs TxModFlags = 1 << 2
)

// Psbt wraps a btcutil/psbt.Packet, the same type the rest of the pack's
// signers operate on directly, so this package never has to reimplement
// BIP-174 serialization.
type Psbt struct {
	*psbt.Packet
}

// Decode parses a binary-encoded PSBT. The BIP-174 magic check and byte
// layout are delegated entirely to btcutil/psbt; any BIP-370 global
// fields present arrive as Unknowns and are left untouched so Encode
// round-trips them verbatim.
func Decode(b []byte) (*Psbt, error) {
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(b), false)
	if err != nil {
		return nil, l2err.Wrap(l2err.InvalidPsbt, "failed to decode psbt", err)
	}
	return &Psbt{Packet: pkt}, nil
}

// Encode serializes p back to its binary wire form.
func Encode(p *Psbt) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Packet.Serialize(&buf); err != nil {
		return nil, l2err.Wrap(l2err.InvalidPsbt, "failed to encode psbt", err)
	}
	return buf.Bytes(), nil
}

// TxVersion returns the BIP-370 PSBT_GLOBAL_TX_VERSION value if present.
func (p *Psbt) TxVersion() (uint32, bool) {
	return readGlobalU32(p.Packet, keyGlobalTxVersion)
}

// TxModifiable returns the BIP-370 PSBT_GLOBAL_TX_MODIFIABLE flags if
// present.
func (p *Psbt) TxModifiable() (TxModFlags, bool) {
	for _, u := range p.Packet.Unknowns {
		if bytes.Equal(u.Key, keyGlobalTxModifiable) && len(u.Value) == 1 {
			return TxModFlags(u.Value[0]), true
		}
	}
	return 0, false
}

func readGlobalU32(pkt *psbt.Packet, key []byte) (uint32, bool) {
	for _, u := range pkt.Unknowns {
		if bytes.Equal(u.Key, key) && len(u.Value) == 4 {
			return binary.LittleEndian.Uint32(u.Value), true
		}
	}
	return 0, false
}

// Combine merges psbts into the first packet. Global Unknowns are merged
// by key, and different values for the same global key are rejected.
// Per input, partial signatures are merged by public key (where two
// packets carry one for the same key, the first packet's is kept), a
// taproot key-path signature is taken from whichever packet has one
// (two different ones are rejected), and taproot script-path signatures
// are merged by x-only key and leaf hash. Output fields are not merged.
// Combining a PSBT with itself (or with an identical copy) is a no-op.
// For packets that do not conflict, the result does not depend on the
// order they are given in, apart from the order of appended entries.
func Combine(psbts ...*Psbt) (*Psbt, error) {
	if len(psbts) == 0 {
		return nil, l2err.New(l2err.InvalidPsbt, "combine requires at least one psbt")
	}

	base := psbts[0]
	merged := map[string][]byte{}
	for _, u := range base.Packet.Unknowns {
		merged[string(u.Key)] = u.Value
	}

	for _, p := range psbts[1:] {
		if len(p.Packet.Inputs) != len(base.Packet.Inputs) || len(p.Packet.Outputs) != len(base.Packet.Outputs) {
			return nil, l2err.New(l2err.InvalidPsbt, "cannot combine psbts describing different transactions")
		}
		for _, u := range p.Packet.Unknowns {
			k := string(u.Key)
			if existing, ok := merged[k]; ok {
				if !bytes.Equal(existing, u.Value) {
					return nil, l2err.New(l2err.InvalidPsbt, "conflicting global field value across psbts being combined")
				}
				continue
			}
			merged[k] = u.Value
			base.Packet.Unknowns = append(base.Packet.Unknowns, u)
		}
		if err := combineInputs(base, p); err != nil {
			return nil, err
		}
	}
	return base, nil
}

func combineInputs(base, other *Psbt) error {
	for i := range base.Packet.Inputs {
		bi := &base.Packet.Inputs[i]
		oi := &other.Packet.Inputs[i]

		if len(oi.PartialSigs) > 0 {
			existing := make(map[string]bool, len(bi.PartialSigs))
			for _, s := range bi.PartialSigs {
				existing[string(s.PubKey)] = true
			}
			for _, s := range oi.PartialSigs {
				if !existing[string(s.PubKey)] {
					bi.PartialSigs = append(bi.PartialSigs, s)
				}
			}
		}
		if bi.TaprootKeySpendSig != nil && oi.TaprootKeySpendSig != nil && !bytes.Equal(bi.TaprootKeySpendSig, oi.TaprootKeySpendSig) {
			return l2err.New(l2err.InvalidPsbt, "conflicting taproot key-path signature across psbts being combined")
		}
		if bi.TaprootKeySpendSig == nil && oi.TaprootKeySpendSig != nil {
			bi.TaprootKeySpendSig = oi.TaprootKeySpendSig
		}
		for _, s := range oi.TaprootScriptSpendSig {
			dup := false
			for _, e := range bi.TaprootScriptSpendSig {
				if bytes.Equal(e.XOnlyPubKey, s.XOnlyPubKey) && bytes.Equal(e.LeafHash, s.LeafHash) {
					dup = true
					break
				}
			}
			if !dup {
				bi.TaprootScriptSpendSig = append(bi.TaprootScriptSpendSig, s)
			}
		}
	}
	return nil
}

// SighashFor computes the BIP-341 taproot key-path sighash for
// inputIndex, which must carry a WitnessUtxo. Inputs with a
// WitnessScript or a TaprootLeafScript are rejected as Unsupported:
// legacy, segwit v0 and taproot script-path sighashes are not computed.
// fetcher supplies every referenced previous output.
func SighashFor(p *Psbt, inputIndex int, fetcher txscript.PrevOutputFetcher) ([32]byte, error) {
	var out [32]byte
	if inputIndex < 0 || inputIndex >= len(p.Packet.Inputs) {
		return out, l2err.New(l2err.InvalidPsbt, "input index out of range")
	}
	in := p.Packet.Inputs[inputIndex]
	if in.WitnessUtxo == nil {
		return out, l2err.New(l2err.InvalidPsbt, "input is missing witness utxo")
	}

	sigHashes := txscript.NewTxSigHashes(p.Packet.UnsignedTx, fetcher)
	sighashType := in.SighashType
	if sighashType == 0 {
		sighashType = txscript.SigHashDefault
	}

	if len(in.WitnessScript) == 0 && len(in.TaprootLeafScript) == 0 {
		sh, err := txscript.CalcTaprootSignatureHash(sigHashes, sighashType, p.Packet.UnsignedTx, inputIndex, fetcher)
		if err != nil {
			return out, l2err.Wrap(l2err.InvalidPsbt, "failed to compute taproot key-path sighash", err)
		}
		copy(out[:], sh)
		return out, nil
	}

	return out, l2err.New(l2err.Unsupported, "only taproot key-path sighash computation is implemented")
}

// Sign computes the appropriate sighash for inputIndex and asks hsm to
// sign it with handle, attaching the result as the input's
// TaprootKeySpendSig. The caller is responsible for ensuring handle
// names a Secp256k1Schnorr key whose tweak (if any) matches the input's
// TaprootMerkleRoot — Sign does not perform the key-path tweak itself,
// since that requires access to the provider's private scalar (see
// hsm.Bitcoin.SignTaprootKeyPath for the composite that does).
func Sign(ctx context.Context, p *Psbt, provider hsm.Provider, handle hsm.KeyHandle, inputIndex int, fetcher txscript.PrevOutputFetcher) error {
	sighash, err := SighashFor(p, inputIndex, fetcher)
	if err != nil {
		return err
	}

	sig, err := provider.Sign(ctx, hsm.SignRequest{
		Handle:    handle,
		Algorithm: hsm.AlgoSecp256k1Schnorr,
		MsgHash:   sighash,
	})
	if err != nil {
		return err
	}

	if _, err := schnorr.ParseSignature(sig); err != nil {
		return l2err.Wrap(l2err.InvalidSignature, "hsm returned a malformed schnorr signature", err)
	}
	p.Packet.Inputs[inputIndex].TaprootKeySpendSig = sig
	return nil
}

// SignWithProvider is the Bitcoin-composite-aware counterpart of Sign: it
// performs the BIP-341 key-path tweak via provider.SignTaprootKeyPath
// before signing, so handle may name the untweaked internal key. This
// lives here (not on hsm.Bitcoin) to keep internal/hsm free of a
// dependency on this package.
func SignWithProvider(ctx context.Context, p *Psbt, provider *hsm.Bitcoin, handle hsm.KeyHandle, inputIndex int, fetcher txscript.PrevOutputFetcher) error {
	sighash, err := SighashFor(p, inputIndex, fetcher)
	if err != nil {
		return err
	}
	in := &p.Packet.Inputs[inputIndex]
	var merkleRoot *[32]byte
	if len(in.TaprootMerkleRoot) == 32 {
		var mr [32]byte
		copy(mr[:], in.TaprootMerkleRoot)
		merkleRoot = &mr
	}

	sig, err := provider.SignTaprootKeyPath(ctx, handle, sighash, merkleRoot)
	if err != nil {
		return err
	}
	in.TaprootKeySpendSig = sig
	return nil
}

// Finalize builds FinalScriptWitness for every taproot key-path input
// that carries a TaprootKeySpendSig. Script-path (SILENT_LEAF) finalization
// is not yet attempted for inputs lacking a key-path signature; those are
// left unfinalized and ExtractTx will reject the packet.
func Finalize(p *Psbt) (*Psbt, error) {
	for i := range p.Packet.Inputs {
		in := &p.Packet.Inputs[i]
		if in.FinalScriptWitness != nil {
			continue
		}
		if in.TaprootKeySpendSig == nil {
			continue
		}

		var witnessBuf bytes.Buffer
		if err := wire.WriteVarInt(&witnessBuf, 0, 1); err != nil {
			return nil, l2err.Wrap(l2err.Internal, "failed to write witness count", err)
		}
		if err := wire.WriteVarBytes(&witnessBuf, 0, in.TaprootKeySpendSig); err != nil {
			return nil, l2err.Wrap(l2err.Internal, "failed to write witness item", err)
		}
		in.FinalScriptWitness = witnessBuf.Bytes()
	}
	return p, nil
}

// ExtractTx returns the fully-signed wire.MsgTx, requiring every input
// be finalized first.
func ExtractTx(p *Psbt) (*wire.MsgTx, error) {
	for i, in := range p.Packet.Inputs {
		if in.FinalScriptWitness == nil && in.FinalScriptSig == nil {
			return nil, l2err.New(l2err.InvalidPsbt, fmt.Sprintf("input %d is not finalized", i))
		}
	}

	tx := p.Packet.UnsignedTx.Copy()
	for i, in := range p.Packet.Inputs {
		if in.FinalScriptSig != nil {
			tx.TxIn[i].SignatureScript = in.FinalScriptSig
		}
		if in.FinalScriptWitness != nil {
			witness, err := decodeWitness(in.FinalScriptWitness)
			if err != nil {
				return nil, l2err.Wrap(l2err.InvalidPsbt, "failed to decode final witness", err)
			}
			tx.TxIn[i].Witness = witness
		}
	}
	return tx, nil
}

func decodeWitness(b []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(b)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	witness := make(wire.TxWitness, count)
	for i := range witness {
		item, err := wire.ReadVarBytes(r, 0, txscript.MaxScriptSize, "witness item")
		if err != nil {
			return nil, err
		}
		witness[i] = item
	}
	return witness, nil
}

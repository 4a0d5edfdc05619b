// Package taproot builds BIP-341 taproot outputs and control blocks. The
// engine is pure: no goroutines, no shared mutable state, safe to call
// concurrently from the HSM Bitcoin provider and the PSBT engine alike.
package taproot

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"

	l2crypto "github.com/klingon-exchange/l2dispatch/internal/crypto"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/helpers"
)

// LeafVersion is the tapscript leaf version byte defined by BIP-342.
const LeafVersion uint8 = 0xC0

// TapLeaf is a single tapscript leaf: a version byte plus a script.
type TapLeaf struct {
	LeafVersion uint8
	Script      []byte
}

// Hash computes the BIP-341 tapleaf hash:
// H_TapLeaf(leaf_version || compact_size(script) || script).
func (l TapLeaf) Hash() [32]byte {
	var buf bytes.Buffer
	buf.WriteByte(l.LeafVersion)
	helpers.WriteCompactSize(&buf, uint64(len(l.Script)))
	buf.Write(l.Script)
	return l2crypto.TaggedHash(l2crypto.TagTapLeaf, buf.Bytes())
}

// SilentLeaf is the reserved leaf this implementation uses to make
// script-path spends indistinguishable from key-path spends at the
// commitment level. The canonical form is leaf version 0xC0 over the
// empty script; this choice is published so third parties can
// interoperate (see DESIGN.md).
var SilentLeaf = TapLeaf{LeafVersion: LeafVersion, Script: []byte{}}

// TapBranch combines two child hashes into a parent hash, always under
// lexicographic ordering of the children per BIP-341.
func TapBranch(a, b [32]byte) [32]byte {
	lo, hi := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		lo, hi = b, a
	}
	return l2crypto.TaggedHash(l2crypto.TagTapBranch, lo[:], hi[:])
}

// TaprootOutput is the result of committing a tree of leaves (or none, for
// a pure key-path output) to an internal key.
type TaprootOutput struct {
	InternalKey [32]byte
	MerkleRoot  *[32]byte // nil for a pure key-path output
	OutputKey   [32]byte
	OutputOdd   bool // parity of the output key's Y coordinate
}

// leafNode is an internal build-tree node retaining the path of sibling
// hashes needed later to produce a control block for that leaf.
// descendants lists the original leaves under this subtree (itself, for
// an original leaf); it is used purely during tree construction to
// propagate sibling hashes down to every leaf a synthetic parent covers.
type leafNode struct {
	leaf        TapLeaf
	hash        [32]byte
	path        [][32]byte
	descendants []*leafNode
}

// BuildOutput constructs the taproot commitment for internalKey over
// leaves. A single-leaf tree uses that leaf's hash directly as the merkle
// root; an empty leaf set yields a pure key-path output with no root.
// Leaves are combined pairwise left-to-right in the order given, with
// BIP-341's lexicographic ordering applied at every combination step, so
// the result is independent of any reordering among leaves that happen to
// share a hash.
func BuildOutput(internalKey [32]byte, leaves []TapLeaf) (*TaprootOutput, *ControlBlockBuilder, error) {
	internalPub, err := l2crypto.ParseXOnlyPubKey(internalKey)
	if err != nil {
		return nil, nil, err
	}

	nodes := make([]*leafNode, len(leaves))
	for i, l := range leaves {
		n := &leafNode{leaf: l, hash: l.Hash()}
		n.descendants = []*leafNode{n}
		nodes[i] = n
	}

	var root *[32]byte
	if len(nodes) > 0 {
		r := combineLevel(nodes)
		root = &r
	}

	outKey, odd, err := tweakedOutputKey(internalPub, root)
	if err != nil {
		return nil, nil, err
	}

	out := &TaprootOutput{
		InternalKey: internalKey,
		MerkleRoot:  root,
		OutputKey:   outKey,
		OutputOdd:   odd,
	}
	cb := &ControlBlockBuilder{internalKey: internalKey, outputOdd: odd, nodes: nodes}
	return out, cb, nil
}

// combineLevel reduces nodes to a single root hash, recording each
// node's Merkle path as it folds pairs together.
func combineLevel(nodes []*leafNode) [32]byte {
	if len(nodes) == 1 {
		return nodes[0].hash
	}

	level := nodes
	for len(level) > 1 {
		var next []*leafNode
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd one out carries forward unchanged.
				next = append(next, level[i])
				continue
			}
			a, b := level[i], level[i+1]
			parent := TapBranch(a.hash, b.hash)

			for _, d := range a.descendants {
				d.path = append(d.path, b.hash)
			}
			for _, d := range b.descendants {
				d.path = append(d.path, a.hash)
			}

			next = append(next, &leafNode{
				hash:        parent,
				descendants: append(append([]*leafNode{}, a.descendants...), b.descendants...),
			})
		}
		level = next
	}
	return level[0].hash
}

func tweakedOutputKey(internalPub *btcec.PublicKey, merkleRoot *[32]byte) ([32]byte, bool, error) {
	internalXOnly := l2crypto.XOnly(internalPub)

	var tweakInput []byte
	tweakInput = append(tweakInput, internalXOnly[:]...)
	if merkleRoot != nil {
		tweakInput = append(tweakInput, merkleRoot[:]...)
	}
	tweak := l2crypto.TaggedHash(l2crypto.TagTapTweak, tweakInput)

	tweakScalar := new(btcec.ModNScalar)
	if overflow := tweakScalar.SetBytes((*[32]byte)(tweak[:])); overflow != 0 {
		return [32]byte{}, false, l2err.New(l2err.InvalidPublicKey, "tweak scalar overflow")
	}

	var tweakedPubJ btcec.JacobianPoint
	internalPub.AsJacobian(&tweakedPubJ)

	var tweakPointJ btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(tweakScalar, &tweakPointJ)
	btcec.AddNonConst(&tweakedPubJ, &tweakPointJ, &tweakedPubJ)
	tweakedPubJ.ToAffine()

	outPub := btcec.NewPublicKey(&tweakedPubJ.X, &tweakedPubJ.Y)
	odd := tweakedPubJ.Y.IsOdd()

	return l2crypto.XOnly(outPub), odd, nil
}

// TweakPrivateKey applies the BIP-341 private-key tweak for a key-path
// spend: negate the private key if its public key has an odd Y
// coordinate, then add h_TapTweak(internalXOnly || merkleRoot) mod the
// curve order. Pass a nil merkleRoot for a pure key-path-only output.
func TweakPrivateKey(sk *btcec.PrivateKey, internalXOnly [32]byte, merkleRoot *[32]byte) (*btcec.PrivateKey, error) {
	scalar := sk.Key
	pubBytes := sk.PubKey().SerializeCompressed()
	if pubBytes[0] == 0x03 {
		scalar.Negate()
	}

	var tweakInput []byte
	tweakInput = append(tweakInput, internalXOnly[:]...)
	if merkleRoot != nil {
		tweakInput = append(tweakInput, merkleRoot[:]...)
	}
	tweak := l2crypto.TaggedHash(l2crypto.TagTapTweak, tweakInput)

	var tweakScalar btcec.ModNScalar
	if overflow := tweakScalar.SetBytes(&tweak); overflow != 0 {
		return nil, l2err.New(l2err.InvalidPublicKey, "tweak scalar overflow")
	}

	scalar.Add(&tweakScalar)
	return btcec.PrivKeyFromScalar(&scalar), nil
}

// VerifyOutput reconstructs the output key from (InternalKey, MerkleRoot)
// and checks it against the stored OutputKey.
func VerifyOutput(o *TaprootOutput) bool {
	internalPub, err := l2crypto.ParseXOnlyPubKey(o.InternalKey)
	if err != nil {
		return false
	}
	outKey, odd, err := tweakedOutputKey(internalPub, o.MerkleRoot)
	if err != nil {
		return false
	}
	return l2crypto.ConstantTimeEqual(outKey[:], o.OutputKey[:]) && odd == o.OutputOdd
}

// ControlBlockBuilder produces BIP-341 control blocks for leaves of the
// tree that produced it.
type ControlBlockBuilder struct {
	internalKey [32]byte
	outputOdd   bool
	nodes       []*leafNode
}

// ControlBlock returns the 33+32n byte control block for the given leaf,
// or an error if the leaf was not part of the tree this builder was
// constructed from.
func (cb *ControlBlockBuilder) ControlBlock(leaf TapLeaf) ([]byte, error) {
	h := leaf.Hash()
	for _, n := range cb.nodes {
		if n.hash == h {
			return buildControlBlock(cb.internalKey, leaf.LeafVersion, cb.outputOdd, n.path), nil
		}
	}
	return nil, l2err.New(l2err.NotFound, "leaf not present in this tree")
}

func buildControlBlock(internalKey [32]byte, leafVersion uint8, outputOdd bool, path [][32]byte) []byte {
	first := leafVersion &^ 0x01
	if outputOdd {
		first |= 0x01
	}

	out := make([]byte, 0, 33+32*len(path))
	out = append(out, first)
	out = append(out, internalKey[:]...)
	for _, h := range path {
		out = append(out, h[:]...)
	}
	return out
}

// ControlBlock is a convenience one-shot wrapper for a single leaf against
// a fresh tree. Building the whole tree is required to compute the Merkle
// path, so this simply delegates to BuildOutput + the resulting builder.
func ControlBlock(internalKey [32]byte, leaves []TapLeaf, leaf TapLeaf) ([]byte, error) {
	_, cb, err := BuildOutput(internalKey, leaves)
	if err != nil {
		return nil, err
	}
	return cb.ControlBlock(leaf)
}

// Package merkle builds batch trees over ledger entry hashes and produces
// inclusion proofs for the verification endpoint.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	leafPrefix = "sardis:ledger:leaf:v1"
	nodePrefix = "sardis:ledger:node:v1"
)

// Tree is a Merkle tree over an ordered batch of ledger entry hashes.
type Tree struct {
	Leaves []string   // leaf hashes, in batch order
	Levels [][]string // levels bottom-up; Levels[len-1] is the root level
	Root   string
}

// ErrEmptyBatch is returned when a tree is requested over zero leaves.
var ErrEmptyBatch = errors.New("merkle: empty batch")

// Build constructs a tree over entry hashes. Each input is domain-separated
// into a leaf hash before pairing; odd levels duplicate the last node.
func Build(entryHashes []string) (*Tree, error) {
	if len(entryHashes) == 0 {
		return nil, ErrEmptyBatch
	}

	leaves := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		leaves[i] = leafHash(h)
	}

	t := &Tree{Leaves: leaves}
	level := leaves
	for len(level) > 1 {
		t.Levels = append(t.Levels, level)
		level = nextLevel(level)
	}
	t.Levels = append(t.Levels, level)
	t.Root = level[0]
	return t, nil
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// InclusionProof proves one entry hash is a leaf of a batch root.
type InclusionProof struct {
	EntryHash string      `json:"entry_hash"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// Prove returns an inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, errors.New("merkle: leaf index out of range")
	}
	proof := &InclusionProof{LeafHash: t.Leaves[index], Root: t.Root}

	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx // odd level: last node pairs with itself
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.Path = append(proof.Path, ProofStep{Side: side, SiblingHash: level[sibling]})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the path and reports whether the proof binds the entry
// hash to the expected root.
func Verify(entryHash string, proof *InclusionProof, expectedRoot string) bool {
	if proof == nil || proof.Root != expectedRoot {
		return false
	}
	current := leafHash(entryHash)
	if current != proof.LeafHash {
		return false
	}
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return current == expectedRoot
}

func leafHash(entryHash string) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(entryHash)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1])
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Package merkle builds domain-separated SHA-256 Merkle trees over ledger
// entry hashes and produces inclusion proofs for individual leaves.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Merkle tree prefixes. Leaves and internal nodes hash under different
// domains so a node can never be replayed as a leaf.
const (
	LeafPrefix = "qhub:ltc:leaf:v1"
	NodePrefix = "qhub:ltc:node:v1"
)

// Tree is a Merkle tree whose levels are kept for proof generation.
type Tree struct {
	Leaves []string   `json:"leaves"` // leaf hashes, hex
	Root   string     `json:"root"`
	Levels [][]string `json:"-"`
}

// Build constructs a tree over the given leaf values in order. An odd node
// at any level is paired with itself.
func Build(values [][]byte) *Tree {
	tree := &Tree{Leaves: make([]string, len(values))}
	if len(values) == 0 {
		tree.Root = sha256Hex(nil)
		return tree
	}

	for i, v := range values {
		tree.Leaves[i] = LeafHash(v)
	}

	level := append([]string(nil), tree.Leaves...)
	tree.Levels = append(tree.Levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		tree.Levels = append(tree.Levels, level)
	}
	tree.Root = level[0]
	return tree
}

// BuildFromStrings is Build over string leaves, e.g. entry hashes.
func BuildFromStrings(values []string) *Tree {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	return Build(raw)
}

// LeafHash hashes a leaf value.
// Format: LeafPrefix || 0x00 || value
func LeafHash(value []byte) string {
	var buf bytes.Buffer
	buf.WriteString(LeafPrefix)
	buf.WriteByte(0)
	buf.Write(value)
	return sha256Hex(buf.Bytes())
}

func nextLevel(level []string) []string {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = nodeHash(level[i], level[i+1])
	}
	return next
}

// nodeHash computes an internal node hash.
// Format: NodePrefix || 0x00 || left || right
func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(NodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Hashes inside a tree are produced here; a bad one hashes as raw text
		// so verification fails instead of panicking.
		return []byte(s)
	}
	return b
}

// Validate checks the tree is internally consistent by rebuilding its root.
func (t *Tree) Validate() error {
	if len(t.Leaves) == 0 {
		if t.Root != sha256Hex(nil) {
			return fmt.Errorf("empty tree has root %s", t.Root)
		}
		return nil
	}
	level := append([]string(nil), t.Leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	if level[0] != t.Root {
		return fmt.Errorf("root mismatch: computed %s, stored %s", level[0], t.Root)
	}
	return nil
}

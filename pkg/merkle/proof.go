package merkle

import "fmt"

// Proof sides.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// InclusionProof demonstrates that a leaf is part of a tree.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep represents one step in an inclusion proof.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// GenerateProof generates an inclusion proof for the leaf at idx.
func (t *Tree) GenerateProof(idx int) (*InclusionProof, error) {
	if idx < 0 || idx >= len(t.Leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", idx, len(t.Leaves))
	}

	proof := &InclusionProof{
		LeafIndex:  idx,
		LeafHash:   t.Leaves[idx],
		MerkleRoot: t.Root,
		ProofPath:  []ProofStep{},
	}

	current := idx
	for level := 0; level < len(t.Levels)-1; level++ {
		nodes := t.Levels[level]

		var sibling int
		var side string
		if current%2 == 0 {
			sibling = current + 1
			if sibling >= len(nodes) {
				sibling = current // duplicated node
			}
			side = SideRight
		} else {
			sibling = current - 1
			side = SideLeft
		}

		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: nodes[sibling],
		})
		current /= 2
	}

	return proof, nil
}

// VerifyProof verifies an inclusion proof against the expected root.
func VerifyProof(proof InclusionProof, expectedRoot string) bool {
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case SideLeft:
			current = nodeHash(step.SiblingHash, current)
		case SideRight:
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return current == expectedRoot
}

// VerifyLeaf checks that value hashes to the proof's leaf and the proof reaches root.
func VerifyLeaf(value []byte, proof InclusionProof, expectedRoot string) bool {
	if LeafHash(value) != proof.LeafHash {
		return false
	}
	return VerifyProof(proof, expectedRoot)
}

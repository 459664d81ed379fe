package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("sha256:%064d", i)
	}
	return out
}

func TestBuild_DeterministicRoot(t *testing.T) {
	a := BuildFromStrings(leaves(5))
	b := BuildFromStrings(leaves(5))
	assert.Equal(t, a.Root, b.Root)
	require.NoError(t, a.Validate())

	c := BuildFromStrings(append(leaves(4), "sha256:other"))
	assert.NotEqual(t, a.Root, c.Root)
}

func TestBuild_Empty(t *testing.T) {
	tree := Build(nil)
	assert.NotEmpty(t, tree.Root)
	require.NoError(t, tree.Validate())
	_, err := tree.GenerateProof(0)
	assert.Error(t, err)
}

func TestProof_EveryLeafVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 7, 8, 13} {
		values := leaves(n)
		tree := BuildFromStrings(values)
		for i := range values {
			proof, err := tree.GenerateProof(i)
			require.NoError(t, err)
			assert.True(t, VerifyProof(*proof, tree.Root), "n=%d i=%d", n, i)
			assert.True(t, VerifyLeaf([]byte(values[i]), *proof, tree.Root), "n=%d i=%d", n, i)
		}
	}
}

func TestProof_TamperedLeafFails(t *testing.T) {
	values := leaves(6)
	tree := BuildFromStrings(values)
	proof, err := tree.GenerateProof(2)
	require.NoError(t, err)

	assert.False(t, VerifyLeaf([]byte("sha256:forged"), *proof, tree.Root))

	proof.ProofPath[0].SiblingHash = LeafHash([]byte("x"))
	assert.False(t, VerifyProof(*proof, tree.Root))
}

func TestProof_LeafCannotPoseAsNode(t *testing.T) {
	tree := BuildFromStrings(leaves(2))
	// The root of a two-leaf tree presented as a leaf must not verify.
	fake := InclusionProof{LeafHash: LeafHash([]byte(tree.Root)), MerkleRoot: tree.Root}
	assert.False(t, VerifyProof(fake, tree.Root))
}

func TestValidate_DetectsRootMismatch(t *testing.T) {
	tree := BuildFromStrings(leaves(3))
	tree.Root = LeafHash([]byte("nope"))
	assert.Error(t, tree.Validate())
}

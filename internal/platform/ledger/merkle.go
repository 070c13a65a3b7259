package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

// ProofStep is one sibling on the path from a leaf to the Merkle root.
type ProofStep struct {
	Sibling string `json:"sibling"`
	// Left is true when the sibling sits to the left of the running hash.
	Left bool `json:"left"`
}

func hashPair(a, b string) string {
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:])
}

func nextLevel(nodes []string) []string {
	level := make([]string, 0, (len(nodes)+1)/2)
	for i := 0; i < len(nodes); i += 2 {
		if i+1 < len(nodes) {
			level = append(level, hashPair(nodes[i], nodes[i+1]))
		} else {
			// odd count: pair the last node with itself
			level = append(level, hashPair(nodes[i], nodes[i]))
		}
	}
	return level
}

// MerkleRoot computes the root over hex leaf hashes. A single leaf is its own
// root; no leaves yields "".
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	nodes := leaves
	for len(nodes) > 1 {
		nodes = nextLevel(nodes)
	}
	return nodes[0]
}

// MerkleProof returns the inclusion path of leaves[idx], or nil when idx is
// out of range.
func MerkleProof(leaves []string, idx int) []ProofStep {
	if idx < 0 || idx >= len(leaves) {
		return nil
	}
	var proof []ProofStep
	nodes := leaves
	cur := idx
	for len(nodes) > 1 {
		sib := cur ^ 1
		if sib >= len(nodes) {
			sib = cur
		}
		proof = append(proof, ProofStep{Sibling: nodes[sib], Left: cur%2 == 1})
		nodes = nextLevel(nodes)
		cur /= 2
	}
	return proof
}

// VerifyProof reports whether leaf is included under root via proof.
func VerifyProof(leaf, root string, proof []ProofStep) bool {
	h := leaf
	for _, p := range proof {
		if p.Left {
			h = hashPair(p.Sibling, h)
		} else {
			h = hashPair(h, p.Sibling)
		}
	}
	return h == root
}

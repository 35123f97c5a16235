// Package merkle builds binary Merkle roots over ordered digest lists.
//
// Each level pairs adjacent nodes left to right and hashes SHA-256(left‖right).
// A level with an odd number of nodes pairs its last node with itself. Leaf
// order is part of the contract: the ledger always supplies leaves in
// ascending insertion order, and verifiers must do the same.
package merkle

import (
	"crypto/sha256"
	"fmt"

	"github.com/jmerrifield20/scantotrust/internal/digest"
)

// Side says which side of the pair a proof sibling sits on.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Step is one sibling on the path from a leaf to the root.
type Step struct {
	Sibling digest.Digest `json:"sibling"`
	Side    Side          `json:"side"`
}

// Proof is an inclusion proof for a single leaf.
type Proof struct {
	Index int    `json:"index"`
	Steps []Step `json:"steps"`
}

func hashPair(left, right digest.Digest) digest.Digest {
	buf := make([]byte, 0, 2*digest.Size)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return digest.Digest(sha256.Sum256(buf))
}

// nextLevel folds one level of the tree.
func nextLevel(level []digest.Digest) []digest.Digest {
	next := make([]digest.Digest, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// Root returns the Merkle root of leaves. An empty list yields digest.Zero and
// a single leaf is its own root.
func Root(leaves []digest.Digest) digest.Digest {
	if len(leaves) == 0 {
		return digest.Zero
	}
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

// Prove builds the inclusion proof for leaves[index].
func Prove(leaves []digest.Digest, index int) (Proof, error) {
	if index < 0 || index >= len(leaves) {
		return Proof{}, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}

	proof := Proof{Index: index}
	level := leaves
	pos := index
	for len(level) > 1 {
		if pos%2 == 0 {
			sibling := level[pos]
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			proof.Steps = append(proof.Steps, Step{Sibling: sibling, Side: Right})
		} else {
			proof.Steps = append(proof.Steps, Step{Sibling: level[pos-1], Side: Left})
		}
		level = nextLevel(level)
		pos /= 2
	}
	return proof, nil
}

// Verify reports whether leaf, combined along proof, reproduces root.
func Verify(leaf digest.Digest, proof Proof, root digest.Digest) bool {
	acc := leaf
	for _, s := range proof.Steps {
		switch s.Side {
		case Left:
			acc = hashPair(s.Sibling, acc)
		case Right:
			acc = hashPair(acc, s.Sibling)
		default:
			return false
		}
	}
	return acc == root
}

// IndexOf returns the position of target in leaves, or -1.
func IndexOf(leaves []digest.Digest, target digest.Digest) int {
	for i, l := range leaves {
		if l == target {
			return i
		}
	}
	return -1
}

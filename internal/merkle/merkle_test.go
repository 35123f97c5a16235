package merkle_test

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/jmerrifield20/scantotrust/internal/digest"
	"github.com/jmerrifield20/scantotrust/internal/merkle"
)

func leaf(s string) digest.Digest { return digest.Sum([]byte(s)) }

func pair(a, b digest.Digest) digest.Digest {
	return digest.Digest(sha256.Sum256(append(append([]byte{}, a[:]...), b[:]...)))
}

func TestRoot_empty(t *testing.T) {
	if got := merkle.Root(nil); got != digest.Zero {
		t.Errorf("Root(nil) = %s, want zero digest", got)
	}
	if got := merkle.Root([]digest.Digest{}); !got.IsZero() {
		t.Errorf("Root([]) = %s, want zero digest", got)
	}
}

func TestRoot_single(t *testing.T) {
	a := leaf("a")
	if got := merkle.Root([]digest.Digest{a}); got != a {
		t.Errorf("Root([a]) = %s, want %s", got, a)
	}
}

func TestRoot_pair(t *testing.T) {
	a, b := leaf("a"), leaf("b")
	got := merkle.Root([]digest.Digest{a, b})
	want := "0xe5a01fee14e0ed5c48714f22180f25ad8365b53f9779f79dc4a3d7e93963f94a"
	if got.Hex() != want {
		t.Errorf("Root([a,b]) = %s, want %s", got, want)
	}
}

func TestRoot_orderSensitive(t *testing.T) {
	a, b := leaf("a"), leaf("b")
	if merkle.Root([]digest.Digest{a, b}) == merkle.Root([]digest.Digest{b, a}) {
		t.Error("Root should depend on leaf order")
	}
}

func TestRoot_oddDuplicatesLast(t *testing.T) {
	a, b, c := leaf("a"), leaf("b"), leaf("c")

	got := merkle.Root([]digest.Digest{a, b, c})
	want := pair(pair(a, b), pair(c, c))
	if got != want {
		t.Errorf("Root([a,b,c]) = %s, want %s", got, want)
	}
	if got.Hex() != "0xd31a37ef6ac14a2db1470c4316beb5592e6afd4465022339adafda76a18ffabe" {
		t.Errorf("Root([a,b,c]) known vector mismatch: %s", got)
	}
	if four := merkle.Root([]digest.Digest{a, b, c, c}); four != got {
		t.Errorf("Root([a,b,c,c]) = %s, want %s", four, got)
	}
}

func TestProve_verifiesEveryLeaf(t *testing.T) {
	for n := 1; n <= 9; n++ {
		leaves := make([]digest.Digest, n)
		for i := range leaves {
			leaves[i] = leaf(fmt.Sprintf("event-%d", i))
		}
		root := merkle.Root(leaves)

		for i := range leaves {
			proof, err := merkle.Prove(leaves, i)
			if err != nil {
				t.Fatalf("n=%d Prove(%d): %v", n, i, err)
			}
			if !merkle.Verify(leaves[i], proof, root) {
				t.Errorf("n=%d leaf %d: proof did not verify", n, i)
			}
			if merkle.Verify(leaf("forged"), proof, root) {
				t.Errorf("n=%d leaf %d: forged leaf verified", n, i)
			}
		}
	}
}

func TestProve_outOfRange(t *testing.T) {
	leaves := []digest.Digest{leaf("a")}
	if _, err := merkle.Prove(leaves, 1); err == nil {
		t.Error("expected error for index past the end")
	}
	if _, err := merkle.Prove(leaves, -1); err == nil {
		t.Error("expected error for negative index")
	}
}

func TestIndexOf(t *testing.T) {
	a, b := leaf("a"), leaf("b")
	leaves := []digest.Digest{a, b}
	if got := merkle.IndexOf(leaves, b); got != 1 {
		t.Errorf("IndexOf(b) = %d, want 1", got)
	}
	if got := merkle.IndexOf(leaves, leaf("z")); got != -1 {
		t.Errorf("IndexOf(z) = %d, want -1", got)
	}
}

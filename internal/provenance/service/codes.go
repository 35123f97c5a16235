package service

import (
	"crypto/rand"
	"fmt"
	"io"
)

// CodeLength is the length of a transfer code.
const CodeLength = 6

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CodeGenerator produces transfer codes. Codes are short and human-typeable;
// they are one factor among the checks Consume applies, not a capability.
type CodeGenerator interface {
	NewCode() (string, error)
}

// RandomCodes draws CodeLength characters from [0-9A-Z].
type RandomCodes struct {
	r io.Reader
}

// NewRandomCodes returns a generator reading from r, or crypto/rand when r is nil.
func NewRandomCodes(r io.Reader) *RandomCodes {
	if r == nil {
		r = rand.Reader
	}
	return &RandomCodes{r: r}
}

// NewCode implements CodeGenerator. Bytes that would bias the alphabet are
// rejected and redrawn.
func (g *RandomCodes) NewCode() (string, error) {
	const limit = 256 - 256%len(codeAlphabet)

	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(g.r, buf); err != nil {
			return "", fmt.Errorf("read randomness: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}

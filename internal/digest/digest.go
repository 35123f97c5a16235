// Package digest implements the canonical event hash and the raw content hash
// used throughout the provenance ledger.
//
// An event's hash is SHA-256 over a compact JSON object whose keys appear in a
// fixed order. The byte layout matches the records produced by earlier
// deployments of the tracker, so stored hashes can be recomputed and compared
// regardless of which implementation wrote them. Text fields should be valid
// UTF-8: an invalid byte is replaced by U+FFFD one byte at a time, which can
// differ from decoders that collapse a truncated sequence into a single
// replacement character.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Size is the length of a digest in bytes.
const Size = sha256.Size

// occurredAtLayout renders timestamps in UTC with millisecond precision.
const occurredAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Digest is a SHA-256 digest.
type Digest [Size]byte

// Zero is the all-zero digest. It is the Merkle root of an empty leaf set.
var Zero Digest

// Sum hashes arbitrary content, such as an attached document, without any
// canonicalisation.
func Sum(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// ParseHex decodes a 64 character hex digest with an optional 0x prefix.
func ParseHex(s string) (Digest, error) {
	var d Digest
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("digest must be %d hex characters, got %d", hex.EncodedLen(Size), len(raw))
	}
	if _, err := hex.Decode(d[:], []byte(raw)); err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	return d, nil
}

// Hex returns the 0x-prefixed lowercase hex form.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

func (d Digest) String() string { return d.Hex() }

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool { return d == Zero }

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// EventFields is the hashed subset of an event record.
type EventFields struct {
	BatchID      string
	Role         string
	Location     string
	DocHash      *Digest
	ActorID      string
	ActorName    string
	ActorCompany string
	ActorPhone   string
	ActorPrice   decimal.NullDecimal
	OccurredAt   time.Time
}

// canonicalEvent fixes the key order of the serialised form.
type canonicalEvent struct {
	BatchID      string      `json:"batch_id"`
	Role         string      `json:"role"`
	Location     string      `json:"location"`
	DocHash      string      `json:"doc_hash"`
	ActorID      string      `json:"actor_id"`
	ActorName    string      `json:"actor_name"`
	ActorCompany string      `json:"actor_company"`
	ActorPhone   string      `json:"actor_phone"`
	ActorPrice   json.Number `json:"actor_price"`
	OccurredAt   string      `json:"occurred_at"`
}

// Canonical returns the exact bytes HashEvent hashes.
func Canonical(f EventFields) []byte {
	c := canonicalEvent{
		BatchID:      f.BatchID,
		Role:         f.Role,
		Location:     f.Location,
		ActorID:      f.ActorID,
		ActorName:    f.ActorName,
		ActorCompany: f.ActorCompany,
		ActorPhone:   f.ActorPhone,
		ActorPrice:   "0",
		OccurredAt:   f.OccurredAt.UTC().Format(occurredAtLayout),
	}
	if f.DocHash != nil {
		c.DocHash = f.DocHash.Hex()
	}
	if f.ActorPrice.Valid {
		c.ActorPrice = json.Number(f.ActorPrice.Decimal.String())
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a struct of strings and a decimal-formatted number cannot fail.
	_ = enc.Encode(c)
	return unescapeRunes(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// literalEscapes are the \u escapes encoding/json emits for characters that
// the canonical form carries as raw UTF-8.
var literalEscapes = map[string]string{
	`\u2028`: "\u2028",
	`\u2029`: "\u2029",
	`\ufffd`: "\ufffd",
}

// unescapeRunes rewrites the \u2028, \u2029 and \ufffd escapes in encoded JSON
// to raw UTF-8. An escaped backslash is copied through untouched, so text
// that literally contains `\u2028` keeps its escaping.
func unescapeRunes(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 == len(b) {
			out = append(out, b[i])
			continue
		}
		if i+6 <= len(b) {
			if r, ok := literalEscapes[string(b[i:i+6])]; ok {
				out = append(out, r...)
				i += 5
				continue
			}
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// HashEvent returns the content hash of an event.
func HashEvent(f EventFields) Digest {
	return Sum(Canonical(f))
}

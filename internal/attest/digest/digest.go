// Package digest computes the canonical content fingerprints bound into
// attestation records.
//
// Every digest in the attestation protocol is a SHA-256 sum encoded as 64
// lowercase hex characters. The encoding is part of the wire format: records
// already issued can only ever be re-verified if the digest of the same bytes
// reproduces the same string.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// HexLength is the length of an encoded digest.
const HexLength = 64

// Sum fingerprints raw bytes as lowercase hex SHA-256. It is a total
// function: every byte sequence, including the empty one, has a digest.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Intent canonicalizes approval intent text and returns the canonical form
// together with its digest.
func Intent(text string) (canonical string, sum string) {
	canonical = CanonicalizeIntent(text)
	return canonical, Sum([]byte(canonical))
}

// CanonicalizeIntent normalizes human-entered intent text so that trivially
// different spellings of the same intent digest identically.
//
// The steps run in a fixed order: Unicode NFC first, then line-terminator
// normalization, then whitespace collapse, then trim. NFC must come first so
// that whitespace introduced by recomposition is still collapsed.
func CanonicalizeIntent(text string) string {
	normalized := norm.NFC.String(text)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var b strings.Builder
	b.Grow(len(normalized))
	pendingSpace := false
	for _, r := range normalized {
		if r != '\n' && unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}

	return strings.TrimSpace(b.String())
}

// IsHex reports whether value is a well-formed digest: exactly 64 lowercase
// hex characters.
func IsHex(value string) bool {
	if len(value) != HexLength {
		return false
	}
	for _, r := range value {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// CanonicalJSON marshals v into a deterministic compact JSON encoding:
// declared struct field order, no HTML escaping, no trailing newline. The
// output is a byte-exact function of the field values alone.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}

	// json.Encoder appends a newline, which would leak trailing whitespace
	// into signed payloads.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

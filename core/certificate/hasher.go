// Package certificate issues and verifies the tamper-evident fingerprints printed on certificates.
package certificate

import (
	"crypto"
	_ "crypto/sha256" // registers crypto.SHA256
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	fingerprintLen = 12
	fallbackPrefix = "FALLBACK"
)

// Kind is the kind of achievement a certificate attests.
type Kind string

const (
	KindCourse       Kind = "course"
	KindLearningPath Kind = "learning-path"
)

func (k Kind) Valid() bool { return k == KindCourse || k == KindLearningPath }

// Strength tells whether a fingerprint can be trusted.
type Strength string

const (
	Strong Strength = "strong"
	Weak   Strength = "weak"
)

type (
	// HashInput holds the certificate fields covered by the fingerprint.
	// Issued is the ISO-8601 issue date; ID is optional.
	HashInput struct {
		Recipient string `json:"recipient"`
		Title     string `json:"title"`
		Type      Kind   `json:"type"`
		Issued    string `json:"issued"`
		ID        string `json:"id,omitempty"`
	}

	Fingerprint struct {
		Value    string   `json:"value"`
		Strength Strength `json:"strength"`
	}
)

func (in HashInput) base() string {
	return strings.Join([]string{in.Recipient, in.Title, string(in.Type), in.Issued, in.ID}, "|")
}

// TamperEvident is true only for fingerprints computed with the cryptographic digest.
func (f Fingerprint) TamperEvident() bool { return f.Strength == Strong }

// Hasher computes certificate fingerprints. The zero value uses SHA-256.
type Hasher struct {
	hash crypto.Hash
}

func NewHasher(hash ...crypto.Hash) Hasher {
	h := Hasher{hash: crypto.SHA256}
	if len(hash) > 0 {
		h.hash = hash[0]
	}
	return h
}

func (h Hasher) digest() crypto.Hash {
	if h.hash == 0 {
		return crypto.SHA256
	}
	return h.hash
}

// Fingerprint returns the first 12 hex chars (uppercased) of the digest of the input.
// When the digest is not available, it falls back to a weak (forgeable) rolling hash.
// It never fails.
func (h Hasher) Fingerprint(in HashInput) Fingerprint {
	base := in.base()

	if d := h.digest(); d.Available() {
		hh := d.New()
		_, _ = hh.Write([]byte(base))
		sum := strings.ToUpper(hex.EncodeToString(hh.Sum(nil)))
		if len(sum) > fingerprintLen {
			sum = sum[:fingerprintLen]
		}
		return Fingerprint{Value: sum, Strength: Strong}
	}
	return Fingerprint{Value: weakFingerprint(base), Strength: Weak}
}

// weakFingerprint is a 31-multiplier rolling hash over the UTF-16 code units of s.
func weakFingerprint(s string) string {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(c)
	}
	v := fallbackPrefix + fmt.Sprintf("%x", uint32(h))
	if len(v) > fingerprintLen {
		v = v[:fingerprintLen]
	}
	return strings.ToUpper(v)
}

// IsWeak tells whether a stored fingerprint value was produced by the fallback hash.
func IsWeak(value string) bool {
	return strings.HasPrefix(strings.ToUpper(value), fallbackPrefix)
}

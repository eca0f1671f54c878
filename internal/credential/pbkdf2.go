// Package credential caches password verification for pooled connections.
//
// A connection is only safe to hand back out of the pool to a request that
// presents the same password that originally authenticated it. Re-running
// the full backend auth handshake on every reuse would erase the latency
// win of pooling, so instead each bucket remembers a salted hash of the
// last password that worked and verifies candidates against that hash
// in-process.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Params are the PBKDF2 parameters fixed by spec: 4096 rounds is what
// SCRAM-SHA-256 itself recommends, not the 600,000 OWASP recommends for a
// hash that's actually persisted and attacked offline. This hash never
// leaves the process and guards high-entropy generated passwords against a
// same-process attacker replaying a stolen pool entry, so the round count
// is tuned for latency instead: ~1-2ms on commodity hardware.
type Params struct {
	Rounds    int
	KeyLength int
}

// DefaultParams returns the spec-fixed PBKDF2 parameters.
func DefaultParams() Params {
	return Params{Rounds: 4096, KeyLength: 32}
}

const saltLength = 16

// hashPrefix identifies the encoding so a stored value always carries its
// own parameters, the way a password-hash library's serialised form does.
const hashPrefix = "pbkdf2-sha256"

// Hash derives a salted PBKDF2-HMAC-SHA256 hash of password and returns it
// in a self-describing serialised form: algorithm, rounds, key length,
// salt, and derived key, dollar-separated. Rounds and key length are
// decimal; salt and derived key are unpadded base64.
func Hash(password string, p Params) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, p.Rounds, p.KeyLength, sha256.New)
	return encode(p, salt, derived), nil
}

// Verify reports whether password matches the password that produced
// stored. A malformed stored value is treated as a verification failure,
// never an error — the caller's fallback (re-dial and re-auth against the
// real backend) is always safe.
func Verify(password, stored string) bool {
	p, salt, derived, ok := decode(stored)
	if !ok {
		return false
	}
	candidate := pbkdf2.Key([]byte(password), salt, p.Rounds, p.KeyLength, sha256.New)
	return constantTimeEqual(candidate, derived)
}

func encode(p Params, salt, derived []byte) string {
	return strings.Join([]string{
		hashPrefix,
		strconv.Itoa(p.Rounds),
		strconv.Itoa(p.KeyLength),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	}, "$")
}

func decode(stored string) (Params, []byte, []byte, bool) {
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[0] != hashPrefix {
		return Params{}, nil, nil, false
	}
	rounds, err := strconv.Atoi(parts[1])
	if err != nil || rounds <= 0 {
		return Params{}, nil, nil, false
	}
	keyLen, err := strconv.Atoi(parts[2])
	if err != nil || keyLen <= 0 {
		return Params{}, nil, nil, false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return Params{}, nil, nil, false
	}
	derived, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, false
	}
	return Params{Rounds: rounds, KeyLength: keyLen}, salt, derived, true
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

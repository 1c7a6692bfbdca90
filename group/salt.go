/*
File Name:  salt.go
Copyright:  2024 Fluxon Contributors

Salt generation and the human-shareable join-code codec (RFC 4648 base32,
no padding), plus the deterministic group-ID derivation.
*/
package group

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SaltSize is the width of a group salt, in bytes.
const SaltSize = 16

// groupIDSize is the width of the derived group identifier, in bytes,
// before hex-encoding.
const groupIDSize = 16

// groupIDDomain namespaces the BLAKE2b hash used for group-ID derivation
// so it can never collide with a hash computed for an unrelated purpose.
const groupIDDomain = "fluxon-group-id:"

// joinCodeEncoding is RFC 4648 base32 without padding, upper-cased so the
// human-facing join code reads as a consistent block of letters/digits.
var joinCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidJoinCode is returned by DecodeSalt for malformed input.
var ErrInvalidJoinCode = errors.New("group: invalid join code")

// GenerateSalt returns a fresh random 16-byte salt.
func GenerateSalt() ([SaltSize]byte, error) {
	var salt [SaltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, err
	}
	return salt, nil
}

// EncodeSalt renders salt as the 26-character base32 join code shared
// out-of-band alongside a verbally-communicated passphrase.
func EncodeSalt(salt [SaltSize]byte) string {
	return joinCodeEncoding.EncodeToString(salt[:])
}

// DecodeSalt parses a join code back into a salt. It accepts upper or
// lower case and rejects any non-base32 character.
func DecodeSalt(code string) ([SaltSize]byte, error) {
	var salt [SaltSize]byte

	code = strings.ToUpper(strings.TrimSpace(code))
	raw, err := joinCodeEncoding.DecodeString(code)
	if err != nil {
		return salt, ErrInvalidJoinCode
	}
	if len(raw) != SaltSize {
		return salt, ErrInvalidJoinCode
	}
	copy(salt[:], raw)
	return salt, nil
}

// DeriveGroupID computes groupId = hex(BLAKE2b("fluxon-group-id:" ||
// passphrase || salt, 16)). Deterministic so two devices sharing a
// passphrase and salt agree on a group identifier without exchanging it.
func DeriveGroupID(passphrase string, salt [SaltSize]byte) string {
	h, _ := blake2b.New(groupIDSize, nil)
	h.Write([]byte(groupIDDomain))
	h.Write([]byte(passphrase))
	h.Write(salt[:])
	return hex.EncodeToString(h.Sum(nil))
}

// qrJoinPrefix is the scheme used by the QR join payload (§6): a QR code
// encodes "fluxon:<joinCode>"; the passphrase is always shared separately.
const qrJoinPrefix = "fluxon:"

// EncodeQRJoinPayload renders the QR-code payload for a join code. The
// passphrase is deliberately never embedded.
func EncodeQRJoinPayload(joinCode string) string {
	return qrJoinPrefix + joinCode
}

// DecodeQRJoinPayload extracts the join code from a QR-code payload.
func DecodeQRJoinPayload(payload string) (joinCode string, ok bool) {
	if !strings.HasPrefix(payload, qrJoinPrefix) {
		return "", false
	}
	return strings.TrimPrefix(payload, qrJoinPrefix), true
}

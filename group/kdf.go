/*
File Name:  kdf.go
Copyright:  2024 Fluxon Contributors

Passphrase -> group key derivation via Argon2id. There is no directly
analogous subsystem to adapt; grounded directly on spec §3/§4.3 and built
against the same golang.org/x/crypto module family already depended on
elsewhere in this codebase (the packet/session crypto also comes from
x/crypto).
*/
package group

import (
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters tuned for mobile CPUs: moderate time cost, >=128MB
// memory cost per the spec, and enough parallelism to make use of a
// typical phone's cores without starving the UI thread if offloaded.
const (
	argonTime    = 3
	argonMemory  = 128 * 1024 // KiB => 128 MiB
	argonThreads = 4
	argonKeyLen  = 32
)

// DeriveGroupKey derives the 32-byte group AEAD key from a passphrase and
// salt via Argon2id. Deterministic: the same passphrase+salt pair always
// yields the same key, which is what lets two devices agree on a group
// without ever exchanging the derived key itself.
func DeriveGroupKey(passphrase string, salt [SaltSize]byte) [argonKeyLen]byte {
	derived := argon2.IDKey([]byte(passphrase), salt[:], argonTime, argonMemory, argonThreads, argonKeyLen)
	var key [argonKeyLen]byte
	copy(key[:], derived)
	return key
}

// DeriveGroupKeyAsync runs DeriveGroupKey on its own goroutine so the
// caller (typically a UI thread, per spec §5) is never blocked. The result
// channel receives exactly one value and is then closed.
func DeriveGroupKeyAsync(passphrase string, salt [SaltSize]byte) <-chan [argonKeyLen]byte {
	out := make(chan [argonKeyLen]byte, 1)
	go func() {
		defer close(out)
		out <- DeriveGroupKey(passphrase, salt)
	}()
	return out
}

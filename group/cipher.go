/*
File Name:  cipher.go
Copyright:  2024 Fluxon Contributors

Manager owns the single active group and its derived-key cache, and is the
only component that mints or destroys a FluxonGroup's AEAD cipher --
avoiding the cyclic Group<->Cipher relationship the design notes flag.
Encrypt/decrypt bind a message-type byte as AAD so ciphertext produced
under one MessageType can never be replayed as another.
*/
package group

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/secure"
	"github.com/fluxonapp/core/transport"
)

// ErrNoActiveGroup is returned by Encrypt when no group is active.
// A default-constructed Manager encrypts to (nil, ErrNoActiveGroup) and
// decrypts to (nil, false). The receipt engine and the repositories check
// Active() first and send and accept plaintext payloads while no group is
// active.
var ErrNoActiveGroup = errors.New("group: no active group")

// MessageType is the AAD tag bound into every group ciphertext.
type MessageType byte

const (
	MessageTypeChat      MessageType = 1
	MessageTypeLocation  MessageType = 2
	MessageTypeEmergency MessageType = 3
	MessageTypeAck       MessageType = 4
)

// Manager owns the device's single active group. Switching groups replaces
// the active group and evicts (zeroizes) the previous one's derived key.
type Manager struct {
	keystore transport.Keystore

	mu     sync.RWMutex
	active *FluxonGroup
}

// NewManager creates a Manager with no active group.
func NewManager(keystore transport.Keystore) *Manager {
	return &Manager{keystore: keystore}
}

// CreateOrJoin derives the group key from passphrase+salt, computes the
// deterministic group ID, mints the AEAD cipher, and installs it as the
// active group, persisting the derived key (never the passphrase). Two
// devices providing the same passphrase+salt converge on an identical
// group without ever exchanging the key.
func (m *Manager) CreateOrJoin(passphrase, name string, salt [SaltSize]byte) (*FluxonGroup, error) {
	key := DeriveGroupKey(passphrase, salt)
	return m.installGroup(DeriveGroupID(passphrase, salt), name, salt, key, time.Now().UnixMilli())
}

// installGroup mints the AEAD cipher, replaces the active group (zeroizing
// the previous one's key), and persists the new group's material.
func (m *Manager) installGroup(groupID, name string, salt [SaltSize]byte, key [argonKeyLen]byte, createdAt int64) (*FluxonGroup, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	g := &FluxonGroup{
		GroupID:   groupID,
		Name:      name,
		Salt:      salt,
		CreatedAt: createdAt,
		members:   make(map[protocol.PeerID]struct{}),
		key:       secure.New(key[:]),
		aead:      aead,
	}

	m.mu.Lock()
	previous := m.active
	m.active = g
	m.mu.Unlock()

	if previous != nil {
		previous.zero()
	}

	m.persist(g, key)
	return g, nil
}

func (m *Manager) persist(g *FluxonGroup, key [argonKeyLen]byte) {
	// Non-fatal on failure (StorageError, §7): in-memory state remains
	// authoritative for the session.
	_ = m.keystore.Write(transport.KeyActiveGroupKey, key[:])
	_ = m.keystore.Write(transport.KeyActiveGroupID, []byte(g.GroupID))
	_ = m.keystore.Write(transport.KeyActiveGroupName, []byte(g.Name))
	_ = m.keystore.Write(transport.KeyActiveGroupSalt, g.Salt[:])

	var createdAt [8]byte
	binary.BigEndian.PutUint64(createdAt[:], uint64(g.CreatedAt))
	_ = m.keystore.Write(transport.KeyActiveGroupCreated, createdAt[:])
}

// Restore reconstructs the active group from persisted keystore material
// at startup, without re-deriving the key (the passphrase is never
// persisted so re-derivation is not possible). Returns false if no group
// was persisted.
func (m *Manager) Restore() (bool, error) {
	keyRaw, found, err := m.keystore.Read(transport.KeyActiveGroupKey)
	if err != nil || !found || len(keyRaw) != argonKeyLen {
		return false, err
	}
	idRaw, _, _ := m.keystore.Read(transport.KeyActiveGroupID)
	nameRaw, _, _ := m.keystore.Read(transport.KeyActiveGroupName)
	saltRaw, _, _ := m.keystore.Read(transport.KeyActiveGroupSalt)
	createdRaw, _, _ := m.keystore.Read(transport.KeyActiveGroupCreated)

	var key [argonKeyLen]byte
	copy(key[:], keyRaw)
	var salt [SaltSize]byte
	copy(salt[:], saltRaw)

	var createdAt int64
	if len(createdRaw) == 8 {
		createdAt = int64(binary.BigEndian.Uint64(createdRaw))
	}

	_, err = m.installGroup(string(idRaw), string(nameRaw), salt, key, createdAt)
	return err == nil, err
}

// Active returns the current active group, or nil if none is set.
func (m *Manager) Active() *FluxonGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// LeaveGroup zeroizes and evicts the active group's key and removes it
// from the keystore. A Manager with no active group (either freshly
// constructed or just left) encrypts to ErrNoActiveGroup and decrypts to
// not-ok.
func (m *Manager) LeaveGroup() {
	m.mu.Lock()
	previous := m.active
	m.active = nil
	m.mu.Unlock()

	if previous != nil {
		previous.zero()
	}

	for _, tag := range []string{
		transport.KeyActiveGroupKey, transport.KeyActiveGroupID,
		transport.KeyActiveGroupName, transport.KeyActiveGroupSalt,
		transport.KeyActiveGroupCreated,
	} {
		_ = m.keystore.Delete(tag)
	}
}

// Encrypt seals plaintext under the active group's key, binding typ as
// AAD. The output is nonce || ciphertext || tag; the nonce is freshly
// random on every call and never reused.
func (m *Manager) Encrypt(typ MessageType, plaintext []byte) ([]byte, error) {
	g := m.Active()
	if g == nil {
		return nil, ErrNoActiveGroup
	}

	g.mu.RLock()
	aead := g.aead
	g.mu.RUnlock()
	if aead == nil {
		return nil, ErrNoActiveGroup
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, []byte{byte(typ)})
	return append(nonce, sealed...), nil
}

// Decrypt opens data sealed under the active group's key, verifying that
// typ matches the AAD bound at encryption time. A ciphertext sealed as one
// MessageType fails to decrypt under any other MessageType. Returns
// (nil, false) -- never an error -- on any failure, matching the spec's
// "decrypt returns None on authentication failure" contract.
func (m *Manager) Decrypt(typ MessageType, data []byte) (plaintext []byte, ok bool) {
	g := m.Active()
	if g == nil {
		return nil, false
	}

	g.mu.RLock()
	aead := g.aead
	g.mu.RUnlock()
	if aead == nil {
		return nil, false
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, false
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	pt, err := aead.Open(nil, nonce, ciphertext, []byte{byte(typ)})
	if err != nil {
		return nil, false
	}
	return pt, true
}

/*
File Name:  identity.go
Copyright:  2024 Fluxon Contributors

Identity owns the device's long-term keys: a static X25519 keypair (whose
public half hashes into the device's PeerId) and an Ed25519 signing
keypair. It also owns the LRU-capped trusted-peer set. Adapted from the
teacher's Peer ID.go init-or-load-from-config flow (initPeerID), swapped
from secp256k1 to the spec's Ed25519 + X25519 pair.
*/
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"

	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/secure"
	"github.com/fluxonapp/core/transport"
)

// ErrNotInitialized is returned by every accessor called before Initialize.
// Per the spec's error taxonomy this is a StateError: a programming bug,
// not something calling code should retry around.
var ErrNotInitialized = errors.New("identity: not initialized")

// ErrAlreadyInitialized guards against double Initialize calls clobbering
// live key material.
var ErrAlreadyInitialized = errors.New("identity: already initialized")

// Identity holds the device's long-term keys and trusted-peer registry.
// Safe for concurrent use; the relay engine's single-threaded pipeline
// (spec §5) means contention is expected only from the mobile binding's
// UI-thread calls racing the packet pipeline.
type Identity struct {
	keystore transport.Keystore

	mu            sync.RWMutex
	initialized   bool
	staticPrivate *secure.Bytes // 32-byte X25519 scalar
	staticPublic  [32]byte
	signingKey    *secure.Bytes // 64-byte ed25519.PrivateKey encoding
	signingPublic ed25519.PublicKey
	myPeerID      protocol.PeerID

	trusted *TrustedPeerSet

	peerKeysMu sync.RWMutex
	peerKeys   map[protocol.PeerID]ed25519.PublicKey
}

// New creates an Identity backed by the given keystore. Call Initialize
// before using any other method.
func New(keystore transport.Keystore) *Identity {
	return &Identity{
		keystore: keystore,
		peerKeys: make(map[protocol.PeerID]ed25519.PublicKey),
	}
}

// Initialize loads existing keys from the keystore, or generates and
// persists a new static DH keypair and Ed25519 signing keypair if none
// exist. It computes myPeerId = hash(staticPublicKey) and loads the
// persisted trusted-peer set, if any.
func (id *Identity) Initialize() error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.initialized {
		return ErrAlreadyInitialized
	}

	staticPriv, staticPub, err := id.loadOrGenerateStaticDH()
	if err != nil {
		return err
	}
	signingPriv, signingPub, err := id.loadOrGenerateSigning()
	if err != nil {
		return err
	}

	id.staticPrivate = secure.New(staticPriv[:])
	id.staticPublic = staticPub
	id.signingKey = secure.New(signingPriv)
	id.signingPublic = signingPub
	id.myPeerID = derivePeerID(staticPub)

	trustedRaw, found, err := id.keystore.Read(transport.KeyTrustedPeers)
	if err == nil && found {
		id.trusted = LoadTrustedPeerSet(trustedRaw, DefaultTrustedPeerCap)
	} else {
		id.trusted = NewTrustedPeerSet(DefaultTrustedPeerCap)
	}

	id.initialized = true
	return nil
}

func derivePeerID(staticPublic [32]byte) protocol.PeerID {
	sum := blake2b.Sum256(staticPublic[:])
	var id protocol.PeerID
	copy(id[:], sum[:protocol.PeerIDSize])
	return id
}

func (id *Identity) loadOrGenerateStaticDH() (priv [32]byte, pub [32]byte, err error) {
	rawPriv, found, rerr := id.keystore.Read(transport.KeyStaticDHPrivate)
	if rerr == nil && found && len(rawPriv) == 32 {
		copy(priv[:], rawPriv)
		curve25519.ScalarBaseMult(&pub, &priv)
		return priv, pub, nil
	}

	if _, rerr := rand.Read(priv[:]); rerr != nil {
		return priv, pub, rerr
	}
	curve25519.ScalarBaseMult(&pub, &priv)

	// Persistence failures here are non-fatal (StorageError, §7): the
	// in-memory keys remain authoritative for this session.
	_ = id.keystore.Write(transport.KeyStaticDHPrivate, priv[:])
	_ = id.keystore.Write(transport.KeyStaticDHPublic, pub[:])
	return priv, pub, nil
}

func (id *Identity) loadOrGenerateSigning() (priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	rawPriv, found, rerr := id.keystore.Read(transport.KeySigningPrivate)
	if rerr == nil && found && len(rawPriv) == ed25519.PrivateKeySize {
		priv = ed25519.PrivateKey(append([]byte(nil), rawPriv...))
		pub = priv.Public().(ed25519.PublicKey)
		return priv, pub, nil
	}

	pub, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	_ = id.keystore.Write(transport.KeySigningPrivate, priv)
	_ = id.keystore.Write(transport.KeySigningPublic, pub)
	return priv, pub, nil
}

// MyPeerID returns this device's PeerId.
func (id *Identity) MyPeerID() (protocol.PeerID, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if !id.initialized {
		return protocol.PeerID{}, ErrNotInitialized
	}
	return id.myPeerID, nil
}

// StaticPublicKey returns the device's static X25519 public key.
func (id *Identity) StaticPublicKey() ([32]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if !id.initialized {
		return [32]byte{}, ErrNotInitialized
	}
	return id.staticPublic, nil
}

// SigningPublicKey returns the device's Ed25519 public key.
func (id *Identity) SigningPublicKey() (ed25519.PublicKey, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if !id.initialized {
		return nil, ErrNotInitialized
	}
	return id.signingPublic, nil
}

// Sign signs data with the device's Ed25519 private key.
func (id *Identity) Sign(data []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if !id.initialized {
		return nil, ErrNotInitialized
	}
	key := ed25519.PrivateKey(id.signingKey.Bytes())
	return ed25519.Sign(key, data), nil
}

// LearnPeerKey records a peer's Ed25519 signing public key, as discovered
// through the out-of-scope identity-gossip channel (§4.4 step 3).
func (id *Identity) LearnPeerKey(peer protocol.PeerID, pub ed25519.PublicKey) {
	id.peerKeysMu.Lock()
	defer id.peerKeysMu.Unlock()
	cp := append(ed25519.PublicKey(nil), pub...)
	id.peerKeys[peer] = cp
}

// PeerKey returns a previously learned peer signing public key.
func (id *Identity) PeerKey(peer protocol.PeerID) (ed25519.PublicKey, bool) {
	id.peerKeysMu.RLock()
	defer id.peerKeysMu.RUnlock()
	k, ok := id.peerKeys[peer]
	return k, ok
}

// Verify checks an Ed25519 signature against a previously learned peer
// key. Returns false (never an error) if the peer's key is unknown, so
// callers can treat "unknown signer" and "bad signature" identically as a
// silent drop.
func (id *Identity) Verify(peer protocol.PeerID, data, sig []byte) bool {
	key, ok := id.PeerKey(peer)
	if !ok {
		return false
	}
	return ed25519.Verify(key, data, sig)
}

// TrustPeer inserts or promotes peer in the trusted-peer set, evicting the
// least-recently-trusted entry if the set is at capacity, and persists the
// updated set.
func (id *Identity) TrustPeer(peer protocol.PeerID) {
	id.mu.RLock()
	set := id.trusted
	id.mu.RUnlock()
	if set == nil {
		return
	}
	set.Trust(peer)
	id.persistTrustedPeers()
}

// RevokeTrust removes peer from the trusted-peer set and persists the
// update.
func (id *Identity) RevokeTrust(peer protocol.PeerID) {
	id.mu.RLock()
	set := id.trusted
	id.mu.RUnlock()
	if set == nil {
		return
	}
	set.Revoke(peer)
	id.persistTrustedPeers()
}

// IsTrusted reports whether peer is currently trusted.
func (id *Identity) IsTrusted(peer protocol.PeerID) bool {
	id.mu.RLock()
	set := id.trusted
	id.mu.RUnlock()
	if set == nil {
		return false
	}
	return set.Contains(peer)
}

// TrustedPeers returns the trusted-peer set, most-recently-trusted first.
func (id *Identity) TrustedPeers() []protocol.PeerID {
	id.mu.RLock()
	set := id.trusted
	id.mu.RUnlock()
	if set == nil {
		return nil
	}
	return set.Peers()
}

func (id *Identity) persistTrustedPeers() {
	id.mu.RLock()
	set := id.trusted
	id.mu.RUnlock()
	if set == nil {
		return
	}
	// Non-fatal on failure (StorageError, §7): the in-memory set remains
	// authoritative for the session.
	_ = id.keystore.Write(transport.KeyTrustedPeers, set.Serialize())
}

// ResetIdentity zeroizes in-memory private keys, deletes persisted
// material from the keystore, and clears the trusted-peer set. After
// ResetIdentity, Initialize may be called again to mint a fresh identity.
func (id *Identity) ResetIdentity() error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.staticPrivate != nil {
		id.staticPrivate.Zero()
	}
	if id.signingKey != nil {
		id.signingKey.Zero()
	}
	id.staticPublic = [32]byte{}
	id.signingPublic = nil
	id.myPeerID = protocol.PeerID{}

	if id.trusted != nil {
		id.trusted.Clear()
	}

	id.peerKeysMu.Lock()
	id.peerKeys = make(map[protocol.PeerID]ed25519.PublicKey)
	id.peerKeysMu.Unlock()

	var firstErr error
	for _, tag := range []string{
		transport.KeyStaticDHPrivate, transport.KeyStaticDHPublic,
		transport.KeySigningPrivate, transport.KeySigningPublic,
		transport.KeyTrustedPeers,
	} {
		if err := id.keystore.Delete(tag); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	id.initialized = false
	return firstErr
}

/*
File Name:  transport.go
Copyright:  2024 Fluxon Contributors

Interfaces for every external collaborator named in the spec: the BLE
radio, the Noise-XX unicast session, the platform secure keystore, and the
GPS/permission surface. None of these are implemented here beyond the
LoopbackTransport and MemoryKeystore test doubles -- the real BLE/GPS/keystore bindings live in
the host application and are injected at construction, per design note
§9 ("inject concretely at construction").
*/
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/fluxonapp/core/protocol"
)

// ErrNoRoute is returned by Send when no next hop is known for a peer.
var ErrNoRoute = errors.New("transport: no route to peer")

// Frame is a raw byte frame plus the peer connection it arrived on (used by
// the relay engine for split-horizon forwarding).
type Frame struct {
	Data         []byte
	ArrivedFrom  protocol.PeerID
	HasArrivedFrom bool
}

// Transport is the BLE transport contract provided to the core (§6). A host
// application supplies a concrete implementation backed by its GATT
// central/peripheral stack; the core never touches radio APIs directly.
type Transport interface {
	// Frames returns the channel of inbound raw frames. The channel is
	// closed when the transport is stopped.
	Frames() <-chan Frame

	// Broadcast fans out raw bytes to every currently connected peer.
	Broadcast(ctx context.Context, data []byte) error

	// BroadcastExcept fans out raw bytes to every currently connected peer
	// other than except, implementing the relay engine's split-horizon
	// rule (§4.4: never echo a relayed frame back onto the link it arrived
	// on).
	BroadcastExcept(ctx context.Context, data []byte, except protocol.PeerID) error

	// Send unicasts raw bytes to a specific peer via next-hop selection.
	// Returns ErrNoRoute if the peer is unreachable.
	Send(ctx context.Context, data []byte, to protocol.PeerID) error

	// StartServices brings up BLE central+peripheral GATT services.
	StartServices(ctx context.Context) error

	// StopServices tears down BLE services.
	StopServices() error

	// ConnectedPeers streams the live set of directly connected peers.
	ConnectedPeers() <-chan map[protocol.PeerID]struct{}
}

// NoiseSession is the Noise-XX unicast encryption surface (§6), used
// exclusively for MessageType NoiseEncrypted traffic. The handshake
// lifecycle is managed entirely outside the core.
type NoiseSession interface {
	Encrypt(peer protocol.PeerID, plaintext []byte) (ciphertext []byte, err error)
	Decrypt(peer protocol.PeerID, ciphertext []byte) (plaintext []byte, err error)
}

// Keystore is the platform secure-storage contract (§6). Identity, Group,
// and the message store all persist through it using well-known tags.
type Keystore interface {
	Read(tag string) (data []byte, found bool, err error)
	Write(tag string, data []byte) error
	Delete(tag string) error
}

// Well-known keystore tags, shared across components so a host binding only
// has to implement Keystore once.
const (
	KeyStaticDHPrivate   = "fluxon.identity.static-dh-private"
	KeyStaticDHPublic    = "fluxon.identity.static-dh-public"
	KeySigningPrivate    = "fluxon.identity.signing-private"
	KeySigningPublic     = "fluxon.identity.signing-public"
	KeyTrustedPeers      = "fluxon.identity.trusted-peers"
	KeyActiveGroupKey    = "fluxon.group.active-key"
	KeyActiveGroupID     = "fluxon.group.active-id"
	KeyActiveGroupName   = "fluxon.group.active-name"
	KeyActiveGroupSalt   = "fluxon.group.active-salt"
	KeyActiveGroupCreated = "fluxon.group.active-created-at"
	KeyFileEncryptionKey = "fluxon.store.file-encryption-key"
	KeyDisplayName       = "fluxon.profile.display-name"
)

// Position is a single GPS fix (§6).
type Position struct {
	Lat      float64
	Lon      float64
	Accuracy float32
	Altitude float32
	Speed    float32
	Bearing  float32
}

// LocationProvider is the GPS/permission surface (§6).
type LocationProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
	EnsureLocationPermission(ctx context.Context) (bool, error)
}

// LoopbackTransport is an in-memory Transport test double: every broadcast
// is delivered to every other LoopbackTransport sharing the same hub. It
// has no notion of range or connectivity loss -- useful for unit tests and
// for `cmd/fluxond`'s local development mode.
type LoopbackTransport struct {
	hub  *LoopbackHub
	self protocol.PeerID

	mu     sync.Mutex
	frames chan Frame
	closed bool
}

type LoopbackHub struct {
	mu      sync.Mutex
	members map[protocol.PeerID]*LoopbackTransport
}

// NewLoopbackHub creates a shared hub that LoopbackTransport instances can
// join to simulate a local mesh.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{members: make(map[protocol.PeerID]*LoopbackTransport)}
}

// Join registers a new LoopbackTransport for peer id on the hub.
func (h *LoopbackHub) Join(id protocol.PeerID) *LoopbackTransport {
	t := &LoopbackTransport{
		hub:    h,
		self:   id,
		frames: make(chan Frame, 64),
	}
	h.mu.Lock()
	h.members[id] = t
	h.mu.Unlock()
	return t
}

// Leave removes a transport from the hub and closes its frame channel.
func (h *LoopbackHub) Leave(id protocol.PeerID) {
	h.mu.Lock()
	t, ok := h.members[id]
	delete(h.members, id)
	h.mu.Unlock()
	if ok {
		t.close()
	}
}

func (t *LoopbackTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
}

func (t *LoopbackTransport) Frames() <-chan Frame { return t.frames }

func (t *LoopbackTransport) Broadcast(ctx context.Context, data []byte) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for id, peer := range t.hub.members {
		if id == t.self {
			continue
		}
		peer.deliver(Frame{Data: append([]byte(nil), data...), ArrivedFrom: t.self, HasArrivedFrom: true})
	}
	return nil
}

func (t *LoopbackTransport) BroadcastExcept(ctx context.Context, data []byte, except protocol.PeerID) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for id, peer := range t.hub.members {
		if id == t.self || id == except {
			continue
		}
		peer.deliver(Frame{Data: append([]byte(nil), data...), ArrivedFrom: t.self, HasArrivedFrom: true})
	}
	return nil
}

func (t *LoopbackTransport) Send(ctx context.Context, data []byte, to protocol.PeerID) error {
	t.hub.mu.Lock()
	peer, ok := t.hub.members[to]
	t.hub.mu.Unlock()
	if !ok {
		return ErrNoRoute
	}
	peer.deliver(Frame{Data: append([]byte(nil), data...), ArrivedFrom: t.self, HasArrivedFrom: true})
	return nil
}

func (t *LoopbackTransport) deliver(f Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.frames <- f:
	default:
		// Bounded queue backpressure: drop when the consumer is behind,
		// per the spec's BLE-driver backpressure policy (§5).
	}
}

func (t *LoopbackTransport) StartServices(ctx context.Context) error { return nil }
func (t *LoopbackTransport) StopServices() error                     { return nil }

func (t *LoopbackTransport) ConnectedPeers() <-chan map[protocol.PeerID]struct{} {
	ch := make(chan map[protocol.PeerID]struct{}, 1)
	t.hub.mu.Lock()
	peers := make(map[protocol.PeerID]struct{}, len(t.hub.members))
	for id := range t.hub.members {
		if id != t.self {
			peers[id] = struct{}{}
		}
	}
	t.hub.mu.Unlock()
	ch <- peers
	close(ch)
	return ch
}

// MemoryKeystore is an in-memory Keystore test double.
type MemoryKeystore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemoryKeystore creates an empty in-memory keystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{data: make(map[string][]byte)}
}

func (k *MemoryKeystore) Read(tag string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[tag]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (k *MemoryKeystore) Write(tag string, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[tag] = append([]byte(nil), data...)
	return nil
}

func (k *MemoryKeystore) Delete(tag string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, tag)
	return nil
}

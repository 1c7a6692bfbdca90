/*
File Name:  mobile.go
Copyright:  2024 Fluxon Contributors

Bind is the host-app binding surface (C8), the entry point a gomobile-style
Kotlin/Swift wrapper (or a plain Go test harness) calls into. Adapted from
the teacher's MobileMain: same "load config, init the backend, start
services" shape, generalized from a DHT/webapi client to a FluxonApp node
whose transport, keystore, Noise session, and location provider are all
supplied by the host platform rather than opened by this package itself
(there is no local listen address to bind -- the BLE link lives entirely
on the other side of the transport.Transport interface, per §6).
*/
package mobile

import (
	"context"
	"encoding/hex"
	"fmt"

	core "github.com/fluxonapp/core"
	"github.com/fluxonapp/core/config"
	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/repository"
	"github.com/fluxonapp/core/transport"
)

// ChatListener receives chat events. Implementations must not block.
type ChatListener interface {
	OnChatMessage(msg repository.ChatMessage)
}

// LocationListener receives location events.
type LocationListener interface {
	OnLocationUpdate(loc repository.PeerLocation)
}

// EmergencyListener receives emergency alert events.
type EmergencyListener interface {
	OnEmergencyAlert(alert repository.EmergencyAlert)
}

// Client wraps a Backend with the simpler method surface a mobile host
// binding calls across its language boundary.
type Client struct {
	backend *core.Backend
	cancel  context.CancelFunc
}

// Bind initializes a Backend using the given config path and host-supplied
// platform dependencies, then starts it. It is the mobile equivalent of
// the teacher's MobileMain.
func Bind(configPath string, keystore transport.Keystore, t transport.Transport, noise transport.NoiseSession, locationProvider transport.LocationProvider) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())

	backend, status, err := core.Init(ctx, configPath, keystore, t, noise, locationProvider, nil)
	if status != config.ExitSuccess {
		cancel()
		return nil, fmt.Errorf("mobile: initializing backend (status %d): %w", status, err)
	}

	if err := backend.Connect(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("mobile: starting transport services: %w", err)
	}

	return &Client{backend: backend, cancel: cancel}, nil
}

// Close stops every background loop owned by the underlying Backend and
// flushes the message store.
func (c *Client) Close() error {
	c.cancel()
	return c.backend.Store.Dispose()
}

// SetDisplayName updates the name attached to future outbound messages.
func (c *Client) SetDisplayName(name string) {
	c.backend.Profile.SetName(name)
}

// PeerIDHex returns this device's own PeerID, hex-encoded, for sharing
// with a peer during pairing.
func (c *Client) PeerIDHex() (string, error) {
	id, err := c.backend.Identity.MyPeerID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SigningPublicKeyHex returns this device's Ed25519 signing public key,
// hex-encoded, for sharing with a peer during pairing.
func (c *Client) SigningPublicKeyHex() (string, error) {
	pub, err := c.backend.Identity.SigningPublicKey()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

// LearnPeer records peerIDHex's signing public key, hex-encoded, so future
// packets from that peer verify. This is the trust-exchange half of
// pairing (e.g. a QR code scan); without it every packet from an
// unrecognized peer is silently dropped by the relay engine (§4.4 step 3).
func (c *Client) LearnPeer(peerIDHex, signingPublicKeyHex string) error {
	peerID, err := protocol.ParsePeerID(peerIDHex)
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(signingPublicKeyHex)
	if err != nil {
		return err
	}
	c.backend.Identity.LearnPeerKey(peerID, pub)
	return nil
}

// CreateOrJoinGroup derives the shared group key from passphrase and salt
// and activates it. Pass group.GenerateSalt() for a brand-new group, or
// group.DecodeSalt(joinCode) to join an existing one.
func (c *Client) CreateOrJoinGroup(passphrase, name string, salt [group.SaltSize]byte) error {
	_, err := c.backend.Group.CreateOrJoin(passphrase, name, salt)
	return err
}

// LeaveGroup deactivates the current group and zeroizes its key material.
func (c *Client) LeaveGroup() {
	c.backend.Group.LeaveGroup()
}

// SendChatBroadcast sends text to the active group, or in plaintext if no
// group is active.
func (c *Client) SendChatBroadcast(ctx context.Context, text string) error {
	return c.backend.Chat.SendBroadcast(ctx, text)
}

// SendChatPrivate sends a Noise-encrypted 1:1 message to peerID.
func (c *Client) SendChatPrivate(ctx context.Context, peerIDHex string, text string) error {
	peerID, err := protocol.ParsePeerID(peerIDHex)
	if err != nil {
		return err
	}
	return c.backend.Chat.SendPrivate(ctx, peerID, text)
}

// SetLocationSharing toggles whether this device broadcasts its own
// position on the configured interval.
func (c *Client) SetLocationSharing(enabled bool) {
	c.backend.Location.SetBroadcasting(enabled)
}

// SendEmergencyAlert sends an SOS-class alert, rebroadcasting and retrying
// per the configured policy.
func (c *Client) SendEmergencyAlert(ctx context.Context, alertType uint8, lat, lon float64, message string) error {
	return c.backend.Emergency.SendAlert(ctx, alertType, lat, lon, message)
}

// ChatHistory returns the locally cached chat history.
func (c *Client) ChatHistory() []repository.ChatMessage {
	return c.backend.Chat.History()
}

// EmergencyHistory returns the locally cached emergency alert history.
func (c *Client) EmergencyHistory() []repository.EmergencyAlert {
	return c.backend.Emergency.History()
}

// SetChatListener installs (or, with nil, removes) the chat event
// listener. Only one listener is supported; a host binding that needs
// fan-out should multiplex itself.
func (c *Client) SetChatListener(l ChatListener) {
	if l == nil {
		c.backend.Filters.ChatReceived = func(repository.ChatMessage) {}
		return
	}
	c.backend.Filters.ChatReceived = l.OnChatMessage
}

// SetLocationListener installs (or, with nil, removes) the location event
// listener.
func (c *Client) SetLocationListener(l LocationListener) {
	if l == nil {
		c.backend.Filters.LocationReceived = func(repository.PeerLocation) {}
		return
	}
	c.backend.Filters.LocationReceived = l.OnLocationUpdate
}

// SetEmergencyListener installs (or, with nil, removes) the emergency
// alert event listener.
func (c *Client) SetEmergencyListener(l EmergencyListener) {
	if l == nil {
		c.backend.Filters.EmergencyReceived = func(repository.EmergencyAlert) {}
		return
	}
	c.backend.Filters.EmergencyReceived = l.OnEmergencyAlert
}

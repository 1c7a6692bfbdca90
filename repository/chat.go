/*
File Name:  chat.go
Copyright:  2024 Fluxon Contributors

ChatRepository (C6) is the chat feature's repository: broadcast sends are
group-encrypted MessageType::Chat packets, private sends are wrapped in a
Noise-XX session and framed as MessageType::NoiseEncrypted, and incoming
chat packets trigger an auto-delivery receipt via the receipt engine.
Grounded in shape on the teacher's failover/fan-out send pattern, rewritten
against this spec's exact payload and cap discipline.
*/
package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/profile"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/receipt"
	"github.com/fluxonapp/core/relay"
	"github.com/fluxonapp/core/transport"
)

// ErrNoNoiseSession is returned by SendPrivate when no Noise-XX session is
// available for 1:1 encryption.
var ErrNoNoiseSession = errors.New("repository: no noise session configured")

// ChatMessage is one chat-history entry, local or remote.
type ChatMessage struct {
	ID         string
	SenderID   protocol.PeerID
	SenderName string
	Text       string
	Timestamp  int64
	IsLocal    bool
	Private    bool
}

// ChatRepository holds recent chat history and the send/receive path for
// MessageType::Chat and MessageType::NoiseEncrypted packets.
type ChatRepository struct {
	self     protocol.PeerID
	identity *identity.Identity
	relay    *relay.Engine
	group    *group.Manager
	receipts *receipt.Engine
	noise    transport.NoiseSession
	profile  *profile.Profile

	mu       sync.Mutex
	messages []ChatMessage

	outbound chan ChatMessage
}

// NewChatRepository constructs a ChatRepository and starts its inbound
// consumption loop. noise may be nil if the host has not wired a Noise-XX
// session; private sends then fail with ErrNoNoiseSession.
func NewChatRepository(ctx context.Context, self *identity.Identity, r *relay.Engine, g *group.Manager, receipts *receipt.Engine, noise transport.NoiseSession, prof *profile.Profile) (*ChatRepository, error) {
	peerID, err := self.MyPeerID()
	if err != nil {
		return nil, err
	}

	c := &ChatRepository{
		self:     peerID,
		identity: self,
		relay:    r,
		group:    g,
		receipts: receipts,
		noise:    noise,
		profile:  prof,
		outbound: make(chan ChatMessage, 64),
	}

	go c.run(ctx)
	return c, nil
}

// Subscribe returns the stream of chat messages (local echo and remote
// arrivals alike) for the controller to display.
func (c *ChatRepository) Subscribe() <-chan ChatMessage {
	return c.outbound
}

// History returns a snapshot of the current in-memory message list.
func (c *ChatRepository) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChatMessage(nil), c.messages...)
}

func (c *ChatRepository) run(ctx context.Context) {
	packets := c.relay.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				return
			}
			switch p.Type {
			case protocol.TypeChat:
				c.handleBroadcastChat(p)
			case protocol.TypeNoiseEncrypted:
				c.handlePrivateChat(p)
			}
		}
	}
}

func (c *ChatRepository) handleBroadcastChat(p *protocol.Packet) {
	plaintext, ok := c.decryptIfNeeded(group.MessageTypeChat, p.Payload)
	if !ok {
		return
	}
	chat, ok := protocol.DecodeChat(plaintext)
	if !ok {
		return
	}

	msg := ChatMessage{
		ID:         p.ID(),
		SenderID:   p.SourceID,
		SenderName: chat.SenderName,
		Text:       chat.Message,
		Timestamp:  int64(p.Timestamp),
	}
	c.record(msg)

	if c.receipts != nil {
		_ = c.receipts.AutoAck(p)
	}
}

func (c *ChatRepository) handlePrivateChat(p *protocol.Packet) {
	if c.noise == nil || p.DestID != c.self {
		return
	}
	plaintext, err := c.noise.Decrypt(p.SourceID, p.Payload)
	if err != nil {
		return
	}
	chat, ok := protocol.DecodeChat(plaintext)
	if !ok {
		return
	}

	msg := ChatMessage{
		ID:         p.ID(),
		SenderID:   p.SourceID,
		SenderName: chat.SenderName,
		Text:       chat.Message,
		Timestamp:  int64(p.Timestamp),
		Private:    true,
	}
	c.record(msg)

	if c.receipts != nil {
		_ = c.receipts.AutoAck(p)
	}
}

func (c *ChatRepository) decryptIfNeeded(typ group.MessageType, payload []byte) ([]byte, bool) {
	if c.group == nil || c.group.Active() == nil {
		return payload, true
	}
	return c.group.Decrypt(typ, payload)
}

func (c *ChatRepository) record(msg ChatMessage) {
	c.mu.Lock()
	c.messages = appendCapped(c.messages, msg, MaxHistory)
	c.mu.Unlock()

	select {
	case c.outbound <- msg:
	default:
	}
}

// SendBroadcast group-encrypts and broadcasts a chat message, then records
// and emits the local echo.
func (c *ChatRepository) SendBroadcast(ctx context.Context, text string) error {
	payload := protocol.EncodeChat(c.profile.Name(), text)

	sealed, err := c.sealForBroadcast(payload)
	if err != nil {
		return err
	}

	p, err := protocol.BuildPacket(protocol.TypeChat, c.self, sealed, protocol.MaxTTL, protocol.BroadcastID, nowMillis)
	if err != nil {
		return err
	}
	if err := c.relay.Broadcast(ctx, p); err != nil {
		return err
	}

	if c.receipts != nil {
		c.receipts.TrackOutbound(c.self, int64(p.Timestamp))
	}

	msg := ChatMessage{
		ID:         p.ID(),
		SenderID:   c.self,
		SenderName: c.profile.Name(),
		Text:       text,
		Timestamp:  int64(p.Timestamp),
		IsLocal:    true,
	}
	c.record(msg)
	return nil
}

func (c *ChatRepository) sealForBroadcast(payload []byte) ([]byte, error) {
	if c.group == nil || c.group.Active() == nil {
		return payload, nil
	}
	return c.group.Encrypt(group.MessageTypeChat, payload)
}

// SendPrivate Noise-wraps and unicasts a chat message to a single peer.
func (c *ChatRepository) SendPrivate(ctx context.Context, to protocol.PeerID, text string) error {
	if c.noise == nil {
		return ErrNoNoiseSession
	}

	payload := protocol.EncodeChat(c.profile.Name(), text)
	sealed, err := c.noise.Encrypt(to, payload)
	if err != nil {
		return err
	}

	p, err := protocol.BuildPacket(protocol.TypeNoiseEncrypted, c.self, sealed, protocol.MaxTTL, to, nowMillis)
	if err != nil {
		return err
	}
	if err := c.relay.Send(ctx, p, to); err != nil {
		return err
	}

	if c.receipts != nil {
		c.receipts.TrackOutbound(c.self, int64(p.Timestamp))
	}

	msg := ChatMessage{
		ID:         p.ID(),
		SenderID:   c.self,
		SenderName: c.profile.Name(),
		Text:       text,
		Timestamp:  int64(p.Timestamp),
		IsLocal:    true,
		Private:    true,
	}
	c.record(msg)
	return nil
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/profile"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/receipt"
	"github.com/fluxonapp/core/relay"
	"github.com/fluxonapp/core/transport"
)

type chatNode struct {
	identity *identity.Identity
	engine   *relay.Engine
	peerID   protocol.PeerID
	profile  *profile.Profile
}

func newChatNode(t *testing.T, hub *transport.LoopbackHub) chatNode {
	t.Helper()
	ks := transport.NewMemoryKeystore()
	id := identity.New(ks)
	require.NoError(t, id.Initialize())
	peerID, err := id.MyPeerID()
	require.NoError(t, err)

	tr := hub.Join(peerID)
	engine, err := relay.New(id, tr, relay.Config{})
	require.NoError(t, err)

	return chatNode{identity: id, engine: engine, peerID: peerID, profile: profile.Load(ks)}
}

func mutualChatTrust(a, b chatNode) {
	aPub, _ := a.identity.SigningPublicKey()
	bPub, _ := b.identity.SigningPublicKey()
	a.identity.LearnPeerKey(b.peerID, bPub)
	b.identity.LearnPeerKey(a.peerID, aPub)
}

func TestChatBroadcastIsReceivedByPeer(t *testing.T) {
	hub := transport.NewLoopbackHub()
	alice := newChatNode(t, hub)
	bob := newChatNode(t, hub)
	mutualChatTrust(alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.engine.Run(ctx)
	go bob.engine.Run(ctx)

	aliceRepo, err := NewChatRepository(ctx, alice.identity, alice.engine, nil, nil, nil, alice.profile)
	require.NoError(t, err)
	bobRepo, err := NewChatRepository(ctx, bob.identity, bob.engine, nil, nil, nil, bob.profile)
	require.NoError(t, err)

	alice.profile.SetName("Alice")
	require.NoError(t, aliceRepo.SendBroadcast(ctx, "hello"))

	select {
	case msg := <-bobRepo.Subscribe():
		require.Equal(t, "hello", msg.Text)
		require.Equal(t, "Alice", msg.SenderName)
		require.Equal(t, alice.peerID, msg.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive alice's broadcast")
	}
}

func TestChatOutsideGroupCannotDecrypt(t *testing.T) {
	hub := transport.NewLoopbackHub()
	alice := newChatNode(t, hub)
	bob := newChatNode(t, hub)
	mutualChatTrust(alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.engine.Run(ctx)
	go bob.engine.Run(ctx)

	salt, err := group.GenerateSalt()
	require.NoError(t, err)
	aliceGroup := group.NewManager(transport.NewMemoryKeystore())
	_, err = aliceGroup.CreateOrJoin("trekkers2024", "Camp", salt)
	require.NoError(t, err)

	aliceRepo, err := NewChatRepository(ctx, alice.identity, alice.engine, aliceGroup, nil, nil, alice.profile)
	require.NoError(t, err)
	// bob has no group manager (nil), simulating a device not in the group.
	bobRepo, err := NewChatRepository(ctx, bob.identity, bob.engine, nil, nil, nil, bob.profile)
	require.NoError(t, err)
	_ = bobRepo

	require.NoError(t, aliceRepo.SendBroadcast(ctx, "secret"))

	select {
	case msg := <-bobRepo.Subscribe():
		t.Fatalf("bob should not have decoded a group-encrypted message, got %+v", msg)
	case <-time.After(300 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestChatHistoryCapsAtMaxHistory(t *testing.T) {
	hub := transport.NewLoopbackHub()
	alice := newChatNode(t, hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.engine.Run(ctx)

	aliceRepo, err := NewChatRepository(ctx, alice.identity, alice.engine, nil, nil, nil, alice.profile)
	require.NoError(t, err)

	for i := 0; i < MaxHistory+10; i++ {
		require.NoError(t, aliceRepo.SendBroadcast(ctx, "msg"))
	}

	require.Len(t, aliceRepo.History(), MaxHistory)
}

func TestChatAutoAcksInboundBroadcast(t *testing.T) {
	hub := transport.NewLoopbackHub()
	alice := newChatNode(t, hub)
	bob := newChatNode(t, hub)
	mutualChatTrust(alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go alice.engine.Run(ctx)
	go bob.engine.Run(ctx)

	aliceAcks := alice.engine.Subscribe()

	bobReceipts := receipt.New(ctx, bob.identity, bob.engine, nil)
	_, err := NewChatRepository(ctx, bob.identity, bob.engine, nil, bobReceipts, nil, bob.profile)
	require.NoError(t, err)

	aliceRepo, err := NewChatRepository(ctx, alice.identity, alice.engine, nil, nil, nil, alice.profile)
	require.NoError(t, err)
	require.NoError(t, aliceRepo.SendBroadcast(ctx, "hi"))

	select {
	case ackPacket := <-aliceAcks:
		require.Equal(t, protocol.TypeAck, ackPacket.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no auto-ack observed")
	}
}

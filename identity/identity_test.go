package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/transport"
)

func TestInitializeGeneratesAndPersistsKeys(t *testing.T) {
	ks := transport.NewMemoryKeystore()
	id := New(ks)

	require.NoError(t, id.Initialize())

	peerID, err := id.MyPeerID()
	require.NoError(t, err)
	require.NotEqual(t, protocol.PeerID{}, peerID)

	_, found, _ := ks.Read(transport.KeyStaticDHPrivate)
	require.True(t, found)
	_, found, _ = ks.Read(transport.KeySigningPrivate)
	require.True(t, found)
}

func TestInitializeReloadsExistingKeys(t *testing.T) {
	ks := transport.NewMemoryKeystore()

	id1 := New(ks)
	require.NoError(t, id1.Initialize())
	peer1, _ := id1.MyPeerID()

	id2 := New(ks)
	require.NoError(t, id2.Initialize())
	peer2, _ := id2.MyPeerID()

	require.Equal(t, peer1, peer2, "reloading from the same keystore must reproduce the same PeerId")
}

func TestAccessorsFailBeforeInitialize(t *testing.T) {
	id := New(transport.NewMemoryKeystore())
	_, err := id.MyPeerID()
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = id.Sign([]byte("x"))
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	ks := transport.NewMemoryKeystore()
	id := New(ks)
	require.NoError(t, id.Initialize())

	peerID, _ := id.MyPeerID()
	pub, err := id.SigningPublicKey()
	require.NoError(t, err)

	msg := []byte("hello mesh")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	// Simulate a remote verifier that has learned our public key via the
	// out-of-scope identity-gossip channel.
	verifier := New(transport.NewMemoryKeystore())
	require.NoError(t, verifier.Initialize())
	verifier.LearnPeerKey(peerID, pub)

	require.True(t, verifier.Verify(peerID, msg, sig))
	require.False(t, verifier.Verify(peerID, []byte("tampered"), sig))
}

func TestVerifyFailsForUnknownPeer(t *testing.T) {
	id := New(transport.NewMemoryKeystore())
	require.NoError(t, id.Initialize())

	var unknown protocol.PeerID
	require.False(t, id.Verify(unknown, []byte("x"), []byte("sig")))
}

func TestResetIdentityClearsState(t *testing.T) {
	ks := transport.NewMemoryKeystore()
	id := New(ks)
	require.NoError(t, id.Initialize())

	var peer protocol.PeerID
	peer[0] = 1
	id.TrustPeer(peer)
	require.True(t, id.IsTrusted(peer))

	require.NoError(t, id.ResetIdentity())

	_, err := id.MyPeerID()
	require.ErrorIs(t, err, ErrNotInitialized)

	_, found, _ := ks.Read(transport.KeyStaticDHPrivate)
	require.False(t, found)
}

func TestTrustedPeerLRUCapEvictsLeastRecentlyUsed(t *testing.T) {
	set := NewTrustedPeerSet(3)

	var p1, p2, p3, p4 protocol.PeerID
	p1[0], p2[0], p3[0], p4[0] = 1, 2, 3, 4

	set.Trust(p1)
	set.Trust(p2)
	set.Trust(p3)

	// Touch p1 so it's no longer the least-recently-used.
	set.Trust(p1)

	evicted, did := set.Trust(p4)
	require.True(t, did)
	require.Equal(t, p2, evicted)

	require.True(t, set.Contains(p1))
	require.False(t, set.Contains(p2))
	require.True(t, set.Contains(p3))
	require.True(t, set.Contains(p4))
}

func TestLoadTrustedPeerSetCapsOversizedStore(t *testing.T) {
	set := NewTrustedPeerSet(500)
	for i := 0; i < 10; i++ {
		var p protocol.PeerID
		p[0] = byte(i)
		set.Trust(p)
	}
	data := set.Serialize()

	loaded := LoadTrustedPeerSet(data, 3)
	require.Equal(t, 3, loaded.Len())
}

package receipt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxonapp/core/protocol"
)

func TestTrackerDeliveredThenReadAdvancesStatus(t *testing.T) {
	tr := NewTracker()
	var source, peer protocol.PeerID
	source[0] = 1
	peer[0] = 2

	key := tr.TrackOutbound(source, 1000)

	tr.ApplyReceipt(peer, protocol.Receipt{Kind: protocol.ReceiptDelivered, OriginalTimestamp: 1000, OriginalSenderID: source})
	state, ok := tr.State(key)
	require.True(t, ok)
	require.Equal(t, StatusDelivered, state.Status)
	require.Contains(t, state.DeliveredTo, peer)

	tr.ApplyReceipt(peer, protocol.Receipt{Kind: protocol.ReceiptRead, OriginalTimestamp: 1000, OriginalSenderID: source})
	state, _ = tr.State(key)
	require.Equal(t, StatusRead, state.Status)
	require.Contains(t, state.ReadBy, peer)
	require.Contains(t, state.DeliveredTo, peer, "read implies delivery")
}

func TestTrackerStatusNeverRegresses(t *testing.T) {
	tr := NewTracker()
	var source, peer protocol.PeerID
	source[0] = 1
	peer[0] = 2

	key := tr.TrackOutbound(source, 1000)
	tr.ApplyReceipt(peer, protocol.Receipt{Kind: protocol.ReceiptRead, OriginalTimestamp: 1000, OriginalSenderID: source})

	// A late-arriving delivery receipt must not downgrade status from read.
	tr.ApplyReceipt(peer, protocol.Receipt{Kind: protocol.ReceiptDelivered, OriginalTimestamp: 1000, OriginalSenderID: source})

	state, _ := tr.State(key)
	require.Equal(t, StatusRead, state.Status)
}

func TestTrackerIgnoresUnknownMessageID(t *testing.T) {
	tr := NewTracker()
	var source, peer protocol.PeerID
	source[0] = 9
	peer[0] = 2

	// Never tracked via TrackOutbound -- must be a no-op, not a panic.
	tr.ApplyReceipt(peer, protocol.Receipt{Kind: protocol.ReceiptDelivered, OriginalTimestamp: 42, OriginalSenderID: source})

	_, ok := tr.State(MatchingKey(source, 42))
	require.False(t, ok)
}

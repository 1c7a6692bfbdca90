/*
File Name:  tracker.go
Copyright:  2024 Fluxon Contributors

Tracker is the sender-side half of the receipt engine (C5): it records the
delivery/read state of messages this node originated and applies incoming
Receipt entries to that state, never regressing status once advanced.
*/
package receipt

import (
	"fmt"
	"sync"

	"github.com/fluxonapp/core/protocol"
)

// Status is a message's delivery/read progression. The zero value is
// StatusSent; status only ever advances, never regresses (spec §4.5).
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

// MessageState is the sender-side record for one originated message.
type MessageState struct {
	Status      Status
	DeliveredTo map[protocol.PeerID]struct{}
	ReadBy      map[protocol.PeerID]struct{}
}

// MatchingKey computes the stable key senders use to track outbound
// messages: hex(sourceId) || ":" || timestamp. This is deliberately not the
// full PacketId (which also carries Flags), so it stays stable across any
// future evolution of the Flags field while still uniquely identifying one
// sent message.
func MatchingKey(sourceID protocol.PeerID, timestamp int64) string {
	return fmt.Sprintf("%s:%d", sourceID.String(), timestamp)
}

// Tracker records delivery/read state for every message this node has
// originated and is waiting on receipts for.
type Tracker struct {
	mu       sync.Mutex
	messages map[string]*MessageState
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{messages: make(map[string]*MessageState)}
}

// TrackOutbound registers a freshly sent message so later receipts can be
// matched against it, returning the matching key for convenience.
func (t *Tracker) TrackOutbound(sourceID protocol.PeerID, timestamp int64) string {
	key := MatchingKey(sourceID, timestamp)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages[key] = &MessageState{
		Status:      StatusSent,
		DeliveredTo: make(map[protocol.PeerID]struct{}),
		ReadBy:      make(map[protocol.PeerID]struct{}),
	}
	return key
}

// ApplyReceipt folds an incoming Receipt into the tracked message's state.
// Receipts for an unknown or non-local msgId are ignored: Tracker only ever
// holds entries for messages this node originated via TrackOutbound, so a
// lookup miss already implements both "unknown msgId" and "incoming
// message" rejection rules from §4.5 in one step.
func (t *Tracker) ApplyReceipt(fromPeer protocol.PeerID, r protocol.Receipt) {
	key := MatchingKey(r.OriginalSenderID, r.OriginalTimestamp)

	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.messages[key]
	if !ok {
		return
	}

	switch r.Kind {
	case protocol.ReceiptDelivered:
		state.DeliveredTo[fromPeer] = struct{}{}
		if state.Status == StatusSent {
			state.Status = StatusDelivered
		}
	case protocol.ReceiptRead:
		state.ReadBy[fromPeer] = struct{}{}
		state.DeliveredTo[fromPeer] = struct{}{}
		state.Status = StatusRead
	}
}

// State returns a snapshot of a tracked message's state by matching key.
func (t *Tracker) State(key string) (MessageState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.messages[key]
	if !ok {
		return MessageState{}, false
	}
	return MessageState{
		Status:      state.Status,
		DeliveredTo: copyPeerSet(state.DeliveredTo),
		ReadBy:      copyPeerSet(state.ReadBy),
	}, true
}

func copyPeerSet(src map[protocol.PeerID]struct{}) map[protocol.PeerID]struct{} {
	out := make(map[protocol.PeerID]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

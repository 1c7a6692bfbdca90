/*
File Name:  engine.go
Copyright:  2024 Fluxon Contributors

Engine is the receipt engine (C5): it auto-acknowledges inbound messages
addressed to this node, coalesces outbound read receipts into a 2-second
batch window, and (via Tracker) folds inbound acks back into the delivery
state of messages this node originated. Grounded on spec §4.5; there is
no directly analogous subsystem to adapt, so the coalescing-timer shape
follows the debounced-write pattern this codebase
already uses in `store` (a single armed timer, flushed on expiry or
explicit Flush).
*/
package receipt

import (
	"context"
	"sync"
	"time"

	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/relay"
)

// CoalesceWindow is the default read-receipt batching delay (§4.5, "2-second
// coalescing timer").
const CoalesceWindow = 2 * time.Second

// Engine owns the read-receipt coalescing buffer and delegates outbound
// delivery to the relay engine. It also runs the sender-side Tracker.
type Engine struct {
	relay    *relay.Engine
	identity *identity.Identity
	group    *group.Manager

	*Tracker

	coalesceWindow time.Duration

	mu      sync.Mutex
	pending map[string]protocol.Receipt // matching key -> last-write-wins receipt
	timer   *time.Timer
	disposed bool

	ctx context.Context
}

// New constructs a receipt Engine wired to the given relay engine, identity,
// and (optional) group manager.
func New(ctx context.Context, self *identity.Identity, r *relay.Engine, g *group.Manager) *Engine {
	return &Engine{
		relay:          r,
		identity:       self,
		group:          g,
		Tracker:        NewTracker(),
		coalesceWindow: CoalesceWindow,
		pending:        make(map[string]protocol.Receipt),
		ctx:            ctx,
	}
}

// HandleInboundAck is fed every inbound packet of TypeAck (typically by the
// composition root subscribing to the relay engine's TypeAck stream). It
// decodes the ack payload -- decrypting with the active group key if the
// packet carries ciphertext -- and folds every entry into Tracker.
func (e *Engine) HandleInboundAck(p *protocol.Packet) {
	plaintext, ok := e.decryptIfNeeded(p.Payload)
	if !ok {
		return
	}
	entries, ok := protocol.DecodeAckPayload(plaintext)
	if !ok {
		return
	}
	for _, r := range entries {
		e.Tracker.ApplyReceipt(p.SourceID, r)
	}
}

func (e *Engine) decryptIfNeeded(payload []byte) ([]byte, bool) {
	if e.group == nil || e.group.Active() == nil {
		return payload, true
	}
	return e.group.Decrypt(group.MessageTypeAck, payload)
}

func (e *Engine) encryptIfActive(payload []byte) ([]byte, error) {
	if e.group == nil || e.group.Active() == nil {
		return payload, nil
	}
	return e.group.Encrypt(group.MessageTypeAck, payload)
}

// AutoAck is called when a chat, location, or emergency packet addressed to
// this node (directly or via group broadcast) is delivered upward. It
// immediately sends a single-entry delivery receipt, broadcast via the
// relay engine exactly like a batch (§4.5, "Auto-delivery"): the packet's
// DestID is left as broadcast since, in a group context, any peer other
// than the original sender simply finds no tracked message to apply it to.
func (e *Engine) AutoAck(p *protocol.Packet) error {
	payload := protocol.EncodeReceipt(protocol.Receipt{
		Kind:              protocol.ReceiptDelivered,
		OriginalTimestamp: int64(p.Timestamp),
		OriginalSenderID:  p.SourceID,
	})
	return e.send(payload)
}

// QueueReadReceipt buffers a "displayed" notification for a message keyed
// by msgID (last-write-wins), arming the coalescing timer if one is not
// already running. Entries beyond MaxBatchReceiptCount since the last flush
// are dropped silently, matching the spec's "callers SHOULD not accumulate
// more than the cap" policy.
func (e *Engine) QueueReadReceipt(msgID string, originalTimestamp int64, originalSender protocol.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return
	}

	if _, exists := e.pending[msgID]; !exists && len(e.pending) >= protocol.MaxBatchReceiptCount {
		return
	}

	e.pending[msgID] = protocol.Receipt{
		Kind:              protocol.ReceiptRead,
		OriginalTimestamp: originalTimestamp,
		OriginalSenderID:  originalSender,
	}

	if e.timer == nil {
		e.timer = time.AfterFunc(e.coalesceWindow, e.flushTimerFired)
	}
}

func (e *Engine) flushTimerFired() {
	_ = e.Flush()
}

// Flush immediately packages and sends all pending read receipts as a
// single batch ack, then clears the buffer and disarms the timer. Safe to
// call with nothing pending (a no-op).
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.pending) == 0 {
		e.mu.Unlock()
		return nil
	}
	entries := make([]protocol.Receipt, 0, len(e.pending))
	for _, r := range e.pending {
		entries = append(entries, r)
	}
	e.pending = make(map[string]protocol.Receipt)
	e.mu.Unlock()

	return e.send(protocol.EncodeBatchReceipt(entries))
}

func (e *Engine) send(payload []byte) error {
	sealed, err := e.encryptIfActive(payload)
	if err != nil {
		return err
	}

	selfID, err := e.identity.MyPeerID()
	if err != nil {
		return err
	}

	now := func() uint64 { return uint64(time.Now().UnixMilli()) }
	p, err := protocol.BuildPacket(protocol.TypeAck, selfID, sealed, protocol.MaxTTL, protocol.BroadcastID, now)
	if err != nil {
		return err
	}
	return e.relay.Broadcast(e.ctx, p)
}

// Dispose cancels the coalescing timer and discards any pending receipts
// (§4.5, "Disposal"). Safe to call multiple times.
func (e *Engine) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = make(map[string]protocol.Receipt)
	e.disposed = true
}

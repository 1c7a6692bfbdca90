/*
File Name:  engine.go
Copyright:  2024 Fluxon Contributors

Engine is the mesh relay engine (C4): the single inbound choke-point for
the BLE transport. It verifies signatures, deduplicates, decrements TTL,
and floods or unicasts, following the state diagram in §4.4 bit for bit.
Grounded on the teacher's Peer ID.go failover-send pattern (send to every
peer except the one a connection arrived on) and Filter.go's hook
installation for PacketIn/PacketOut equivalents.
*/
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/transport"
)

// DefaultMaxClockSkew is the maximum amount a packet's timestamp may lie in
// the future before it is rejected (§4.4 step 4, "default 5 min").
const DefaultMaxClockSkew = 5 * time.Minute

// Hooks lets callers observe the engine's pipeline without coupling to its
// internals, in the spirit of the teacher's Filters hook-installation
// pattern. Every field is optional; a nil hook is simply not called.
type Hooks struct {
	// PacketIn is called for every inbound packet that passes parsing and
	// the loopback, signature, clock-skew and dedup checks. relayed reports
	// whether it was re-broadcast; when it was, p.TTL is the decremented
	// value that travels to the next hop, otherwise p.TTL is the value it
	// arrived with.
	PacketIn func(p *protocol.Packet, relayed bool)

	// PacketOut is called for every packet this node signs and sends,
	// whether via Broadcast or Send.
	PacketOut func(p *protocol.Packet)

	// Dropped is called whenever the inbound pipeline silently discards a
	// frame, naming the stage at which it was dropped.
	Dropped func(stage string)
}

// Engine is the mesh relay engine. It owns the dedup cache and is the only
// component that signs outbound packets or decides whether to relay an
// inbound one.
type Engine struct {
	transport transport.Transport
	identity  *identity.Identity
	self      protocol.PeerID

	maxClockSkew time.Duration
	dedup        *dedupCache

	hooksMu sync.RWMutex
	hooks   Hooks

	subsMu sync.RWMutex
	subs   []chan *protocol.Packet

	now func() time.Time
}

// Config tunes an Engine's dedup cache and clock-skew tolerance; a zero
// Config selects the spec's defaults.
type Config struct {
	DedupCapacity int
	DedupTTL      time.Duration
	MaxClockSkew  time.Duration
}

// New constructs an Engine bound to self's identity and the given
// transport. Call Run to start consuming inbound frames.
func New(self *identity.Identity, t transport.Transport, cfg Config) (*Engine, error) {
	myID, err := self.MyPeerID()
	if err != nil {
		return nil, err
	}

	skew := cfg.MaxClockSkew
	if skew <= 0 {
		skew = DefaultMaxClockSkew
	}

	return &Engine{
		transport:    t,
		identity:     self,
		self:         myID,
		maxClockSkew: skew,
		dedup:        newDedupCache(cfg.DedupCapacity, orDefault(cfg.DedupTTL, DefaultDedupTTL)),
		now:          time.Now,
	}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// SetHooks installs observability hooks, replacing any previously set.
func (e *Engine) SetHooks(h Hooks) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = h
}

func (e *Engine) hookPacketIn(p *protocol.Packet, relayed bool) {
	e.hooksMu.RLock()
	h := e.hooks.PacketIn
	e.hooksMu.RUnlock()
	if h != nil {
		h(p, relayed)
	}
}

func (e *Engine) hookPacketOut(p *protocol.Packet) {
	e.hooksMu.RLock()
	h := e.hooks.PacketOut
	e.hooksMu.RUnlock()
	if h != nil {
		h(p)
	}
}

func (e *Engine) hookDropped(stage string) {
	e.hooksMu.RLock()
	h := e.hooks.Dropped
	e.hooksMu.RUnlock()
	if h != nil {
		h(stage)
	}
}

// Subscribe returns a channel of packets delivered upward to this node
// (destId == self or destId == broadcast, per §4.4 step 7). The channel is
// unbuffered-friendly but internally buffered so a slow subscriber cannot
// stall the relay pipeline; Repositories (C6) are the expected consumers,
// demultiplexing further on packet type.
func (e *Engine) Subscribe() <-chan *protocol.Packet {
	ch := make(chan *protocol.Packet, 64)
	e.subsMu.Lock()
	e.subs = append(e.subs, ch)
	e.subsMu.Unlock()
	return ch
}

func (e *Engine) deliver(p *protocol.Packet) {
	e.subsMu.RLock()
	defer e.subsMu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- p:
		default:
			// A stalled subscriber must not back up the single-threaded
			// pipeline (§5); the packet is simply not delivered to it.
		}
	}
}

// Run consumes inbound frames from the transport until ctx is cancelled or
// the transport's frame channel closes. It is safe to call exactly once.
func (e *Engine) Run(ctx context.Context) {
	frames := e.transport.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			e.handleInbound(ctx, frame)
		}
	}
}

// handleInbound implements the §4.4 inbound algorithm, steps 1-8, in order.
func (e *Engine) handleInbound(ctx context.Context, frame transport.Frame) {
	p, err := protocol.Decode(frame.Data)
	if err != nil {
		e.hookDropped("codec")
		return
	}

	if p.SourceID == e.self {
		e.hookDropped("loopback")
		return
	}

	if !e.identity.Verify(p.SourceID, p.SignedBytes(), p.Signature) {
		e.hookDropped("signature")
		return
	}

	if e.isFromFuture(p.Timestamp) {
		e.hookDropped("clock-skew")
		return
	}

	if e.dedup.seenOrInsert(p.ID()) {
		e.hookDropped("duplicate")
		return
	}

	deliverUp := p.DestID == e.self || p.DestID.IsBroadcast()
	if deliverUp {
		e.deliver(p)
	}

	relayed := false
	if p.TTL > 1 {
		p.TTL--
		relayed = e.relay(ctx, p, frame)
	}

	e.hookPacketIn(p, relayed)
}

func (e *Engine) isFromFuture(timestampMillis uint64) bool {
	now := e.now()
	ts := time.UnixMilli(int64(timestampMillis))
	return ts.Sub(now) > e.maxClockSkew
}

// relay re-encodes and re-broadcasts a packet whose TTL has already been
// decremented, excluding the peer it arrived on (split-horizon). Relaying
// does not re-sign: the original signature, computed over the TTL-
// invariant field set, remains valid at every hop.
func (e *Engine) relay(ctx context.Context, p *protocol.Packet, frame transport.Frame) bool {
	data, err := protocol.Encode(p)
	if err != nil {
		e.hookDropped("relay-encode")
		return false
	}

	if frame.HasArrivedFrom {
		_ = e.transport.BroadcastExcept(ctx, data, frame.ArrivedFrom)
	} else {
		_ = e.transport.Broadcast(ctx, data)
	}
	return true
}

// Broadcast implements the §4.4 outbound algorithm: sign, record our own
// PacketId so our echo is never re-broadcast, and hand to the transport.
func (e *Engine) Broadcast(ctx context.Context, p *protocol.Packet) error {
	if err := e.signAndStamp(p); err != nil {
		return err
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	e.dedup.insertOnly(p.ID())
	if err := e.transport.Broadcast(ctx, data); err != nil {
		return err
	}
	e.hookPacketOut(p)
	return nil
}

// Send implements the §4.4 unicast path: identical signing/dedup treatment,
// but handed to the transport's next-hop selection. Returns
// transport.ErrNoRoute if the peer is unreachable.
func (e *Engine) Send(ctx context.Context, p *protocol.Packet, to protocol.PeerID) error {
	if err := e.signAndStamp(p); err != nil {
		return err
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	e.dedup.insertOnly(p.ID())
	if err := e.transport.Send(ctx, data, to); err != nil {
		return err
	}
	e.hookPacketOut(p)
	return nil
}

func (e *Engine) signAndStamp(p *protocol.Packet) error {
	sig, err := e.identity.Sign(p.SignedBytes())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// DedupLen reports the current number of entries in the dedup cache, for
// diagnostics and tests.
func (e *Engine) DedupLen() int {
	return e.dedup.len()
}

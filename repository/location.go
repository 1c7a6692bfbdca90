/*
File Name:  location.go
Copyright:  2024 Fluxon Contributors

LocationRepository (C6) periodically broadcasts the device's own position
while broadcasting is enabled and permission is granted, and tracks the
latest LocationUpdate per peer -- newer reports simply replace older ones,
there is no history to cap here.
*/
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/receipt"
	"github.com/fluxonapp/core/relay"
	"github.com/fluxonapp/core/transport"
)

// DefaultBroadcastInterval is how often this device's own position is
// broadcast while enabled (spec §4.6, "default 30 s").
const DefaultBroadcastInterval = 30 * time.Second

// PeerLocation pairs a peer's most recent position with the sender-stamped
// timestamp of the packet that carried it.
type PeerLocation struct {
	PeerID    protocol.PeerID
	Position  transport.Position
	Timestamp int64
}

// LocationRepository broadcasts this device's position on an interval and
// tracks the latest position reported by every other peer.
type LocationRepository struct {
	self     protocol.PeerID
	identity *identity.Identity
	relay    *relay.Engine
	group    *group.Manager
	receipts *receipt.Engine
	provider transport.LocationProvider
	interval time.Duration

	mu       sync.Mutex
	enabled  bool
	latest   map[protocol.PeerID]PeerLocation

	outbound chan PeerLocation
}

// NewLocationRepository constructs a LocationRepository and starts both its
// inbound consumption loop and its broadcast loop. Broadcasting stays idle
// until SetBroadcasting(true) is called.
func NewLocationRepository(ctx context.Context, self *identity.Identity, r *relay.Engine, g *group.Manager, receipts *receipt.Engine, provider transport.LocationProvider) (*LocationRepository, error) {
	peerID, err := self.MyPeerID()
	if err != nil {
		return nil, err
	}

	l := &LocationRepository{
		self:     peerID,
		identity: self,
		relay:    r,
		group:    g,
		receipts: receipts,
		provider: provider,
		interval: DefaultBroadcastInterval,
		latest:   make(map[protocol.PeerID]PeerLocation),
		outbound: make(chan PeerLocation, 64),
	}

	go l.runInbound(ctx)
	go l.runBroadcast(ctx)
	return l, nil
}

// SetInterval changes the broadcast interval for subsequent ticks.
func (l *LocationRepository) SetInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d > 0 {
		l.interval = d
	}
}

// SetBroadcasting turns this device's own position broadcast on or off.
func (l *LocationRepository) SetBroadcasting(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Subscribe returns the stream of peer location updates.
func (l *LocationRepository) Subscribe() <-chan PeerLocation {
	return l.outbound
}

// Latest returns a snapshot of the most recent position per peer.
func (l *LocationRepository) Latest() map[protocol.PeerID]PeerLocation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[protocol.PeerID]PeerLocation, len(l.latest))
	for k, v := range l.latest {
		out[k] = v
	}
	return out
}

func (l *LocationRepository) runInbound(ctx context.Context) {
	packets := l.relay.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				return
			}
			if p.Type != protocol.TypeLocationUpdate {
				continue
			}
			l.handleInbound(p)
		}
	}
}

func (l *LocationRepository) handleInbound(p *protocol.Packet) {
	plaintext, ok := l.decryptIfNeeded(p.Payload)
	if !ok {
		return
	}
	loc, ok := protocol.DecodeLocation(plaintext)
	if !ok {
		return
	}

	update := PeerLocation{
		PeerID: p.SourceID,
		Position: transport.Position{
			Lat:      loc.Lat,
			Lon:      loc.Lon,
			Accuracy: loc.Accuracy,
			Altitude: loc.Altitude,
			Speed:    loc.Speed,
			Bearing:  loc.Bearing,
		},
		Timestamp: int64(p.Timestamp),
	}

	l.mu.Lock()
	l.latest[p.SourceID] = update
	l.mu.Unlock()

	select {
	case l.outbound <- update:
	default:
	}

	if l.receipts != nil {
		_ = l.receipts.AutoAck(p)
	}
}

func (l *LocationRepository) decryptIfNeeded(payload []byte) ([]byte, bool) {
	if l.group == nil || l.group.Active() == nil {
		return payload, true
	}
	return l.group.Decrypt(group.MessageTypeLocation, payload)
}

func (l *LocationRepository) runBroadcast(ctx context.Context) {
	ticker := time.NewTicker(l.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ticker.Reset(l.currentInterval())
			l.broadcastOnce(ctx)
		}
	}
}

func (l *LocationRepository) currentInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

func (l *LocationRepository) broadcastOnce(ctx context.Context) {
	l.mu.Lock()
	enabled := l.enabled
	l.mu.Unlock()
	if !enabled || l.provider == nil {
		return
	}

	granted, err := l.provider.EnsureLocationPermission(ctx)
	if err != nil || !granted {
		return
	}

	pos, err := l.provider.CurrentPosition(ctx)
	if err != nil {
		return
	}

	payload := protocol.EncodeLocation(protocol.LocationPayload{
		Lat: pos.Lat, Lon: pos.Lon, Accuracy: pos.Accuracy,
		Altitude: pos.Altitude, Speed: pos.Speed, Bearing: pos.Bearing,
	})

	sealed, err := l.sealForBroadcast(payload)
	if err != nil {
		return
	}

	p, err := protocol.BuildPacket(protocol.TypeLocationUpdate, l.self, sealed, protocol.MaxTTL, protocol.BroadcastID, nowMillis)
	if err != nil {
		return
	}
	_ = l.relay.Broadcast(ctx, p)
}

func (l *LocationRepository) sealForBroadcast(payload []byte) ([]byte, error) {
	if l.group == nil || l.group.Active() == nil {
		return payload, nil
	}
	return l.group.Encrypt(group.MessageTypeLocation, payload)
}

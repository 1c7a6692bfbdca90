/*
File Name:  emergency.go
Copyright:  2024 Fluxon Contributors

EmergencyRepository (C6) sends SOS-class alerts via a rebroadcast loop:
each of the rebroadcastCount iterations re-encrypts independently (a
fresh nonce every call, per group.Manager.Encrypt) and stamps a fresh
timestamp, so peer dedup caches treat the copies as distinct floods rather
than collapsing them. A TransportError during sendAlert enters a
retryable-failure state with exponential backoff, checking a disposed flag
at every wait per design note §9; concurrent sendAlert calls are rejected
outright while one is in flight.

No teacher or reference-repo analogue implements this exact retry/backoff
state machine; the rebroadcast loop's ticker-and-jitter shape is grounded
on the bitchat reference's generateCoverTraffic loop (internal/bluetooth/
mesh_service.go), built here against this spec's exact parameters instead
of that loop's battery-mode heuristic.
*/
package repository

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/receipt"
	"github.com/fluxonapp/core/relay"
)

// DefaultRebroadcastCount is how many independently re-encrypted copies of
// one alert are sent per sendAlert call (spec §4.6, "default 3").
const DefaultRebroadcastCount = 3

// DefaultMaxRetries bounds how many times a failed send is retried before
// sendAlert gives up (spec §4.6, "default 5").
const DefaultMaxRetries = 5

// DefaultEmergencyTTL is the full hop budget, protocol.MaxTTL, so an
// emergency flood reaches as far as the mesh allows. Chat and location
// sends are stamped with the same value.
const DefaultEmergencyTTL = protocol.MaxTTL

// initialBackoff is the first retry delay; each subsequent retry doubles it.
const initialBackoff = 500 * time.Millisecond

// rebroadcastJitterMax bounds the random pause between rebroadcast
// iterations within a single sendAlert call.
const rebroadcastJitterMax = 400 * time.Millisecond

// ErrSendInProgress is returned when sendAlert is called while a previous
// call is still in flight.
var ErrSendInProgress = errors.New("repository: emergency send already in progress")

// ErrDisposed is returned when sendAlert (or a retry wait within it) is
// called after Dispose.
var ErrDisposed = errors.New("repository: emergency repository disposed")

// ErrInvalidAlertType is returned by SendAlert when alertType is not one
// of the AlertSOS/AlertMedical/AlertLost/AlertDanger constants (spec §7,
// "unknown alert type" refused at the API boundary).
var ErrInvalidAlertType = errors.New("repository: invalid emergency alert type")

// EmergencyAlert is one emergency-alert history entry, local or remote.
type EmergencyAlert struct {
	ID        string
	SenderID  protocol.PeerID
	AlertType uint8
	Lat       float64
	Lon       float64
	Message   string
	Timestamp int64
	IsLocal   bool
}

// EmergencyRepository sends and receives emergency alerts.
type EmergencyRepository struct {
	self     protocol.PeerID
	identity *identity.Identity
	relay    *relay.Engine
	group    *group.Manager
	receipts *receipt.Engine

	rebroadcastCount int
	maxRetries       int

	mu        sync.Mutex
	alerts    []EmergencyAlert
	isSending bool
	disposed  bool

	outbound chan EmergencyAlert
}

// Options overrides the rebroadcast count and max retries for a single
// EmergencyRepository. A zero value in either field selects
// DefaultRebroadcastCount / DefaultMaxRetries.
type Options struct {
	RebroadcastCount int
	MaxRetries       int
}

// NewEmergencyRepository constructs an EmergencyRepository with the
// package defaults and starts its inbound consumption loop.
func NewEmergencyRepository(ctx context.Context, self *identity.Identity, r *relay.Engine, g *group.Manager, receipts *receipt.Engine) (*EmergencyRepository, error) {
	return NewEmergencyRepositoryWithOptions(ctx, self, r, g, receipts, Options{})
}

// NewEmergencyRepositoryWithOptions is NewEmergencyRepository with an
// explicit rebroadcast/retry policy, for hosts that wire
// config.Config's EmergencyRebroadcastCount / EmergencyMaxRetries in at
// composition time. receipts may be nil, in which case inbound alerts are
// never auto-acked.
func NewEmergencyRepositoryWithOptions(ctx context.Context, self *identity.Identity, r *relay.Engine, g *group.Manager, receipts *receipt.Engine, opts Options) (*EmergencyRepository, error) {
	peerID, err := self.MyPeerID()
	if err != nil {
		return nil, err
	}

	rebroadcastCount := opts.RebroadcastCount
	if rebroadcastCount <= 0 {
		rebroadcastCount = DefaultRebroadcastCount
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	e := &EmergencyRepository{
		self:             peerID,
		identity:         self,
		relay:            r,
		group:            g,
		receipts:         receipts,
		rebroadcastCount: rebroadcastCount,
		maxRetries:       maxRetries,
		outbound:         make(chan EmergencyAlert, 64),
	}

	go e.run(ctx)
	return e, nil
}

// Subscribe returns the stream of emergency alerts, local and remote.
func (e *EmergencyRepository) Subscribe() <-chan EmergencyAlert {
	return e.outbound
}

// History returns a snapshot of recent alerts.
func (e *EmergencyRepository) History() []EmergencyAlert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EmergencyAlert(nil), e.alerts...)
}

func (e *EmergencyRepository) run(ctx context.Context) {
	packets := e.relay.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				return
			}
			if p.Type != protocol.TypeEmergencyAlert {
				continue
			}
			e.handleInbound(p)
		}
	}
}

func (e *EmergencyRepository) handleInbound(p *protocol.Packet) {
	plaintext, ok := e.decryptIfNeeded(p.Payload)
	if !ok {
		return
	}
	alert, ok := protocol.DecodeEmergency(plaintext)
	if !ok {
		return
	}

	record := EmergencyAlert{
		ID:        p.ID(),
		SenderID:  p.SourceID,
		AlertType: alert.AlertType,
		Lat:       alert.Lat,
		Lon:       alert.Lon,
		Message:   alert.Message,
		Timestamp: int64(p.Timestamp),
	}
	e.record(record)

	if e.receipts != nil {
		_ = e.receipts.AutoAck(p)
	}
}

func (e *EmergencyRepository) decryptIfNeeded(payload []byte) ([]byte, bool) {
	if e.group == nil || e.group.Active() == nil {
		return payload, true
	}
	return e.group.Decrypt(group.MessageTypeEmergency, payload)
}

func (e *EmergencyRepository) record(a EmergencyAlert) {
	e.mu.Lock()
	e.alerts = appendCapped(e.alerts, a, MaxHistory)
	e.mu.Unlock()

	select {
	case e.outbound <- a:
	default:
	}
}

// SendAlert runs the rebroadcast-with-retry state machine for a single
// emergency alert. It rejects a concurrent call with ErrSendInProgress, and
// retries a transport failure up to maxRetries times with exponential
// backoff, aborting cleanly if Dispose is called mid-wait.
func (e *EmergencyRepository) SendAlert(ctx context.Context, alertType uint8, lat, lon float64, message string) error {
	switch alertType {
	case protocol.AlertSOS, protocol.AlertMedical, protocol.AlertLost, protocol.AlertDanger:
	default:
		return ErrInvalidAlertType
	}

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.isSending {
		e.mu.Unlock()
		return ErrSendInProgress
	}
	e.isSending = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isSending = false
		e.mu.Unlock()
	}()

	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if e.isDisposed() {
			return ErrDisposed
		}

		err := e.sendOnce(ctx, alertType, lat, lon, message)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == e.maxRetries {
			break
		}
		if !e.canRetry(attempt) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if e.isDisposed() {
			return ErrDisposed
		}
		backoff *= 2
	}
	return lastErr
}

func (e *EmergencyRepository) canRetry(retryCount int) bool {
	return retryCount < e.maxRetries
}

func (e *EmergencyRepository) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// sendOnce performs the rebroadcastCount-iteration flood for one alert,
// each iteration independently encrypted and timestamped.
func (e *EmergencyRepository) sendOnce(ctx context.Context, alertType uint8, lat, lon float64, message string) error {
	payload := protocol.EncodeEmergency(alertType, lat, lon, message)

	var localRecorded bool
	for i := 0; i < e.rebroadcastCount; i++ {
		sealed, err := e.sealForBroadcast(payload)
		if err != nil {
			return err
		}

		p, err := protocol.BuildPacket(protocol.TypeEmergencyAlert, e.self, sealed, DefaultEmergencyTTL, protocol.BroadcastID, nowMillis)
		if err != nil {
			return err
		}
		if err := e.relay.Broadcast(ctx, p); err != nil {
			return err
		}

		if !localRecorded {
			e.record(EmergencyAlert{
				ID: p.ID(), SenderID: e.self, AlertType: alertType,
				Lat: lat, Lon: lon, Message: message,
				Timestamp: int64(p.Timestamp), IsLocal: true,
			})
			localRecorded = true
		}

		if i < e.rebroadcastCount-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(rand.Int63n(int64(rebroadcastJitterMax)))):
			}
		}
	}
	return nil
}

func (e *EmergencyRepository) sealForBroadcast(payload []byte) ([]byte, error) {
	if e.group == nil || e.group.Active() == nil {
		return payload, nil
	}
	return e.group.Encrypt(group.MessageTypeEmergency, payload)
}

// Dispose marks the repository disposed: any retry wait in flight aborts
// at its next check, and all subsequent SendAlert calls fail immediately.
// Idempotent.
func (e *EmergencyRepository) Dispose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disposed = true
}

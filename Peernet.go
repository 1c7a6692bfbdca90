/*
File Name:  Peernet.go
Copyright:  2024 Fluxon Contributors

Backend/Init is the composition root, adapted from the teacher's
Peernet.go: the same "load config, init log, wire every subsystem, return
one handle the frontend holds onto" shape, generalized from a DHT/
blockchain/warehouse node to a FluxonApp mesh-messaging node wiring
identity, group crypto, the relay engine, receipts, the at-rest store, and
the three feature repositories.
*/

package core

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fluxonapp/core/config"
	"github.com/fluxonapp/core/group"
	"github.com/fluxonapp/core/identity"
	"github.com/fluxonapp/core/profile"
	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/receipt"
	"github.com/fluxonapp/core/relay"
	"github.com/fluxonapp/core/repository"
	"github.com/fluxonapp/core/store"
	"github.com/fluxonapp/core/transport"
)

// ErrMissingDependency is returned by Init when a required host-supplied
// dependency (keystore or transport) is nil.
var ErrMissingDependency = errors.New("core: keystore and transport are required")

// Init initializes the client. If the config file does not exist or is
// empty, the embedded default document is used. The returned status is of
// type ExitX (see package config); anything other than config.ExitSuccess
// indicates a fatal failure and backend is nil.
//
// noise and locationProvider may be nil: a nil noise session makes
// Backend.Chat.SendPrivate always fail, and a nil locationProvider makes
// Backend.Location's broadcast loop a no-op. Both are legitimate
// configurations for a node that only ever does group chat.
func Init(ctx context.Context, configFilename string, keystore transport.Keystore, t transport.Transport, noise transport.NoiseSession, locationProvider transport.LocationProvider, filters *Filters) (backend *Backend, status int, err error) {
	if keystore == nil || t == nil {
		return nil, config.ExitUnknownError, ErrMissingDependency
	}

	backend = &Backend{
		ConfigFilename: configFilename,
		Stdout:         newMultiWriter(),
		transport:      t,
	}
	if filters != nil {
		backend.Filters = *filters
	}
	backend.initFilters()

	// Configuration load is a fatal event if it fails.
	if backend.Config, status, err = config.LoadConfig(configFilename); status != config.ExitSuccess {
		return nil, status, err
	}

	backend.initLog()

	backend.Identity = identity.New(keystore)
	if err = backend.Identity.Initialize(); err != nil {
		backend.LogError("Init", "identity initialization: %s", err.Error())
		return nil, config.ExitUnknownError, err
	}

	backend.Group = group.NewManager(keystore)
	if _, err = backend.Group.Restore(); err != nil {
		backend.LogError("Init", "restoring persisted group: %s", err.Error())
	}

	backend.Profile = profile.Load(keystore)

	if backend.Relay, err = relay.New(backend.Identity, t, relay.Config{
		DedupCapacity: backend.Config.Relay.DedupCapacity,
		DedupTTL:      backend.Config.Relay.DedupTTL(),
		MaxClockSkew:  backend.Config.Relay.MaxClockSkew(),
	}); err != nil {
		return nil, config.ExitUnknownError, err
	}
	backend.seenPeers = make(map[protocol.PeerID]bool)
	backend.Relay.SetHooks(relay.Hooks{
		PacketIn: func(p *protocol.Packet, relayed bool) { backend.notePeer(p.SourceID) },
		Dropped: func(stage string) {
			backend.Filters.LogError("relay", "dropped inbound frame at stage '%s'", stage)
		},
	})

	backend.Receipts = receipt.New(ctx, backend.Identity, backend.Relay, backend.Group)
	go backend.pumpAcks(ctx)

	storeDir := backend.Config.Store.Dir
	if storeDir == "" {
		storeDir = "fluxon-data"
	}
	if backend.Store, err = store.OpenWithOptions(storeDir, keystore, store.Options{
		DebounceWindow: backend.Config.Store.DebounceWindow(),
		FlushThreshold: backend.Config.Store.FlushThreshold,
	}); err != nil {
		backend.LogError("Init", "opening message store '%s': %s", storeDir, err.Error())
		return nil, config.ExitUnknownError, err
	}

	if backend.Chat, err = repository.NewChatRepository(ctx, backend.Identity, backend.Relay, backend.Group, backend.Receipts, noise, backend.Profile); err != nil {
		return nil, config.ExitUnknownError, err
	}
	if backend.Location, err = repository.NewLocationRepository(ctx, backend.Identity, backend.Relay, backend.Group, backend.Receipts, locationProvider); err != nil {
		return nil, config.ExitUnknownError, err
	}
	backend.Location.SetInterval(backend.Config.LocationBroadcastInterval())

	if backend.Emergency, err = repository.NewEmergencyRepositoryWithOptions(ctx, backend.Identity, backend.Relay, backend.Group, backend.Receipts, repository.Options{
		RebroadcastCount: backend.Config.EmergencyRebroadcastCount,
		MaxRetries:       backend.Config.EmergencyMaxRetries,
	}); err != nil {
		return nil, config.ExitUnknownError, err
	}

	go backend.pumpEvents(ctx)

	return backend, config.ExitSuccess, nil
}

// notePeer calls Filters.PeerDiscovered exactly once per distinct peer ID
// seen on the relay engine's inbound pipeline.
func (backend *Backend) notePeer(id protocol.PeerID) {
	backend.peersMu.Lock()
	isNew := !backend.seenPeers[id]
	backend.seenPeers[id] = true
	backend.peersMu.Unlock()

	if isNew {
		backend.Filters.PeerDiscovered(id)
	}
}

// pumpEvents forwards each feature repository's output stream to the
// matching Filters hook, so a host application can drive its UI off a
// single set of callbacks instead of holding three separate goroutines
// itself.
func (backend *Backend) pumpEvents(ctx context.Context) {
	chat := backend.Chat.Subscribe()
	loc := backend.Location.Subscribe()
	alerts := backend.Emergency.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-chat:
			if !ok {
				return
			}
			backend.Filters.ChatReceived(msg)
		case l, ok := <-loc:
			if !ok {
				return
			}
			backend.Filters.LocationReceived(l)
		case a, ok := <-alerts:
			if !ok {
				return
			}
			backend.Filters.EmergencyReceived(a)
		}
	}
}

// Connect starts the transport's background services and the relay
// engine's inbound pump. It is separate from Init so a caller may finish
// wiring UI subscriptions before frames start flowing, mirroring the
// teacher's Init/Connect split.
func (backend *Backend) Connect(ctx context.Context) error {
	if err := backend.transport.StartServices(ctx); err != nil {
		return err
	}
	go backend.Relay.Run(ctx)
	return nil
}

// pumpAcks feeds every inbound TypeAck packet to the receipt engine. The
// relay engine has no built-in ack-aware routing (§4.4 only decides
// relay-or-not); demultiplexing by packet type is a composition-root
// concern, the same way ChatRepository/LocationRepository/
// EmergencyRepository each filter the shared Subscribe() stream for their
// own type.
func (backend *Backend) pumpAcks(ctx context.Context) {
	packets := backend.Relay.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				return
			}
			if p.Type == protocol.TypeAck {
				backend.Receipts.HandleInboundAck(p)
			}
		}
	}
}

// The Backend represents an instance of a FluxonApp node to be used by a
// frontend (CLI, mobile binding, or test harness).
type Backend struct {
	ConfigFilename string        // Filename of the configuration file.
	Config         config.Config // Core configuration
	Filters        Filters       // Filters allow installing hooks.

	Identity *identity.Identity
	Group    *group.Manager
	Profile  *profile.Profile
	Relay    *relay.Engine
	Receipts *receipt.Engine
	Store    *store.Store

	Chat      *repository.ChatRepository
	Location  *repository.LocationRepository
	Emergency *repository.EmergencyRepository

	// Stdout bundles any output for the end-user. Writers may subscribe/unsubscribe.
	Stdout *multiWriter

	log *logrus.Logger

	peersMu   sync.Mutex
	seenPeers map[protocol.PeerID]bool

	transport transport.Transport
}

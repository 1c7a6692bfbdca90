/*
File Name:  profile.go
Copyright:  2024 Fluxon Contributors

Profile is the small shared state object design note §9 calls for in place
of the source's closure-captured display name: repositories hold a
reference to one Profile and read Name() at call time, so a rename takes
effect on the very next send without any repository re-wiring.
*/
package profile

import (
	"sync"

	"github.com/fluxonapp/core/transport"
)

// DefaultDisplayName is used until a device owner sets one explicitly.
const DefaultDisplayName = "Anonymous"

// Profile holds the local device owner's display name, persisted through
// the keystore under KeyDisplayName.
type Profile struct {
	keystore transport.Keystore

	mu   sync.RWMutex
	name string
}

// Load reads the persisted display name, falling back to
// DefaultDisplayName if none has ever been set.
func Load(keystore transport.Keystore) *Profile {
	p := &Profile{keystore: keystore, name: DefaultDisplayName}
	if raw, found, err := keystore.Read(transport.KeyDisplayName); err == nil && found && len(raw) > 0 {
		p.name = string(raw)
	}
	return p
}

// Name returns the current display name.
func (p *Profile) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName updates and persists the display name. Non-fatal on persistence
// failure (StorageError, §7): the in-memory value remains authoritative
// for the session.
func (p *Profile) SetName(name string) {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	_ = p.keystore.Write(transport.KeyDisplayName, []byte(name))
}

/*
File Name:  group.go
Copyright:  2024 Fluxon Contributors

FluxonGroup is the data record for a shared-secret chat group. Per design
note §9 (avoid the teacher's cyclic Group<->Cipher relationship), Group
holds only data plus a read-only reference to the AEAD cipher it was
minted with by Manager -- it never constructs or owns the cipher itself.
*/
package group

import (
	"crypto/cipher"
	"sync"

	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/secure"
)

// FluxonGroup is the active shared-secret group a device belongs to. A
// device holds at most one active group at a time (enforced by Manager).
type FluxonGroup struct {
	GroupID   string
	Name      string
	Salt      [SaltSize]byte
	CreatedAt int64 // milliseconds since epoch

	mu      sync.RWMutex
	members map[protocol.PeerID]struct{}

	key  *secure.Bytes
	aead cipher.AEAD // read-only; minted and owned for destruction by Manager
}

// AddMember records a peer as a member of this group.
func (g *FluxonGroup) AddMember(peer protocol.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[peer] = struct{}{}
}

// RemoveMember drops a peer from this group's member set.
func (g *FluxonGroup) RemoveMember(peer protocol.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, peer)
}

// HasMember reports whether peer is a recorded member of this group.
func (g *FluxonGroup) HasMember(peer protocol.PeerID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.members[peer]
	return ok
}

// Members returns a snapshot of the current member set.
func (g *FluxonGroup) Members() []protocol.PeerID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]protocol.PeerID, 0, len(g.members))
	for p := range g.members {
		out = append(out, p)
	}
	return out
}

// zero destroys the group's key material. Called by Manager on
// leave/switch; never called directly by holders of a *FluxonGroup.
func (g *FluxonGroup) zero() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.key != nil {
		g.key.Zero()
	}
	g.aead = nil
}

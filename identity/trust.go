/*
File Name:  trust.go
Copyright:  2024 Fluxon Contributors

TrustedPeerSet is an LRU-ordered, capped set of trusted PeerIds. It has no
off-the-shelf analogue in the example pack (the teacher's DHT keeps
per-bucket trust levels rather than a flat capped set -- see
dht/KNode.go's KNodeIdentity.Trust for the grounding concept); the LRU
mechanics here are hand-rolled on container/list, the idiomatic approach
when no third-party LRU library is available.
*/
package identity

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/hex"
	"sync"

	"github.com/fluxonapp/core/protocol"
)

// DefaultTrustedPeerCap is the default cap on the trusted-peer set.
const DefaultTrustedPeerCap = 500

// TrustedPeerSet is an LRU-ordered set of PeerIds. Touching a peer
// (trusting it again) promotes it to most-recently-used; trusting past
// the cap evicts the least-recently-used entry.
type TrustedPeerSet struct {
	mu    sync.Mutex
	cap   int
	order *list.List // front = most recently used
	index map[protocol.PeerID]*list.Element
}

// NewTrustedPeerSet creates an empty set capped at capacity.
func NewTrustedPeerSet(capacity int) *TrustedPeerSet {
	if capacity <= 0 {
		capacity = DefaultTrustedPeerCap
	}
	return &TrustedPeerSet{
		cap:   capacity,
		order: list.New(),
		index: make(map[protocol.PeerID]*list.Element),
	}
}

// Trust inserts p or promotes it to most-recently-used if already present.
// If inserting a new entry pushes the set over capacity, the
// least-recently-used entry is evicted and returned.
func (s *TrustedPeerSet) Trust(p protocol.PeerID) (evicted protocol.PeerID, didEvict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[p]; ok {
		s.order.MoveToFront(el)
		return evicted, false
	}

	el := s.order.PushFront(p)
	s.index[p] = el

	if s.order.Len() > s.cap {
		back := s.order.Back()
		if back != nil {
			evicted = back.Value.(protocol.PeerID)
			s.order.Remove(back)
			delete(s.index, evicted)
			didEvict = true
		}
	}
	return evicted, didEvict
}

// Revoke removes p from the set, if present.
func (s *TrustedPeerSet) Revoke(p protocol.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[p]; ok {
		s.order.Remove(el)
		delete(s.index, p)
	}
}

// Contains reports whether p is currently trusted, without affecting its
// recency.
func (s *TrustedPeerSet) Contains(p protocol.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[p]
	return ok
}

// Len reports the current size of the set.
func (s *TrustedPeerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Peers returns the trusted peers ordered most-recently-used first.
func (s *TrustedPeerSet) Peers() []protocol.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]protocol.PeerID, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		peers = append(peers, el.Value.(protocol.PeerID))
	}
	return peers
}

// Clear empties the set.
func (s *TrustedPeerSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order.Init()
	s.index = make(map[protocol.PeerID]*list.Element)
}

// Serialize renders the set as one hex-encoded PeerId per line, most
// recently used first.
func (s *TrustedPeerSet) Serialize() []byte {
	peers := s.Peers()
	var buf bytes.Buffer
	for _, p := range peers {
		buf.WriteString(hex.EncodeToString(p[:]))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// LoadTrustedPeerSet parses a serialized trusted-peer list into a new set
// capped at capacity. Only the first capacity entries are accepted,
// defending against a crafted oversized store inflating memory use.
func LoadTrustedPeerSet(data []byte, capacity int) *TrustedPeerSet {
	set := NewTrustedPeerSet(capacity)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() && count < set.cap {
		line := scanner.Text()
		if line == "" {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil || len(raw) != protocol.PeerIDSize {
			continue
		}
		id, err := protocol.PeerIDFromBytes(raw)
		if err != nil {
			continue
		}
		set.Trust(id)
		count++
	}
	return set
}

/*
File Name:  store.go
Copyright:  2024 Fluxon Contributors

Store is the at-rest message history store (C7): one encrypted file per
group, a debounced batched-write policy, and a legacy-plaintext migration
path. Adapted from the teacher's store.Store key/value interface (shape
only -- a DHT value store generalized here to "one JSON blob per group"),
using the teacher's sanitize.PathFile technique for the on-disk filename
and the same non-fatal StorageError treatment used throughout the rest of
this codebase.
*/
package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/fluxonapp/core/secure"
	"github.com/fluxonapp/core/transport"
)

// DebounceWindow is the default delay between a Save call and the write it
// triggers actually hitting disk (§4.7, "5-second debounce timer").
const DebounceWindow = 5 * time.Second

// FlushThreshold is the number of outstanding (debounced) writes across all
// groups that forces an immediate flush (§4.7, "reaches 10").
const FlushThreshold = 10

// fileKeySize is the width of the per-device file-encryption key,
// independent of any group key.
const fileKeySize = 32

// Delivery/read progression values for Message.Status (spec §3, "status ∈
// {sent, delivered, read}"). Status only ever advances, never regresses.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message is one persisted item of message history. It is intentionally
// generic across chat/location/emergency records rather than mirroring the
// wire payload shapes exactly, since at-rest history is a UI-facing
// concern, not a transport one. IsLocal/Status/DeliveredTo/ReadBy mirror
// the ChatMessage persisted-record shape (spec §3); Status and the peer
// sets are meaningful only for locally-originated messages tracked by
// receipt.Tracker; a loaded record missing them (including the scenario
// S6 legacy-migration document, which predates these fields) defaults to
// Status=StatusSent with empty sets, per spec §9's forward-compatibility
// note.
type Message struct {
	ID          string   `json:"id"`
	Type        uint8    `json:"type"`
	SenderID    string   `json:"senderId"`
	SenderName  string   `json:"senderName,omitempty"`
	Timestamp   int64    `json:"timestamp"`
	Text        string   `json:"text,omitempty"`
	Lat         float64  `json:"lat,omitempty"`
	Lon         float64  `json:"lon,omitempty"`
	AlertType   uint8    `json:"alertType,omitempty"`
	IsLocal     bool     `json:"isLocal,omitempty"`
	Status      string   `json:"status,omitempty"`
	DeliveredTo []string `json:"deliveredTo,omitempty"`
	ReadBy      []string `json:"readBy,omitempty"`
}

// normalizeStatus defaults every message in the list to StatusSent if its
// Status field was absent from the decoded document (§9 forward-compat
// note), without overwriting an already-set status.
func normalizeStatus(messages []Message) []Message {
	for i := range messages {
		if messages[i].Status == "" {
			messages[i].Status = StatusSent
		}
	}
	return messages
}

// Store persists per-group message history to disk, encrypted with a
// per-device key independent of any group key.
type Store struct {
	dir      string
	keystore transport.Keystore
	aead     cipher.AEAD

	debounceWindow time.Duration
	flushThreshold int

	mu      sync.Mutex
	pending map[string][]Message
	writes  int
	timer   *time.Timer
	disposed bool
}

// Options overrides the package defaults for a Store's debounce policy. A
// zero value in either field selects DebounceWindow / FlushThreshold.
type Options struct {
	DebounceWindow time.Duration
	FlushThreshold int
}

// Open loads or generates the per-device file-encryption key and returns a
// Store rooted at dir (created if necessary), using the package's default
// debounce policy.
func Open(dir string, keystore transport.Keystore) (*Store, error) {
	return OpenWithOptions(dir, keystore, Options{})
}

// OpenWithOptions is Open with an explicit debounce policy, for hosts that
// wire config.StoreConfig values in at composition time.
func OpenWithOptions(dir string, keystore transport.Keystore, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	key, err := loadOrGenerateFileKey(keystore)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, err
	}

	debounceWindow := opts.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = DebounceWindow
	}
	flushThreshold := opts.FlushThreshold
	if flushThreshold <= 0 {
		flushThreshold = FlushThreshold
	}

	return &Store{
		dir:            dir,
		keystore:       keystore,
		aead:           aead,
		pending:        make(map[string][]Message),
		debounceWindow: debounceWindow,
		flushThreshold: flushThreshold,
	}, nil
}

func loadOrGenerateFileKey(keystore transport.Keystore) (*secure.Bytes, error) {
	raw, found, err := keystore.Read(transport.KeyFileEncryptionKey)
	if err == nil && found && len(raw) == fileKeySize {
		return secure.New(raw), nil
	}

	key := make([]byte, fileKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	// Non-fatal on failure (StorageError, §7): an unpersisted key still
	// works for the remainder of this process's lifetime.
	_ = keystore.Write(transport.KeyFileEncryptionKey, key)
	return secure.New(key), nil
}

func (s *Store) path(groupID string) string {
	return filepath.Join(s.dir, "messages_"+sanitizeGroupID(groupID)+".bin")
}

// Save buffers messages as the latest snapshot for groupID and arms the
// debounce timer. If the number of outstanding writes across all groups has
// reached FlushThreshold, every pending group is flushed immediately
// instead of waiting for the timer.
func (s *Store) Save(groupID string, messages []Message) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errors.New("store: disposed")
	}

	s.pending[groupID] = append([]Message(nil), messages...)
	s.writes++

	forceFlush := s.writes >= s.flushThreshold
	if !forceFlush && s.timer == nil {
		s.timer = time.AfterFunc(s.debounceWindow, func() { _ = s.Flush() })
	}
	s.mu.Unlock()

	if forceFlush {
		return s.Flush()
	}
	return nil
}

// Load flushes only groupID's own pending write (other groups remain
// debounced, per §4.7), then reads and decrypts the file. A decrypt
// failure that parses as plaintext JSON is treated as a legacy unencrypted
// file: it is re-encrypted in place and returned. Any other failure (file
// absent, corrupt) returns an empty list, never an error.
func (s *Store) Load(groupID string) ([]Message, error) {
	if err := s.flushGroup(groupID); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.path(groupID))
	if err != nil {
		return nil, nil
	}

	if messages, ok := s.decryptAndDecode(raw); ok {
		return normalizeStatus(messages), nil
	}

	// Migration path: legacy plaintext JSON.
	var legacy []Message
	if json.Unmarshal(raw, &legacy) == nil {
		legacy = normalizeStatus(legacy)
		_ = s.writeFile(groupID, legacy)
		return legacy, nil
	}

	return nil, nil
}

func (s *Store) decryptAndDecode(raw []byte) ([]Message, bool) {
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, false
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	var messages []Message
	if err := json.Unmarshal(plaintext, &messages); err != nil {
		return nil, false
	}
	return messages, true
}

// DeleteAll discards any pending write for groupID and removes its file.
func (s *Store) DeleteAll(groupID string) error {
	s.mu.Lock()
	delete(s.pending, groupID)
	s.mu.Unlock()

	err := os.Remove(s.path(groupID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// DeleteMessage removes id from currentList and saves the result.
func (s *Store) DeleteMessage(groupID, id string, currentList []Message) error {
	next := make([]Message, 0, len(currentList))
	for _, m := range currentList {
		if m.ID != id {
			next = append(next, m)
		}
	}
	return s.Save(groupID, next)
}

// Flush immediately writes every pending group to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	groups := s.pending
	s.pending = make(map[string][]Message)
	s.writes = 0
	s.mu.Unlock()

	var firstErr error
	for groupID, messages := range groups {
		if err := s.writeFile(groupID, messages); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) flushGroup(groupID string) error {
	s.mu.Lock()
	messages, ok := s.pending[groupID]
	if ok {
		delete(s.pending, groupID)
		if len(s.pending) == 0 && s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return s.writeFile(groupID, messages)
}

// writeFile encrypts messages and atomically replaces groupID's file:
// write to a temp file in the same directory, sync, then rename.
func (s *Store) writeFile(groupID string, messages []Message) error {
	plaintext, err := json.Marshal(messages)
	if err != nil {
		return err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	dest := s.path(groupID)
	tmp, err := os.CreateTemp(s.dir, "tmp-*.bin")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dest)
}

// Dispose cancels the debounce timer and synchronously flushes every
// pending write (§4.7, "Dispose"). Safe to call more than once.
func (s *Store) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	return s.Flush()
}

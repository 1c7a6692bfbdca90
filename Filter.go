/*
File Name:  Filter.go
Copyright:  2024 Fluxon Contributors

Filters allow the caller to intercept events. The filter functions must not modify any data.
*/

package core

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/fluxonapp/core/protocol"
	"github.com/fluxonapp/core/repository"
)

// Filters contains all functions to install the hook. Use nil for unused.
// The functions are called sequentially and block execution; if the filter
// takes a long time it should start a goroutine.
type Filters struct {
	// LogError is called for any error.
	LogError func(function, format string, v ...interface{})

	// PeerDiscovered is called the first time a packet from peer arrives
	// on the relay engine.
	PeerDiscovered func(peer protocol.PeerID)

	// ChatReceived is called for every chat message delivered to
	// Backend.Chat, local or remote.
	ChatReceived func(msg repository.ChatMessage)

	// LocationReceived is called whenever Backend.Location updates its
	// latest-per-peer map.
	LocationReceived func(loc repository.PeerLocation)

	// EmergencyReceived is called for every emergency alert delivered to
	// Backend.Emergency, local or remote.
	EmergencyReceived func(alert repository.EmergencyAlert)
}

func (backend *Backend) initFilters() {
	// Set default filters to blank functions so they can be safely called
	// without constant nil checks. Only if not already set before init.

	if backend.Filters.LogError == nil {
		backend.Filters.LogError = func(function, format string, v ...interface{}) {}
	}
	if backend.Filters.PeerDiscovered == nil {
		backend.Filters.PeerDiscovered = func(peer protocol.PeerID) {}
	}
	if backend.Filters.ChatReceived == nil {
		backend.Filters.ChatReceived = func(msg repository.ChatMessage) {}
	}
	if backend.Filters.LocationReceived == nil {
		backend.Filters.LocationReceived = func(loc repository.PeerLocation) {}
	}
	if backend.Filters.EmergencyReceived == nil {
		backend.Filters.EmergencyReceived = func(alert repository.EmergencyAlert) {}
	}
}

// MultiWriter code that allows to subscribe/unsubscribe.
type multiWriter struct {
	writers map[uuid.UUID]io.Writer
	sync.Mutex
}

// Creates a new writer that duplicates its writes to all the subscribed writers.
// Each write is written to each subscribed writer, one at a time. If any writer returns an error, the entire write operation continues.
func newMultiWriter() *multiWriter {
	return &multiWriter{writers: make(map[uuid.UUID]io.Writer)}
}

// Subscribe a new writer to the list of writers
func (m *multiWriter) Subscribe(writer io.Writer) (id uuid.UUID) {
	m.Lock()
	defer m.Unlock()

	id = uuid.New()
	m.writers[id] = writer

	return id
}

// Unsubscribe a writer from the list of writers
func (m *multiWriter) Unsubscribe(id uuid.UUID) {
	m.Lock()
	defer m.Unlock()

	delete(m.writers, id)
}

// Write a slice of byte to each of the subscribed writers. It will not return any errors.
func (m *multiWriter) Write(p []byte) (n int, err error) {
	m.Lock()
	defer m.Unlock()

	for _, w := range m.writers {
		w.Write(p)
	}
	return len(p), nil
}

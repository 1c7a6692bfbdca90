package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxonapp/core/transport"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, transport.NewMemoryKeystore())
	require.NoError(t, err)
	return s
}

func sampleMessages() []Message {
	return []Message{
		{ID: "1", Type: 0, SenderID: "abc", Text: "hello", Timestamp: 1000, Status: StatusSent},
		{ID: "2", Type: 0, SenderID: "abc", Text: "world", Timestamp: 2000, Status: StatusSent},
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))
	require.NoError(t, s.Flush())

	loaded, err := s.Load("group1")
	require.NoError(t, err)
	require.Equal(t, sampleMessages(), loaded)
}

func TestSaveDebouncesAndOnlyWritesAfterWindowOrFlush(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))

	// Nothing on disk yet -- still debounced.
	_, err := os.ReadFile(s.path("group1"))
	require.Error(t, err)

	require.NoError(t, s.Flush())
	_, err = os.ReadFile(s.path("group1"))
	require.NoError(t, err)
}

func TestSaveForcesImmediateFlushAtThreshold(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < FlushThreshold; i++ {
		require.NoError(t, s.Save("group1", sampleMessages()))
	}
	// The threshold-triggered flush is synchronous within the final Save call.
	_, err := os.ReadFile(s.path("group1"))
	require.NoError(t, err)
}

func TestLoadFlushesOnlyRequestedGroup(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))
	require.NoError(t, s.Save("group2", sampleMessages()))

	_, err := s.Load("group1")
	require.NoError(t, err)

	_, err = os.ReadFile(s.path("group1"))
	require.NoError(t, err, "requested group should be flushed by Load")

	_, err = os.ReadFile(s.path("group2"))
	require.Error(t, err, "other groups should remain debounced")

	s.mu.Lock()
	_, stillPending := s.pending["group2"]
	s.mu.Unlock()
	require.True(t, stillPending)
}

func TestLoadMigratesLegacyPlaintextJSON(t *testing.T) {
	s := newTestStore(t)
	legacy := sampleMessages()
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.path("group1"), raw, 0o600))

	loaded, err := s.Load("group1")
	require.NoError(t, err)
	require.Equal(t, legacy, loaded)

	// The file on disk should now be encrypted, not plaintext JSON.
	onDisk, err := os.ReadFile(s.path("group1"))
	require.NoError(t, err)
	_, ok := s.decryptAndDecode(onDisk)
	require.True(t, ok, "legacy file should have been re-encrypted in place")
}

func TestLoadMigratesLegacyDocumentMissingStatusAndDefaultsToSent(t *testing.T) {
	s := newTestStore(t)
	// Mirrors scenario S6: a pre-status legacy document carrying isLocal
	// but no status/deliveredTo/readBy fields at all.
	raw := []byte(`[{"id":"x","senderId":"aa","text":"legacy","timestamp":1700000000000,"isLocal":false}]`)
	require.NoError(t, os.WriteFile(s.path("group1"), raw, 0o600))

	loaded, err := s.Load("group1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.False(t, loaded[0].IsLocal)
	require.Equal(t, StatusSent, loaded[0].Status)
	require.Empty(t, loaded[0].DeliveredTo)
	require.Empty(t, loaded[0].ReadBy)

	onDisk, err := os.ReadFile(s.path("group1"))
	require.NoError(t, err)
	_, ok := s.decryptAndDecode(onDisk)
	require.True(t, ok, "legacy file should have been re-encrypted in place")
}

func TestDeleteAllRemovesFileAndPending(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))
	require.NoError(t, s.Flush())

	require.NoError(t, s.DeleteAll("group1"))

	_, err := os.ReadFile(s.path("group1"))
	require.Error(t, err)
}

func TestDeleteAllOnMissingFileIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DeleteAll("never-existed"))
}

func TestDeleteMessageRecomputesList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.DeleteMessage("group1", "1", sampleMessages()))
	require.NoError(t, s.Flush())

	loaded, err := s.Load("group1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "2", loaded[0].ID)
}

func TestDisposeFlushesSynchronouslyAndIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))

	require.NoError(t, s.Dispose())
	_, err := os.ReadFile(s.path("group1"))
	require.NoError(t, err)

	// Second dispose must not error or panic.
	require.NoError(t, s.Dispose())
}

func TestSaveAfterDisposeFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Dispose())
	require.Error(t, s.Save("group1", sampleMessages()))
}

func TestEachGroupGetsItsOwnFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))
	require.NoError(t, s.Save("group2", []Message{{ID: "x", Text: "other"}}))
	require.NoError(t, s.Flush())

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)

	var binFiles int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" {
			binFiles++
		}
	}
	require.Equal(t, 2, binFiles)
}

func TestSaveArmsDebounceTimerAndFlushWritesFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("group1", sampleMessages()))

	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	require.NotNil(t, timer)

	require.NoError(t, s.Flush())
	require.Eventually(t, func() bool {
		_, err := os.ReadFile(s.path("group1"))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

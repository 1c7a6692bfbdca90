package group

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeriveGroupKeyIsDeterministic(t *testing.T) {
	salt, _ := GenerateSalt()
	k1 := DeriveGroupKey("passphrase", salt)
	k2 := DeriveGroupKey("passphrase", salt)
	require.Equal(t, k1, k2)
}

func TestDeriveGroupKeyDiffersByPassphraseAndSalt(t *testing.T) {
	salt1, _ := GenerateSalt()
	salt2, _ := GenerateSalt()

	k1 := DeriveGroupKey("alpha", salt1)
	k2 := DeriveGroupKey("bravo", salt1)
	require.NotEqual(t, k1, k2)

	k3 := DeriveGroupKey("alpha", salt2)
	require.NotEqual(t, k1, k3)
}

func TestDeriveGroupKeyAsyncMatchesSync(t *testing.T) {
	salt, _ := GenerateSalt()
	want := DeriveGroupKey("async me", salt)

	select {
	case got := <-DeriveGroupKeyAsync("async me", salt):
		require.Equal(t, want, got)
	case <-time.After(10 * time.Second):
		t.Fatal("async derivation did not complete in time")
	}
}

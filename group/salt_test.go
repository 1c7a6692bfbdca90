package group

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaltJoinCodeRoundTrip(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	code := EncodeSalt(salt)
	require.Len(t, code, 26)

	decoded, err := DecodeSalt(code)
	require.NoError(t, err)
	require.Equal(t, salt, decoded)
}

func TestDecodeSaltAcceptsLowercaseAndWhitespace(t *testing.T) {
	salt, _ := GenerateSalt()
	code := EncodeSalt(salt)

	decoded, err := DecodeSalt("  " + toLower(code) + "  ")
	require.NoError(t, err)
	require.Equal(t, salt, decoded)
}

func TestDecodeSaltRejectsInvalidInput(t *testing.T) {
	_, err := DecodeSalt("not-valid-base32!!")
	require.ErrorIs(t, err, ErrInvalidJoinCode)

	_, err = DecodeSalt("AAAA")
	require.ErrorIs(t, err, ErrInvalidJoinCode)
}

func TestDeriveGroupIDIsDeterministic(t *testing.T) {
	salt, _ := GenerateSalt()
	id1 := DeriveGroupID("shared secret", salt)
	id2 := DeriveGroupID("shared secret", salt)
	require.Equal(t, id1, id2)

	otherSalt, _ := GenerateSalt()
	id3 := DeriveGroupID("shared secret", otherSalt)
	require.NotEqual(t, id1, id3)
}

func TestQRJoinPayloadRoundTrip(t *testing.T) {
	salt, _ := GenerateSalt()
	code := EncodeSalt(salt)

	payload := EncodeQRJoinPayload(code)
	require.Equal(t, "fluxon:"+code, payload)

	got, ok := DecodeQRJoinPayload(payload)
	require.True(t, ok)
	require.Equal(t, code, got)

	_, ok = DecodeQRJoinPayload("not-a-fluxon-payload")
	require.False(t, ok)
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'Z' {
			out[i] = c + ('a' - 'A')
		}
	}
	return string(out)
}

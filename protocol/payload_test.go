package protocol

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChatRoundTrip(t *testing.T) {
	raw := EncodeChat("Alíce 🎈", "hëllo wörld ☀️")
	decoded, ok := DecodeChat(raw)
	require.True(t, ok)
	require.Equal(t, "Alíce 🎈", decoded.SenderName)
	require.Equal(t, "hëllo wörld ☀️", decoded.Message)
}

func TestChatTruncatesSenderNameAndMessage(t *testing.T) {
	longName := strings.Repeat("n", ChatSenderNameMax*2)
	longMessage := strings.Repeat("m", MaxPayloadSize*2)

	raw := EncodeChat(longName, longMessage)
	require.LessOrEqual(t, len(raw), MaxPayloadSize)

	decoded, ok := DecodeChat(raw)
	require.True(t, ok)
	require.LessOrEqual(t, len(decoded.SenderName), ChatSenderNameMax)
}

func TestChatRejectsTruncatedLength(t *testing.T) {
	_, ok := DecodeChat([]byte{0, 5, 'h', 'i'})
	require.False(t, ok)
}

func TestLocationRoundTripAtBoundaries(t *testing.T) {
	cases := []LocationPayload{
		{Lat: 90, Lon: 180, Accuracy: 1, Altitude: 2, Speed: 3, Bearing: 4},
		{Lat: -90, Lon: -180, Accuracy: 0, Altitude: 0, Speed: 0, Bearing: 0},
		{Lat: 37.7749, Lon: -122.4194, Accuracy: 5.5, Altitude: 10, Speed: 1.2, Bearing: 270},
	}
	for _, c := range cases {
		raw := EncodeLocation(c)
		decoded, ok := DecodeLocation(raw)
		require.True(t, ok)
		require.Equal(t, c, decoded)
	}
}

func TestLocationRejectsInvalidCoordinates(t *testing.T) {
	bad := []LocationPayload{
		{Lat: 91, Lon: 0},
		{Lat: 0, Lon: 181},
		{Lat: math.NaN(), Lon: 0},
		{Lat: math.Inf(1), Lon: 0},
		{Lat: 0, Lon: math.Inf(-1)},
	}
	for _, c := range bad {
		raw := EncodeLocation(c)
		_, ok := DecodeLocation(raw)
		require.False(t, ok)
	}
}

func TestLocationRejectsTruncated(t *testing.T) {
	_, ok := DecodeLocation(make([]byte, LocationPayloadSize-1))
	require.False(t, ok)
}

func TestEmergencyRoundTrip(t *testing.T) {
	raw := EncodeEmergency(AlertSOS, 37.7749, -122.4194, "trapped on 3rd floor 🚨")
	decoded, ok := DecodeEmergency(raw)
	require.True(t, ok)
	require.Equal(t, AlertSOS, decoded.AlertType)
	require.Equal(t, 37.7749, decoded.Lat)
	require.Equal(t, -122.4194, decoded.Lon)
	require.Equal(t, "trapped on 3rd floor 🚨", decoded.Message)
}

func TestEmergencyRejectsUnknownAlertType(t *testing.T) {
	raw := EncodeEmergency(AlertSOS, 0, 0, "x")
	raw[0] = 99 // unknown alert type
	_, ok := DecodeEmergency(raw)
	require.False(t, ok)
}

func TestEmergencyRejectsInvalidCoordinates(t *testing.T) {
	raw := EncodeEmergency(AlertDanger, 500, 0, "x")
	_, ok := DecodeEmergency(raw)
	require.False(t, ok)
}

func TestEmergencyTruncatesMessage(t *testing.T) {
	raw := EncodeEmergency(AlertMedical, 1, 1, strings.Repeat("x", MaxPayloadSize*2))
	require.LessOrEqual(t, len(raw), MaxPayloadSize)
	_, ok := DecodeEmergency(raw)
	require.True(t, ok)
}

func TestReceiptRoundTrip(t *testing.T) {
	var sender PeerID
	sender[0] = 0xBB
	r := Receipt{Kind: ReceiptDelivered, OriginalTimestamp: 1_700_000_000_000, OriginalSenderID: sender}

	raw := EncodeReceipt(r)
	require.Len(t, raw, receiptEntrySize)

	decoded, ok := DecodeReceipt(raw)
	require.True(t, ok)
	require.Equal(t, r, decoded)
}

func TestBatchReceiptRoundTrip(t *testing.T) {
	var sender PeerID
	sender[0] = 0xCC
	entries := []Receipt{
		{Kind: ReceiptDelivered, OriginalTimestamp: 1, OriginalSenderID: sender},
		{Kind: ReceiptRead, OriginalTimestamp: 2, OriginalSenderID: sender},
	}

	raw := EncodeBatchReceipt(entries)
	decoded, ok := DecodeAckPayload(raw)
	require.True(t, ok)
	require.Equal(t, entries, decoded)
}

func TestBatchReceiptCapFitsPayload(t *testing.T) {
	require.LessOrEqual(t, 2+MaxBatchReceiptCount*receiptEntrySize, MaxPayloadSize)
}

func TestSingleReceiptDistinguishedFromBatchSentinel(t *testing.T) {
	var sender PeerID
	raw := EncodeReceipt(Receipt{Kind: ReceiptDelivered, OriginalSenderID: sender})
	require.NotEqual(t, byte(receiptBatchSentinel), raw[0])
}

func TestDecodeAckPayloadRejectsTruncated(t *testing.T) {
	_, ok := DecodeAckPayload(nil)
	require.False(t, ok)

	_, ok = DecodeAckPayload([]byte{receiptBatchSentinel, 5, 1, 2, 3})
	require.False(t, ok)
}

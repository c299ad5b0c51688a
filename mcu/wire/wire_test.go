package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m *McuMessage) *McuMessage {
	t.Helper()
	encoded, err := m.MarshalLengthDelimited()
	require.NoError(t, err)
	decoded, consumed, err := UnmarshalLengthDelimited(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	return decoded
}

func TestRoundTripDfuBlock(t *testing.T) {
	m := &McuMessage{
		Version: Version0,
		JetsonToMcu: &JetsonToMcu{
			AckNumber: 41,
			Payload: Payload{DfuBlock: &FirmwareUpdateData{
				BlockNumber: 12,
				BlockCount:  300,
				ImageBlock:  []byte{0xde, 0xad, 0xbe, 0xef},
			}},
		},
	}
	if diff := cmp.Diff(m, roundTrip(t, m)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripSecurityPayloads(t *testing.T) {
	for _, m := range []*McuMessage{
		{JetsonToSec: &JetsonToSec{AckNumber: 1, Payload: Payload{FwImageCheck: &FirmwareImageCheck{CRC32: 0xcafebabe}}}},
		{JetsonToSec: &JetsonToSec{AckNumber: 2, Payload: Payload{FwImageSecondaryActivate: &FirmwareActivateSecondary{ForcePermanent: false}}}},
		{JetsonToSec: &JetsonToSec{AckNumber: 3, Payload: Payload{Reboot: &RebootWithDelay{Delay: 5}}}},
		{JetsonToMcu: &JetsonToMcu{AckNumber: 4, Payload: Payload{FanSpeed: &FanSpeed{Percentage: 35}}}},
	} {
		if diff := cmp.Diff(m, roundTrip(t, m)); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRoundTripAcks(t *testing.T) {
	m := &McuMessage{McuToJetson: &McuToJetson{Ack: &Ack{AckNumber: 17, Error: AckRange}}}
	got := roundTrip(t, m)
	require.NotNil(t, got.McuToJetson)
	require.NotNil(t, got.McuToJetson.Ack)
	assert.EqualValues(t, 17, got.McuToJetson.Ack.AckNumber)
	assert.Equal(t, AckRange, got.McuToJetson.Ack.Error)

	m = &McuMessage{SecToJetson: &SecToJetson{Ack: &Ack{AckNumber: 0, Error: AckSuccess}}}
	got = roundTrip(t, m)
	require.NotNil(t, got.SecToJetson)
	require.NotNil(t, got.SecToJetson.Ack)
	assert.Equal(t, AckSuccess, got.SecToJetson.Ack.Error)
}

func TestUnmarshalTruncated(t *testing.T) {
	m := &McuMessage{McuToJetson: &McuToJetson{Ack: &Ack{AckNumber: 9}}}
	encoded, err := m.MarshalLengthDelimited()
	require.NoError(t, err)

	_, _, err = UnmarshalLengthDelimited(encoded[:len(encoded)-1])
	assert.ErrorContains(t, err, "truncated")
}

func TestMarshalRejectsEmptyEnvelope(t *testing.T) {
	_, err := (&McuMessage{}).MarshalLengthDelimited()
	assert.Error(t, err)
}

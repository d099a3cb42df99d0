package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeReadMessageRoundTrips(t *testing.T) {
	m := Message{Type: FailoverRequest, CommandID: 42, Payload: []byte(`{"kind":1}`)}
	buf := bytes.NewBuffer(Encode(m))

	got, err := ReadMessage(bufio.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	hdr := make([]byte, headerLen)
	hdr[0] = byte(Data)
	hdr[5] = 0xff // absurd length in the high byte of the u32 length field
	hdr[6] = 0xff
	hdr[7] = 0xff
	hdr[8] = 0xff

	_, err := ReadMessage(bufio.NewReader(bytes.NewReader(hdr)))
	require.Error(t, err)
}

func TestWriteMessageThenReadMessage(t *testing.T) {
	var buf bytes.Buffer
	m := Message{Type: Accept, CommandID: 7}
	require.NoError(t, WriteMessage(&buf, m))

	got, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, m.Type, got.Type)
	require.Equal(t, m.CommandID, got.CommandID)
	require.Empty(t, got.Payload)
}

func TestIsReplyClassifiesOnlyCorrelatedReplyTypes(t *testing.T) {
	for _, tc := range []Type{Accept, Reject, Error, Data, CmdReplyInData} {
		require.Truef(t, tc.IsReply(), "%s should be a reply type", tc)
	}
	for _, tc := range []Type{Info, IAmCoordinator, AddNode, RequestInfo, ClusterService} {
		require.Falsef(t, tc.IsReply(), "%s should not be a reply type", tc)
	}
}

func TestIsBeaconClassifiesOnlyPushTypes(t *testing.T) {
	require.True(t, Info.IsBeacon())
	require.True(t, IAmCoordinator.IsBeacon())
	require.False(t, Accept.IsBeacon())
	require.False(t, AddNode.IsBeacon())
}

func TestAuthDigestIsDeterministicAndKeySensitive(t *testing.T) {
	a := AuthDigest("secret", "standby", 9999)
	b := AuthDigest("secret", "standby", 9999)
	require.Equal(t, a, b, "same inputs must hash identically so both sides can verify")

	c := AuthDigest("other-secret", "standby", 9999)
	require.NotEqual(t, a, c)
}

func TestUnknownTypeStringDoesNotPanic(t *testing.T) {
	require.Contains(t, Type(0).String(), "Type(")
}

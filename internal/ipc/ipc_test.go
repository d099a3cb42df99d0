package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, h Handlers, sharedKey uint32, authKey string) (*Server, net.Listener) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ipc.sock")
	s := New(discardLogger(), socketPath, sharedKey, authKey, h)
	ln, err := s.Listen()
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close(); s.Close() })
	return s, ln
}

func sendRequest(t *testing.T, conn net.Conn, reqType RequestType, payload any) Result {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	hdr := make([]byte, 5+len(body))
	hdr[0] = byte(reqType)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(body)))
	copy(hdr[5:], body)
	_, err = conn.Write(hdr)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return readResult(t, conn)
}

func readResult(t *testing.T, conn net.Conn) Result {
	t.Helper()
	br := bufio.NewReader(conn)
	var hdr [5]byte
	_, err := io.ReadFull(br, hdr[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(hdr[1:5])
	body := make([]byte, length)
	if length > 0 {
		_, err = io.ReadFull(br, body)
		require.NoError(t, err)
	}
	var payload any
	if length > 0 {
		_ = json.Unmarshal(body, &payload)
	}
	return Result{Type: ResultType(hdr[0]), Payload: payload}
}

func TestGetNodesListRoutesToHandler(t *testing.T) {
	called := false
	h := Handlers{
		GetNodesList: func() (Result, error) {
			called = true
			return Result{Type: Ok, Payload: []string{"node1"}}, nil
		},
	}
	_, ln := newTestServer(t, h, 0, "")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	res := sendRequest(t, conn, GetNodesList, map[string]string{})
	require.True(t, called)
	require.Equal(t, Ok, res.Type)
}

func TestNodeStatusChangeRequiresSharedKey(t *testing.T) {
	called := false
	h := Handlers{
		NodeStatusChange: func(json.RawMessage) (Result, error) {
			called = true
			return Result{Type: Ok}, nil
		},
	}
	_, ln := newTestServer(t, h, 4242, "")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	res := sendRequest(t, conn, NodeStatusChange, map[string]any{})
	require.Equal(t, Bad, res.Type, "internal-only commands must reject a missing shared key")
	require.False(t, called)

	conn2, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	res = sendRequest(t, conn2, NodeStatusChange, AuthEnvelope{IPCSharedKey: 4242})
	require.Equal(t, Ok, res.Type)
	require.True(t, called)
}

func TestFailoverIndicationRejectsAuthKeyAlone(t *testing.T) {
	h := Handlers{
		FailoverIndication: func(json.RawMessage) (Result, error) { return Result{Type: Ok}, nil },
	}
	_, ln := newTestServer(t, h, 4242, "opkey")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	res := sendRequest(t, conn, FailoverIndication, AuthEnvelope{IPCAuthKey: "opkey"})
	require.Equal(t, Bad, res.Type, "FailoverIndication is internal-only: the operator auth key must not suffice")
}

func TestGetRuntimeVariableAcceptsEitherKey(t *testing.T) {
	h := Handlers{
		GetRuntimeVariable: func(name string) (Result, error) {
			return Result{Type: Ok, Payload: map[string]string{name: "standby"}}, nil
		},
	}
	_, ln := newTestServer(t, h, 4242, "opkey")

	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	res := sendRequest(t, conn, GetRuntimeVariable, AuthEnvelope{IPCAuthKey: "opkey"})
	require.Equal(t, Ok, res.Type)

	conn2, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	res = sendRequest(t, conn2, GetRuntimeVariable, AuthEnvelope{IPCSharedKey: 4242})
	require.Equal(t, Ok, res.Type)
}

func TestNoKeysConfiguredAllowsAnyRequest(t *testing.T) {
	h := Handlers{GetNodesList: func() (Result, error) { return Result{Type: Ok}, nil }}
	_, ln := newTestServer(t, h, 0, "")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	res := sendRequest(t, conn, GetNodesList, map[string]string{})
	require.Equal(t, Ok, res.Type)
}

func TestRegisterForNotificationThenNotifyBroadcasts(t *testing.T) {
	s, ln := newTestServer(t, Handlers{}, 0, "")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	res := sendRequest(t, conn, RegisterForNotification, map[string]string{})
	require.Equal(t, Ok, res.Type)

	s.Notify(map[string]string{"event": "coordinator-changed"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := readResult(t, conn)
	require.Equal(t, Ok, got.Type)
}

func TestUnhandledRequestTypeReturnsBad(t *testing.T) {
	_, ln := newTestServer(t, Handlers{}, 0, "")
	conn, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	res := sendRequest(t, conn, FailoverCommand, map[string]string{})
	require.Equal(t, Bad, res.Type, "a request type with no wired handler must fail cleanly, not panic")
}

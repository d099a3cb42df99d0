// Package ipc implements the local stream-socket protocol (spec §4.7,
// §6.2) through which the middleware process and its CLI tools submit
// commands and subscribe to state-change notifications.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/pgwatchdog/watchdog/internal/wire"
)

// RequestType is the IPC command type byte (spec §4.7 table).
type RequestType byte

const (
	NodeStatusChange       RequestType = 'S'
	RegisterForNotification RequestType = 'R'
	GetNodesList           RequestType = 'L'
	GetRuntimeVariable     RequestType = 'V'
	FailoverCommand        RequestType = 'F'
	OnlineRecoveryCommand  RequestType = 'O'
	FailoverIndication     RequestType = 'I'
	GetMasterData          RequestType = 'M'
)

// ResultType is the IPC result frame type.
type ResultType byte

const (
	Ok                  ResultType = 'K'
	Bad                 ResultType = 'B'
	ClusterInTransition ResultType = 'T'
	TimeoutResult       ResultType = 'W'
)

// Request is a decoded IPC frame.
type Request struct {
	Type    RequestType
	Payload json.RawMessage
}

// AuthEnvelope is embedded (by field name) in every JSON request payload.
type AuthEnvelope struct {
	IPCSharedKey uint32 `json:"IPCSharedKey,omitempty"`
	IPCAuthKey   string `json:"IPCAuthKey,omitempty"`
}

// Result is what gets written back to the requesting socket.
type Result struct {
	Type    ResultType
	Payload any
}

// internalOnly lists request types that may only be issued by a client
// holding the process-internal shared key: these originate from the
// middleware's own main process, never from an external CLI tool.
var internalOnly = map[RequestType]bool{
	NodeStatusChange:   true,
	FailoverIndication: true,
}

// Handlers bundles the callbacks the cluster package wires the server to.
// Keeping this a plain struct of funcs (rather than an interface the ipc
// package would need to import cluster types for) avoids a package cycle
// between ipc and cluster.
type Handlers struct {
	NodeStatusChange      func(payload json.RawMessage) (Result, error)
	GetNodesList          func() (Result, error)
	GetRuntimeVariable    func(name string) (Result, error)
	FailoverCommand       func(payload json.RawMessage) (Result, error)
	OnlineRecoveryCommand func(payload json.RawMessage) (Result, error)
	FailoverIndication    func(payload json.RawMessage) (Result, error)
	GetMasterData         func(payload json.RawMessage) (Result, error)
}

// Server is the IPC listener.
type Server struct {
	logger       *slog.Logger
	socketPath   string
	sharedKey    uint32
	authKey      string
	handlers     Handlers

	mu            sync.Mutex
	notifySockets map[net.Conn]struct{}
}

func New(logger *slog.Logger, socketPath string, sharedKey uint32, authKey string, h Handlers) *Server {
	return &Server{
		logger:        logger.With("component", "ipc"),
		socketPath:    socketPath,
		sharedKey:     sharedKey,
		authKey:       authKey,
		handlers:      h,
		notifySockets: make(map[net.Conn]struct{}),
	}
}

// Listen unlinks any stale socket file (the process-restart-after-crash
// case in spec §6.3) and binds; it returns the listener without serving
// it. Serve accepts and handles connections on it.
func (s *Server) Listen() (net.Listener, error) {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", s.socketPath, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// Close unlinks the socket file on clean exit (spec §6.3).
func (s *Server) Close() {
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		req, err := readRequest(br)
		if err != nil {
			s.removeNotify(conn)
			conn.Close()
			return
		}
		s.dispatch(conn, req)
	}
}

func readRequest(br *bufio.Reader) (Request, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return Request{}, err
	}
	t := RequestType(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > wire.MaxPayload {
		return Request{}, fmt.Errorf("ipc: frame length %d exceeds maximum", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(br, payload); err != nil {
			return Request{}, err
		}
	}
	return Request{Type: t, Payload: payload}, nil
}

func writeResult(w io.Writer, r Result) error {
	var body []byte
	var err error
	if r.Payload != nil {
		body, err = json.Marshal(r.Payload)
		if err != nil {
			return err
		}
	}
	hdr := make([]byte, 5+len(body))
	hdr[0] = byte(r.Type)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(body)))
	copy(hdr[5:], body)
	_, err = w.Write(hdr)
	return err
}

func (s *Server) dispatch(conn net.Conn, req Request) {
	var env AuthEnvelope
	_ = json.Unmarshal(req.Payload, &env)

	if !s.authorized(req.Type, env) {
		_ = writeResult(conn, Result{Type: Bad, Payload: map[string]string{
			"error": "authentication failed: invalid KEY",
		}})
		return
	}

	if req.Type == RegisterForNotification {
		s.addNotify(conn)
		_ = writeResult(conn, Result{Type: Ok})
		return
	}

	result, err := s.route(req)
	if err != nil {
		_ = writeResult(conn, Result{Type: Bad, Payload: map[string]string{"error": err.Error()}})
		return
	}
	_ = writeResult(conn, result)
}

func (s *Server) authorized(t RequestType, env AuthEnvelope) bool {
	validShared := s.sharedKey != 0 && env.IPCSharedKey == s.sharedKey
	if internalOnly[t] {
		return validShared
	}
	if s.authKey == "" && s.sharedKey == 0 {
		return true
	}
	validAuth := s.authKey != "" && env.IPCAuthKey == s.authKey
	return validShared || validAuth
}

func (s *Server) route(req Request) (Result, error) {
	switch req.Type {
	case NodeStatusChange:
		return call(s.handlers.NodeStatusChange, req.Payload)
	case GetNodesList:
		if s.handlers.GetNodesList == nil {
			return Result{}, fmt.Errorf("not implemented")
		}
		return s.handlers.GetNodesList()
	case GetRuntimeVariable:
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Payload, &p)
		if s.handlers.GetRuntimeVariable == nil {
			return Result{}, fmt.Errorf("not implemented")
		}
		return s.handlers.GetRuntimeVariable(p.Name)
	case FailoverCommand:
		return call(s.handlers.FailoverCommand, req.Payload)
	case OnlineRecoveryCommand:
		return call(s.handlers.OnlineRecoveryCommand, req.Payload)
	case FailoverIndication:
		return call(s.handlers.FailoverIndication, req.Payload)
	case GetMasterData:
		return call(s.handlers.GetMasterData, req.Payload)
	default:
		return Result{}, fmt.Errorf("unknown request type %q", byte(req.Type))
	}
}

func call(fn func(json.RawMessage) (Result, error), payload json.RawMessage) (Result, error) {
	if fn == nil {
		return Result{}, fmt.Errorf("not implemented")
	}
	return fn(payload)
}

func (s *Server) addNotify(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifySockets[conn] = struct{}{}
}

func (s *Server) removeNotify(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notifySockets, conn)
}

// Notify pushes a state-change payload to every subscribed socket.
func (s *Server) Notify(payload any) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.notifySockets))
	for c := range s.notifySockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := writeResult(c, Result{Type: Ok, Payload: payload}); err != nil {
			s.removeNotify(c)
		}
	}
}

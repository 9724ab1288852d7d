package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tristochief/niols/internal/contracts"
	"github.com/tristochief/niols/internal/fsm"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Request is the JSON structure for control-surface commands, per spec
// §6: initialize, arm, arm_confirm, emit, stop, reset, status,
// current_measurement, bundle_path.
type Request struct {
	Cmd  string                 `json:"cmd"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Response is the JSON structure for control-surface responses. Only
// the fields relevant to the dispatched command are populated.
type Response struct {
	OK          bool                           `json:"ok"`
	Error       string                         `json:"error,omitempty"`
	SessionID   string                         `json:"session_id,omitempty"`
	State       string                         `json:"state,omitempty"`
	Status      *contracts.SessionStatusEnvelope `json:"status,omitempty"`
	Measurement *contracts.MeasurementEnvelope   `json:"measurement,omitempty"`
	BundlePath  string                         `json:"bundle_path,omitempty"`
}

// Server is the control surface's Unix-domain-socket JSON server,
// directly modeled on the reference agent's internal/operator server:
// a semaphore-bounded accept loop over a 0600 socket.
type Server struct {
	socketPath string
	manager    *Manager
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates a control Server bound to socketPath, dispatching
// every accepted connection's single request to manager.
func NewServer(socketPath string, manager *Manager, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		manager:    manager,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the control socket server. Removes any stale
// socket file before binding, sets 0600 permissions, and blocks until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("control: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("control socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("control: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("control: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("control: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "initialize":
		return s.cmdInitialize()
	case "arm":
		return outcomeResponse(s.manager.Arm())
	case "arm_confirm":
		return outcomeResponse(s.manager.ArmConfirm())
	case "emit":
		return s.cmdEmit(req)
	case "stop":
		return outcomeResponse(s.manager.Stop())
	case "reset":
		return outcomeResponse(s.manager.Reset())
	case "status":
		status := s.manager.Status()
		return Response{OK: true, Status: &status}
	case "current_measurement":
		return s.cmdCurrentMeasurement()
	case "bundle_path":
		return s.cmdBundlePath(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdInitialize() Response {
	id, outcome, err := s.manager.Initialize()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	resp := outcomeResponse(outcome, err)
	resp.SessionID = id.String()
	return resp
}

func (s *Server) cmdEmit(req Request) Response {
	pulses, _ := req.Args["pulses"].(float64)
	gaps, _ := req.Args["gaps"].(float64)
	pulseMS, _ := req.Args["pulse_ms"].(float64)
	gapMS, _ := req.Args["gap_ms"].(float64)

	pattern := contracts.PatternRequest{
		Pulses:  int(pulses),
		Gaps:    int(gaps),
		PulseMS: pulseMS,
		GapMS:   gapMS,
	}
	return outcomeResponse(s.manager.Emit(pattern))
}

func (s *Server) cmdCurrentMeasurement() Response {
	meas, err := s.manager.CurrentMeasurement()
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Measurement: &meas}
}

func (s *Server) cmdBundlePath(req Request) Response {
	sessionID, _ := req.Args["session_id"].(string)
	if sessionID == "" {
		return Response{OK: false, Error: "session_id required for bundle_path"}
	}
	path, err := s.manager.BundlePath(sessionID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, BundlePath: path}
}

// outcomeResponse translates an fsm.Outcome/error pair into a Response.
// A transport-level error (no active session, trace write failure) maps
// to OK:false with only Error set. A rejected or faulted transition also
// maps to OK:false, with State carrying the state the rejection left the
// session in, so a caller can tell "unchanged" from "now FAULT".
func outcomeResponse(outcome fsm.Outcome, err error) Response {
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	switch {
	case outcome.Advanced:
		return Response{OK: true, State: outcome.ToState.String()}
	case outcome.Rejected != nil:
		return Response{OK: false, Error: outcome.Rejected.Error(), State: outcome.FromState.String()}
	case outcome.Faulted != nil:
		return Response{OK: false, Error: outcome.Faulted.Error(), State: outcome.ToState.String()}
	default:
		return Response{OK: false, Error: "control: empty outcome"}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("control: marshal response failed", zap.Error(err))
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Warn("control: write response failed", zap.Error(err))
	}
}

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/matfraga/pigeon/internal/control"
	"github.com/matfraga/pigeon/internal/session"
	"go.uber.org/zap"
)

// requestTimeout bounds a single control command, including any endpoint
// probing it may trigger.
const requestTimeout = 60 * time.Second

// Server accepts control connections on the session's unix socket.
type Server struct {
	listener   net.Listener
	socketPath string
	svc        *Service
	logger     *zap.Logger

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewServer binds the control socket. A stale socket file from a crashed
// daemon is removed first; a live daemon is excluded by the session lock.
func NewServer(p Params, svc *Service, logger *zap.Logger) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		listener:   listener,
		socketPath: socketPath,
		svc:        svc,
		logger:     logger,
	}, nil
}

// Start accepts connections until Stop. Blocks.
func (s *Server) Start() error {
	s.logger.Info("control server listening", zap.String("socket", s.socketPath))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener, waits for in-flight commands and removes the
// socket file.
func (s *Server) Stop(context.Context) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	_ = s.listener.Close()
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	s.logger.Info("control server stopped")
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req control.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(control.ErrResponse(fmt.Errorf("malformed request: %w", err)))
			return
		}
		_ = enc.Encode(s.dispatch(&req))
		_ = conn.SetDeadline(time.Now().Add(requestTimeout))
	}
}

func (s *Server) dispatch(req *control.Request) *control.Response {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.logger.Debug("control command", zap.String("command", req.Command))

	switch req.Command {
	case control.CmdStatus:
		info, err := s.svc.Status(ctx)
		if err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(info)

	case control.CmdLogin:
		var args control.LoginArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return control.ErrResponse(err)
		}
		if err := s.svc.Login(ctx, args.Token); err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(nil)

	case control.CmdRetry:
		if err := s.svc.Retry(ctx); err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(nil)

	case control.CmdRoster:
		convs, err := s.svc.Roster(ctx)
		if err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(convs)

	case control.CmdSend:
		var args control.SendArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return control.ErrResponse(err)
		}
		msg, err := s.svc.Send(ctx, args.ConversationID, args.Content)
		if err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(msg)

	case control.CmdLog:
		var args control.ConversationArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return control.ErrResponse(err)
		}
		msgs, err := s.svc.Log(ctx, args.ConversationID)
		if err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(msgs)

	case control.CmdOpen:
		var args control.ConversationArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return control.ErrResponse(err)
		}
		if err := s.svc.Open(ctx, args.ConversationID); err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(nil)

	case control.CmdLogout:
		if err := s.svc.Logout(ctx); err != nil {
			return control.ErrResponse(err)
		}
		return control.OKResponse(nil)

	default:
		return control.ErrResponse(fmt.Errorf("unknown command %q", req.Command))
	}
}

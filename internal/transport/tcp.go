// Package transport implements the line-delimited TCP command/response
// boundary the ground segment talks to.
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saint0x/satbus-go/internal/obc/agent"
	"github.com/saint0x/satbus-go/internal/obc/protocol"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Server accepts line-delimited JSON command connections and forwards each
// command to the agent. Parse and submission errors are answered with a
// NACK on the same connection; the responses the agent produces when it
// executes commands go out through BroadcastResponses to every connected
// client.
type Server struct {
	addr    string
	agent   *agent.Agent
	handler *protocol.Handler
	logger  *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
}

// NewServer constructs a TCP command server bound to addr.
func NewServer(addr string, a *agent.Agent, handler *protocol.Handler, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		addr:    addr,
		agent:   a,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Run listens and serves connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.WithField("addr", s.addr).Info("command transport listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			default:
				s.logger.WithError(err).Error("accept error")
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 8192)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		cmd, err := s.handler.ParseCommand(line)
		if err != nil {
			resp := s.handler.CreateNackResponse(0, err.Error())
			s.writeResponse(conn, resp)
			continue
		}

		now := uint64(time.Now().UnixMilli())
		if err := s.agent.SubmitCommand(cmd, now); err != nil {
			resp := s.handler.CreateNackResponse(cmd.ID, err.Error())
			s.writeResponse(conn, resp)
			continue
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp protocol.CommandResponse) {
	data, err := s.handler.SerializeResponse(resp)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.Write(append(data, '\n'))
}

// BroadcastResponses writes each response to every currently connected
// client, used after a Tick to deliver out-of-band responses (e.g. a
// scheduled command executing on a later tick than it was submitted).
func (s *Server) BroadcastResponses(responses []protocol.CommandResponse) {
	if len(responses) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, resp := range responses {
		data, err := s.handler.SerializeResponse(resp)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		for conn := range s.conns {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.Write(data)
		}
	}
}

// Shutdown closes the listener and all active connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Server is a Modbus TCP server. All sessions share one register store.
type Server struct {
	dispatcher *Dispatcher
	opts       *serverOptions
	metrics    *ServerMetrics

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closed   int32
	nextID   uint64
	wg       sync.WaitGroup
}

// session is the state of one accepted connection.
type session struct {
	id     uint64
	conn   net.Conn
	remote string
	buf    []byte // received bytes not yet decoded
}

// NewServer creates a new Modbus TCP server serving store.
func NewServer(store *Store, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	metrics := options.metrics
	if metrics == nil {
		metrics = NewServerMetrics()
	}

	return &Server{
		dispatcher: NewDispatcher(store, options.logger),
		opts:       options,
		metrics:    metrics,
		sessions:   make(map[*session]struct{}),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve accepts connections on listener until the server is closed. It
// returns nil after Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	var retryDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			retryDelay = nextAcceptDelay(retryDelay)
			s.metrics.AcceptErrors.Add(1)
			s.opts.logger.Error("accept error",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", retryDelay))
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0

		sess := &session{
			id:     atomic.AddUint64(&s.nextID, 1),
			conn:   conn,
			remote: conn.RemoteAddr().String(),
		}

		s.mu.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if s.opts.maxConns > 0 && len(s.sessions) >= s.opts.maxConns {
			s.mu.Unlock()
			s.metrics.RejectedSessions.Add(1)
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", sess.remote))
			conn.Close()
			continue
		}
		s.sessions[sess] = struct{}{}
		s.metrics.ActiveSessions.Add(1)
		s.metrics.TotalSessions.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if s.opts.keepAlive > 0 {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(s.opts.keepAlive)
			}
			tcpConn.SetNoDelay(true)
		}

		go s.handleSession(sess)
	}
}

// Close stops accepting connections, closes every session and waits for
// their goroutines to return.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveSessions returns the number of open sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleSession(sess *session) {
	logger := s.opts.logger.With(
		slog.Uint64("session", sess.id),
		slog.String("remote", sess.remote))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in session",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		sess.conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.metrics.ActiveSessions.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
		logger.Debug("session closed")
	}()

	logger.Debug("session opened")

	chunk := make([]byte, s.opts.readBufferSize)
	for {
		if err := s.drain(sess, logger); err != nil {
			return
		}

		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}
		if s.opts.readTimeout > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		n, err := sess.conn.Read(chunk)
		if n > 0 {
			sess.buf = append(sess.buf, chunk[:n]...)
			s.metrics.BytesIn.Add(int64(n))
		}
		if err != nil {
			s.logReadError(logger, err)
			return
		}
	}
}

// drain serves every complete frame in the session buffer, in order, and
// keeps any trailing partial frame for the next read.
func (s *Server) drain(sess *session, logger *slog.Logger) error {
	off := 0
	defer func() {
		sess.buf = append(sess.buf[:0], sess.buf[off:]...)
	}()

	for {
		frame, n, err := DecodeFrame(sess.buf[off:])
		if errors.Is(err, ErrIncompleteFrame) {
			return nil
		}
		if err != nil {
			s.metrics.FrameErrors.Add(1)
			s.logFrame(logger, "invalid frame received", sess.buf[off:])
			logger.Warn("invalid frame, closing session", slog.String("error", err.Error()))
			return err
		}
		s.logFrame(logger, "frame received", sess.buf[off:off+n])
		off += n

		if err := s.serveFrame(sess, frame, logger); err != nil {
			return err
		}
	}
}

func (s *Server) serveFrame(sess *session, frame *Frame, logger *slog.Logger) error {
	fc := frame.PDU.FunctionCode
	logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(frame.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(frame.Header.UnitID)),
		slog.String("func", fc.String()))

	start := time.Now()
	resp := frame.Reply(s.dispatcher.Dispatch(frame.PDU))
	out := resp.Encode()
	s.metrics.observe(fc, resp.PDU, time.Since(start))

	if s.opts.writeTimeout > 0 {
		sess.conn.SetWriteDeadline(time.Now().Add(s.opts.writeTimeout))
	}
	if _, err := sess.conn.Write(out); err != nil {
		s.metrics.WriteErrors.Add(1)
		logger.Debug("write error", slog.String("error", err.Error()))
		return err
	}

	s.metrics.Responses.Add(1)
	s.metrics.BytesOut.Add(int64(len(out)))
	return nil
}

// logFrame dumps raw bytes at debug level when frame logging is enabled.
func (s *Server) logFrame(logger *slog.Logger, msg string, raw []byte) {
	if s.opts.logFrames && logger.Enabled(context.Background(), slog.LevelDebug) {
		logger.Debug(msg, slog.String("frame", hex.EncodeToString(raw)))
	}
}

// nextAcceptDelay doubles the wait after each failed Accept, from 5ms up to 1s.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	if d *= 2; d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}

func (s *Server) logReadError(logger *slog.Logger, err error) {
	if err == io.EOF || atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		logger.Debug("session idle timeout")
		return
	}
	logger.Debug("read error", slog.String("error", err.Error()))
}

// Package streamer serves the current artifact to devices over raw TCP. Each
// connection receives one complete generation and is then closed.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/owlimatronic/internal/artifact"
	"github.com/loqalabs/owlimatronic/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Stream is one generation of audio being sent to a device.
type Stream interface {
	io.ReadCloser
	Generation() uint64
	Size() int64
}

// Source opens a snapshot of the current artifact.
type Source func() (Stream, error)

// StoreSource serves snapshots of store.
func StoreSource(store *artifact.Store) Source {
	return func() (Stream, error) {
		r, err := store.OpenReadStream()
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

type State string

const (
	StateStreaming State = "streaming"
	StateClosed    State = "closed"
)

// DeviceConnection describes one connected device.
type DeviceConnection struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Generation  uint64    `json:"generation"`
	Sent        int64     `json:"sent"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
}

type deviceConn struct {
	net.Conn
	info DeviceConnection
}

type Server struct {
	cfg          config.StreamerConfig
	source       Source
	logger       *slog.Logger
	writeTimeout time.Duration
	chunk        int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*deviceConn

	connections metric.Int64UpDownCounter
	bytesSent   metric.Int64Counter
}

func NewServer(parent context.Context, cfg config.StreamerConfig, source Source, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	chunk := cfg.ChunkBytes
	if chunk <= 0 {
		chunk = 4096
	}
	s := &Server{
		cfg:          cfg,
		source:       source,
		logger:       log.With(slog.String("component", "streamer")),
		writeTimeout: time.Duration(cfg.WriteTimeout) * time.Millisecond,
		chunk:        chunk,
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[string]*deviceConn),
	}
	meter := otel.Meter("github.com/loqalabs/owlimatronic/streamer")
	var err error
	if s.connections, err = meter.Int64UpDownCounter("owl.stream.connections", metric.WithDescription("Devices currently streaming")); err != nil {
		s.logger.Warn("failed to create counter", slogError(err))
	}
	if s.bytesSent, err = meter.Int64Counter("owl.stream.bytes", metric.WithUnit("By"), metric.WithDescription("PCM bytes written to devices")); err != nil {
		s.logger.Warn("failed to create counter", slogError(err))
	}
	return s
}

// Start binds the listener and begins accepting devices.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.Info("streaming server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when configured with port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns a snapshot of live devices ordered by connect time.
func (s *Server) Connections() []DeviceConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeviceConnection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Close stops accepting, drops live connections and waits for their
// goroutines to finish.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", slogError(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	stream, err := s.source()
	if err != nil {
		if errors.Is(err, artifact.ErrNotReady) {
			logger.Info("device connected before any audio was committed")
		} else {
			logger.Error("open artifact failed", slogError(err))
		}
		return
	}
	defer stream.Close()

	dc := &deviceConn{
		Conn: conn,
		info: DeviceConnection{
			ID:          uuid.NewString(),
			RemoteAddr:  conn.RemoteAddr().String(),
			Generation:  stream.Generation(),
			State:       StateStreaming,
			ConnectedAt: time.Now(),
		},
	}
	if !s.track(dc) {
		return
	}
	defer s.untrack(dc)

	logger = logger.With(slog.String("device_id", dc.info.ID), slog.Uint64("generation", dc.info.Generation))
	logger.Info("device streaming", slog.Int64("bytes", stream.Size()))

	sent, err := s.copy(dc, stream)
	switch {
	case err == nil:
		logger.Info("stream complete", slog.Int64("sent", sent))
	case s.ctx.Err() != nil:
		logger.Info("stream aborted by shutdown", slog.Int64("sent", sent))
	default:
		logger.Warn("device disconnected", slog.Int64("sent", sent), slogError(err))
	}
}

func (s *Server) copy(dc *deviceConn, r io.Reader) (int64, error) {
	buf := make([]byte, s.chunk)
	var total int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if s.writeTimeout > 0 {
				if err := dc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					return total, err
				}
			}
			written, err := dc.Write(buf[:n])
			total += int64(written)
			s.progress(dc, int64(written))
			if err != nil {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read artifact: %w", readErr)
		}
	}
}

func (s *Server) track(dc *deviceConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[dc.info.ID] = dc
	if s.connections != nil {
		s.connections.Add(s.ctx, 1)
	}
	return true
}

func (s *Server) untrack(dc *deviceConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc.info.State = StateClosed
	delete(s.conns, dc.info.ID)
	if s.connections != nil {
		s.connections.Add(context.Background(), -1)
	}
}

func (s *Server) progress(dc *deviceConn, n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	dc.info.Sent += n
	s.mu.Unlock()
	if s.bytesSent != nil {
		s.bytesSent.Add(context.Background(), n)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

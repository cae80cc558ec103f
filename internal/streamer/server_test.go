package streamer

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/owlimatronic/internal/artifact"
	"github.com/loqalabs/owlimatronic/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, source Source, writeTimeout time.Duration) *Server {
	t.Helper()
	cfg := config.StreamerConfig{
		Enabled:      true,
		Bind:         "127.0.0.1",
		Port:         0,
		WriteTimeout: int(writeTimeout / time.Millisecond),
		ChunkBytes:   4096,
	}
	srv := NewServer(context.Background(), cfg, source, newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func openStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.Open(filepath.Join(t.TempDir(), "stream.pcm"), newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAll(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestNotReadyClosesImmediately(t *testing.T) {
	srv := startServer(t, StoreSource(openStore(t)), time.Second)
	conn := dial(t, srv)
	if data := readAll(t, conn); len(data) != 0 {
		t.Fatalf("expected no bytes, got %d", len(data))
	}
}

func TestStreamsWholeArtifactThenCloses(t *testing.T) {
	store := openStore(t)
	payload := bytes.Repeat([]byte{0x01, 0x02}, 50000)
	if _, err := store.Commit(bytes.NewReader(payload)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	srv := startServer(t, StoreSource(store), time.Second)

	conn := dial(t, srv)
	if got := readAll(t, conn); !bytes.Equal(got, payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
	waitFor(t, func() bool { return len(srv.Connections()) == 0 })
}

func TestDevicesKeepGenerationAcrossCommit(t *testing.T) {
	store := openStore(t)
	var gen3 []byte
	for g := byte(1); g <= 3; g++ {
		gen3 = bytes.Repeat([]byte{g}, 8<<20)
		if _, err := store.Commit(bytes.NewReader(gen3)); err != nil {
			t.Fatalf("commit %d: %v", g, err)
		}
	}
	if store.Generation() != 3 {
		t.Fatalf("expected generation 3, got %d", store.Generation())
	}
	srv := startServer(t, StoreSource(store), 5*time.Second)

	devices := []net.Conn{dial(t, srv), dial(t, srv)}
	first := make([]byte, 1)
	for _, d := range devices {
		if err := d.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadFull(d, first); err != nil {
			t.Fatalf("read first byte: %v", err)
		}
	}

	if _, err := store.Commit(bytes.NewReader(bytes.Repeat([]byte{4}, 1<<20))); err != nil {
		t.Fatalf("commit generation 4: %v", err)
	}
	if store.Generation() != 4 {
		t.Fatalf("expected generation 4, got %d", store.Generation())
	}

	for i, d := range devices {
		rest := readAll(t, d)
		got := append(append([]byte(nil), first...), rest...)
		if !bytes.Equal(got, gen3) {
			t.Fatalf("device %d: expected full generation 3 (%d bytes), got %d bytes", i, len(gen3), len(got))
		}
	}

	// A device connecting now sees the new generation.
	late := dial(t, srv)
	if got := readAll(t, late); len(got) != 1<<20 || got[0] != 4 {
		t.Fatalf("expected generation 4 for late device, got %d bytes", len(got))
	}
}

// endless never runs out of audio.
type endless struct{ closed chan struct{} }

func (e *endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x7f
	}
	return len(p), nil
}

func (e *endless) Close() error {
	close(e.closed)
	return nil
}

func (e *endless) Generation() uint64 { return 9 }
func (e *endless) Size() int64        { return -1 }

func TestStalledDeviceIsDropped(t *testing.T) {
	stream := &endless{closed: make(chan struct{})}
	srv := startServer(t, func() (Stream, error) { return stream, nil }, 300*time.Millisecond)

	dial(t, srv)
	waitFor(t, func() bool {
		conns := srv.Connections()
		return len(conns) == 1 && conns[0].Generation == 9 && conns[0].State == StateStreaming
	})

	select {
	case <-stream.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("stalled device was not dropped after write timeout")
	}
	waitFor(t, func() bool { return len(srv.Connections()) == 0 })
}

func TestClientDisconnectReleasesStream(t *testing.T) {
	stream := &endless{closed: make(chan struct{})}
	srv := startServer(t, func() (Stream, error) { return stream, nil }, 5*time.Second)

	conn := dial(t, srv)
	buf := make([]byte, 1024)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	conn.Close()

	select {
	case <-stream.closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("stream not released after client disconnect")
	}
}

func TestCloseDropsLiveDevices(t *testing.T) {
	stream := &endless{closed: make(chan struct{})}
	cfg := config.StreamerConfig{Bind: "127.0.0.1", Port: 0, WriteTimeout: 5000, ChunkBytes: 1024}
	srv := NewServer(context.Background(), cfg, func() (Stream, error) { return stream, nil }, newLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return len(srv.Connections()) == 1 })

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("close did not return")
	}
	if len(srv.Connections()) != 0 {
		t.Fatalf("expected no live devices after close")
	}
}

package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/loqalabs/owlimatronic/internal/broker"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func mqttConfig(url string) config.BusConfig {
	cfg := config.Default().Bus
	cfg.URL = url
	cfg.ConnectTimeout = 3000
	cfg.RetryDelay = 200
	return cfg
}

func TestErrorTaxonomy(t *testing.T) {
	for _, err := range []error{ErrNotConnected, &TransientError{Topic: "t", Err: io.EOF}, &AuthError{Reason: "bad"}} {
		if !errors.Is(err, ErrPublish) {
			t.Fatalf("expected %v to match ErrPublish", err)
		}
	}
	if !errors.Is(&TransientError{Err: io.EOF}, io.EOF) {
		t.Fatalf("expected TransientError to unwrap")
	}
}

func TestMQTTPublishReachesSubscriber(t *testing.T) {
	srv, err := broker.StartMQTT(freeAddr(t), broker.Credentials{}, newLogger())
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer srv.Close()

	got := make(chan string, 1)
	if err := srv.Observe("owlimatronic/#", func(topic, payload string) {
		got <- topic + " " + payload
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	client, err := ConnectMQTT(context.Background(), mqttConfig(srv.URL()), newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatalf("expected healthy client after connect")
	}

	if err := client.Publish(context.Background(), "owlimatronic/event", "stream"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "owlimatronic/event stream" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscriber did not receive notification")
	}
}

func TestMQTTRejectedCredentials(t *testing.T) {
	srv, err := broker.StartMQTT(freeAddr(t), broker.Credentials{Username: "owl", Password: "hoot"}, newLogger())
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer srv.Close()

	cfg := mqttConfig(srv.URL())
	cfg.Username = "owl"
	cfg.Password = "wrong"
	_, err = ConnectMQTT(context.Background(), cfg, newLogger())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestMQTTAcceptedCredentials(t *testing.T) {
	srv, err := broker.StartMQTT(freeAddr(t), broker.Credentials{Username: "owl", Password: "hoot"}, newLogger())
	if err != nil {
		t.Fatalf("start broker: %v", err)
	}
	defer srv.Close()

	cfg := mqttConfig(srv.URL())
	cfg.Username = "owl"
	cfg.Password = "hoot"
	client, err := ConnectMQTT(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Publish(context.Background(), "owlimatronic/event", "hello"); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestMQTTPublishWhileDisconnected(t *testing.T) {
	cfg := mqttConfig("mqtt://" + freeAddr(t))
	cfg.ConnectTimeout = 200
	client, err := ConnectMQTT(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("expected unreachable broker to be tolerated, got %v", err)
	}
	defer client.Close()

	start := time.Now()
	err = client.Publish(context.Background(), "owlimatronic/event", "yap")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("publish blocked while disconnected")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("owlimatronic/event"); got != "owlimatronic.event" {
		t.Fatalf("unexpected subject %q", got)
	}
}

func TestNATSPublishReachesSubscriber(t *testing.T) {
	srv, err := broker.StartNATS("127.0.0.1", -1, broker.Credentials{}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	sub, err := nats.Connect(srv.URL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("owlimatronic.event", msgs); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	cfg := config.Default().Bus
	cfg.Mode = "nats"
	cfg.URL = srv.URL()
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	if err := client.Publish(context.Background(), "owlimatronic/event", "panic"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-msgs:
		if string(msg.Data) != "panic" {
			t.Fatalf("unexpected payload %q", msg.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscriber did not receive notification")
	}
}

func TestNATSRejectedCredentials(t *testing.T) {
	srv, err := broker.StartNATS("127.0.0.1", -1, broker.Credentials{Username: "owl", Password: "hoot"}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	cfg := config.Default().Bus
	cfg.URL = srv.URL()
	cfg.Username = "owl"
	cfg.Password = "wrong"
	_, err = ConnectNATS(context.Background(), cfg, newLogger())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestNATSPublishAfterClose(t *testing.T) {
	srv, err := broker.StartNATS("127.0.0.1", -1, broker.Credentials{}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()

	cfg := config.Default().Bus
	cfg.URL = srv.URL()
	client, err := ConnectNATS(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	client.Close()
	if err := client.Publish(context.Background(), "owlimatronic/event", "yap"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectRejectsUnknownMode(t *testing.T) {
	cfg := config.Default().Bus
	cfg.Mode = "amqp"
	if _, err := Connect(context.Background(), cfg, newLogger()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

// Package broker runs an optional in-process message broker so a single host
// can serve both the daemon and the device without external infrastructure.
package broker

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	mochimqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Credentials restrict which clients may connect. Empty Username allows
// anonymous clients.
type Credentials struct {
	Username string
	Password string
}

// MQTTServer wraps an embedded MQTT broker.
type MQTTServer struct {
	srv  *mochimqtt.Server
	addr string
	log  *slog.Logger
	subs atomic.Int32
}

// StartMQTT listens on addr (host:port) and serves until Close.
func StartMQTT(addr string, creds Credentials, log *slog.Logger) (*MQTTServer, error) {
	logger := log.With(slog.String("component", "mqtt-broker"))
	srv := mochimqtt.New(&mochimqtt.Options{
		InlineClient: true,
		Logger:       logger,
	})

	if creds.Username == "" {
		if err := srv.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("add allow hook: %w", err)
		}
	} else {
		ledger := &auth.Ledger{
			Auth: auth.AuthRules{
				{Username: auth.RString(creds.Username), Password: auth.RString(creds.Password), Allow: true},
			},
		}
		if err := srv.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
			return nil, fmt.Errorf("add auth hook: %w", err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "owl-tcp", Address: addr})
	if err := srv.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(); err != nil {
		srv.Close()
		return nil, fmt.Errorf("start embedded MQTT broker: %w", err)
	}

	logger.Info("embedded MQTT broker started", slog.String("addr", addr), slog.Bool("auth", creds.Username != ""))
	return &MQTTServer{srv: srv, addr: addr, log: logger}, nil
}

// Addr returns the listen address.
func (s *MQTTServer) Addr() string {
	return s.addr
}

// URL returns a client URL for the listener.
func (s *MQTTServer) URL() string {
	return "mqtt://" + s.addr
}

// Clients reports the number of connected clients.
func (s *MQTTServer) Clients() int64 {
	if s == nil {
		return 0
	}
	return atomic.LoadInt64(&s.srv.Info.ClientsConnected)
}

// Observe registers an in-process subscriber on filter.
func (s *MQTTServer) Observe(filter string, fn func(topic, payload string)) error {
	id := int(s.subs.Add(1))
	return s.srv.Subscribe(filter, id, func(_ *mochimqtt.Client, _ packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, string(pk.Payload))
	})
}

func (s *MQTTServer) Close() {
	if s == nil {
		return
	}
	s.log.Info("shutting down embedded MQTT broker")
	if err := s.srv.Close(); err != nil {
		s.log.Warn("broker close failed", slog.String("error", err.Error()))
	}
}

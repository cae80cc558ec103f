package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// NATSServer wraps an embedded NATS server.
type NATSServer struct {
	ns  *server.Server
	log *slog.Logger
}

// StartNATS starts a NATS server on host:port. Port -1 picks a free port.
func StartNATS(host string, port int, creds Credentials, log *slog.Logger) (*NATSServer, error) {
	opts := &server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}
	if creds.Username != "" {
		opts.Username = creds.Username
		opts.Password = creds.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	logger := log.With(slog.String("component", "nats-broker"))
	logger.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))

	return &NATSServer{
		ns:  ns,
		log: logger,
	}, nil
}

// URL returns a client URL for the server.
func (e *NATSServer) URL() string {
	return e.ns.ClientURL()
}

// Clients reports the number of connected clients.
func (e *NATSServer) Clients() int64 {
	if e == nil || e.ns == nil {
		return 0
	}
	return int64(e.ns.NumClients())
}

// Shutdown gracefully shuts down the embedded NATS server.
func (e *NATSServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}

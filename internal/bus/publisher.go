package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/owlimatronic/internal/config"
)

// Publisher sends plaintext notifications to the device topic namespace.
type Publisher interface {
	// Publish delivers payload on topic. It never blocks waiting for a
	// reconnect; a down connection yields ErrNotConnected.
	Publish(ctx context.Context, topic, payload string) error
	Healthy() bool
	// Fatal delivers at most one unrecoverable error, such as rejected
	// credentials.
	Fatal() <-chan error
	Close()
}

// Connect dials the backend selected by cfg.Mode.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (Publisher, error) {
	switch cfg.Mode {
	case "mqtt", "":
		return ConnectMQTT(ctx, cfg, log)
	case "nats":
		return ConnectNATS(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported bus mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/nats-io/nats.go"
)

// NATSClient publishes notifications as NATS messages. MQTT-style topics are
// mapped to subjects by replacing '/' with '.'.
type NATSClient struct {
	conn      *nats.Conn
	flush     bool
	timeout   time.Duration
	log       *slog.Logger
	fatal     chan error
	fatalOnce sync.Once
}

func ConnectNATS(_ context.Context, cfg config.BusConfig, log *slog.Logger) (*NATSClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("no NATS server configured")
	}
	c := &NATSClient{
		flush:   cfg.QoS > 0,
		timeout: time.Duration(cfg.ConnectTimeout) * time.Millisecond,
		log:     log.With(slog.String("component", "bus")),
		fatal:   make(chan error, 1),
	}

	name := cfg.ClientID
	if name == "" {
		name = "owlimatronic"
	}
	retryDelay := time.Duration(cfg.RetryDelay) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 3 * time.Second
	}
	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(retryDelay),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.log.Warn("NATS connection lost", slogError(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("reconnected to NATS", slog.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if isNATSAuthError(err) {
				c.raise(&AuthError{Reason: "authorization violation", Err: err})
				return
			}
			c.log.Warn("NATS async error", slogError(err))
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		if isNATSAuthError(err) {
			return nil, &AuthError{Reason: "authorization violation", Err: err}
		}
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn
	c.log.Info("connected to NATS", slog.String("url", conn.ConnectedUrlRedacted()))
	return c, nil
}

// Subject converts a slash separated topic into a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func (c *NATSClient) Publish(_ context.Context, topic, payload string) error {
	if !c.Healthy() {
		return ErrNotConnected
	}
	subject := Subject(topic)
	if err := c.conn.Publish(subject, []byte(payload)); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionReconnecting) {
			return ErrNotConnected
		}
		return &TransientError{Topic: topic, Err: err}
	}
	// With QoS above zero, wait for the server to acknowledge the buffer.
	if c.flush {
		if err := c.conn.FlushTimeout(c.timeout); err != nil {
			return &TransientError{Topic: topic, Err: err}
		}
	}
	c.log.Debug("published", slog.String("subject", subject), slog.String("payload", payload))
	return nil
}

func (c *NATSClient) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *NATSClient) Fatal() <-chan error {
	return c.fatal
}

func (c *NATSClient) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *NATSClient) raise(err error) {
	c.fatalOnce.Do(func() {
		c.fatal <- err
	})
}

func isNATSAuthError(err error) bool {
	if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "authorization violation")
}

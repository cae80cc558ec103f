package bus

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/loqalabs/owlimatronic/internal/config"
)

// MQTTClient publishes over an auto-reconnecting MQTT v5 session.
type MQTTClient struct {
	cm        *autopaho.ConnectionManager
	qos       byte
	timeout   time.Duration
	log       *slog.Logger
	cancel    context.CancelFunc
	connected atomic.Bool
	up        chan struct{}
	upOnce    sync.Once
	fatal     chan error
	fatalOnce sync.Once
	closeOnce sync.Once
}

// ConnectMQTT starts the session and waits up to the connect timeout for the
// first CONNACK. A broker that is simply unreachable is not an error: the
// client keeps retrying in the background and Publish reports
// ErrNotConnected until it succeeds. Rejected credentials are returned as
// *AuthError.
func ConnectMQTT(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*MQTTClient, error) {
	serverURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}
	clientID := cfg.ClientID
	if clientID == "" {
		if clientID, err = randomClientID(); err != nil {
			return nil, err
		}
	}
	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	retryDelay := time.Duration(cfg.RetryDelay) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = 3 * time.Second
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 20
	}

	c := &MQTTClient{
		qos:     byte(cfg.QoS),
		timeout: timeout,
		log:     log.With(slog.String("component", "bus"), slog.String("client_id", clientID)),
		up:      make(chan struct{}),
		fatal:   make(chan error, 1),
	}

	username, password := cfg.Username, cfg.Password
	clientCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		ConnectRetryDelay:             retryDelay,
		ConnectTimeout:                timeout,
		ConnectPacketBuilder: func(pc *paho.Connect, _ *url.URL) (*paho.Connect, error) {
			if username == "" {
				return pc, nil
			}
			pc.UsernameFlag = true
			pc.Username = username
			if password != "" {
				pc.PasswordFlag = true
				pc.Password = []byte(password)
			}
			return pc, nil
		},
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.upOnce.Do(func() { close(c.up) })
			c.log.Info("connected to MQTT broker", slog.String("url", redactURL(serverURL)))
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			if authErr, ok := mqttAuthFailure(err); ok {
				c.log.Error("MQTT broker rejected credentials", slogError(err))
				c.raise(authErr)
				return
			}
			c.log.Warn("MQTT connect attempt failed", slogError(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.log.Warn("MQTT connection lost", slogError(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.log.Warn("MQTT broker closed the session", slog.Int("reason_code", int(d.ReasonCode)))
			},
		},
	}
	if cfg.TLSInsecure {
		clientCfg.TlsCfg = &tls.Config{InsecureSkipVerify: true}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	cm, err := autopaho.NewConnection(runCtx, clientCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start mqtt connection: %w", err)
	}
	c.cm = cm

	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()
	select {
	case <-c.up:
	case err := <-c.fatal:
		c.Close()
		return nil, err
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			c.Close()
			return nil, ctx.Err()
		}
		c.log.Warn("MQTT broker not reachable yet, continuing to retry", slog.String("url", redactURL(serverURL)))
	}
	return c, nil
}

func (c *MQTTClient) Publish(ctx context.Context, topic, payload string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     c.qos,
		Payload: []byte(payload),
	})
	if err != nil {
		if !c.connected.Load() {
			return ErrNotConnected
		}
		return &TransientError{Topic: topic, Err: err}
	}
	c.log.Debug("published", slog.String("topic", topic), slog.String("payload", payload))
	return nil
}

func (c *MQTTClient) Healthy() bool {
	return c != nil && c.connected.Load()
}

func (c *MQTTClient) Fatal() <-chan error {
	return c.fatal
}

func (c *MQTTClient) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.log.Info("closing MQTT connection")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if c.connected.Load() {
			_ = c.cm.Disconnect(ctx)
		}
		c.connected.Store(false)
		c.cancel()
		select {
		case <-c.cm.Done():
		case <-ctx.Done():
		}
	})
}

func (c *MQTTClient) raise(err error) {
	c.fatalOnce.Do(func() {
		c.fatal <- err
	})
}

// mqttAuthFailure recognises CONNACK rejections for bad credentials in both
// MQTT v5 (0x86, 0x87) and v3.1.1 (0x04, 0x05) reason codes.
func mqttAuthFailure(err error) (*AuthError, bool) {
	var connackErr *autopaho.ConnackError
	if errors.As(err, &connackErr) {
		switch connackErr.ReasonCode {
		case 0x86, 0x87, 0x04, 0x05:
			return &AuthError{Reason: fmt.Sprintf("connack reason code 0x%02x", connackErr.ReasonCode), Err: err}, true
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "bad user name or password") || strings.Contains(msg, "not authorized") {
		return &AuthError{Reason: "not authorized", Err: err}, true
	}
	return nil, false
}

func randomClientID() (string, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "owl_ui_" + hex.EncodeToString(b[:]), nil
}

func redactURL(u *url.URL) string {
	return u.Redacted()
}

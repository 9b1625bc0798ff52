// Package bus wraps the NATS connection used for verification events.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/protocol"
)

// Client wraps a NATS connection with the publish helpers the gateway
// needs. A nil *Client is a valid no-op publisher, so call sites never
// branch on whether events are enabled.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.EventsConfig, log *slog.Logger) (*Client, error) {
	servers := cfg.Servers
	if cfg.Embedded {
		servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)}
	}
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("voicegate"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{conn: conn, log: log}, nil
}

// PublishVerification emits one verification event. Failures are
// logged, never surfaced: eventing must not fail the request.
func (c *Client) PublishVerification(evt protocol.VerificationEvent) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("failed to encode verification event", slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(protocol.SubjectVerificationCompleted, data); err != nil {
		c.log.Warn("failed to publish verification event", slog.String("error", err.Error()))
	}
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

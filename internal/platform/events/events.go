// Package events publishes processing outcomes so downstream systems can
// react to archived and quarantined messages without polling the store.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Result values carried by Outcome.
const (
	ResultArchived = "archived"
	ResultErrored  = "errored"
)

// Outcome is the terminal result of processing one queued message.
type Outcome struct {
	EntryID      uuid.UUID `json:"entry_id"`
	QueueID      uuid.UUID `json:"queue_id"`
	Result       string    `json:"result"`
	State        string    `json:"state,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	MessageType  string    `json:"message_type,omitempty"`
	TriggerEvent string    `json:"trigger_event,omitempty"`
	ControlID    string    `json:"control_id,omitempty"`
	SourceName   string    `json:"source_name,omitempty"`
	At           time.Time `json:"at"`
}

// Subject returns the subject o is published on: <prefix>.<result>.
func (o Outcome) Subject(prefix string) string {
	return strings.TrimSuffix(prefix, ".") + "." + o.Result
}

// Publisher delivers outcomes. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
	Close() error
}

// NoopPublisher discards every outcome.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Outcome) error { return nil }
func (NoopPublisher) Close() error                            { return nil }

// Fanout publishes every outcome to each publisher in order. A failing
// publisher does not stop the rest; their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, o Outcome) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string
	// Subject prefix; outcomes go to <Subject>.archived and <Subject>.errored.
	Subject       string
	Name          string
	Timeout       time.Duration
	ReconnectWait time.Duration
}

// NATSPublisher publishes outcomes as JSON on a NATS connection.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to cfg.URL.
func NewNATSPublisher(cfg NATSConfig, logger zerolog.Logger) (*NATSPublisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = "hl7.inbound"
	}
	if cfg.Name == "" {
		cfg.Name = "hl7-inbound"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	log := logger.With().Str("component", "nats-publisher").Logger()
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSPublisher{conn: conn, subject: cfg.Subject}, nil
}

// Publish sends o to <prefix>.<result>.
func (p *NATSPublisher) Publish(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	msg := &nats.Msg{
		Subject: o.Subject(p.subject),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Nats-Msg-Id", o.EntryID.String())
	msg.Header.Set("Hl7-Message-Type", o.MessageType+"^"+o.TriggerEvent)
	return p.conn.PublishMsg(msg)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}

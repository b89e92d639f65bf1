// Package events publishes instance lifecycle transitions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/edvin/vmcache/internal/model"
)

// SubjectPrefix is prepended to the event kind to form the NATS subject,
// e.g. vmcache.instance.starting.
const SubjectPrefix = "vmcache.instance."

// Event kinds.
const (
	KindCreated      = "created"
	KindStarting     = "starting"
	KindStopping     = "stopping"
	KindTerminated   = "terminated"
	KindRolledBack   = "rolled_back"
	KindSettled      = "settled"
	KindPassword     = "password_reset"
	KindImageCreated = "image_created"
	KindCommandSent  = "command_sent"
)

type Event struct {
	Kind   string               `json:"kind"`
	IDs    []string             `json:"ids"`
	Status model.InstanceStatus `json:"status,omitempty"`
	Region string               `json:"region,omitempty"`
	Error  string               `json:"error,omitempty"`
	At     time.Time            `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

type NATSPublisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSPublisher(url, name string, logger zerolog.Logger) (*NATSPublisher, error) {
	logger = logger.With().Str("component", "events").Logger()
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(SubjectPrefix+ev.Kind, payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn().Err(err).Msg("drain nats connection")
		}
		p.nc.Close()
	}
}

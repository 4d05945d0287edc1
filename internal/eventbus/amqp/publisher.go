// Package amqp forwards bus events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

type Config struct {
	URL      string
	Exchange string
	// RoutingKey prefixes the event type, e.g. "outreach." + "dispatch.sent".
	RoutingKey   string
	DialAttempts int
	DialDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "outreach.events"
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = 5
	}
	if c.DialDelay <= 0 {
		c.DialDelay = time.Second
	}
	return c
}

const maxDialDelay = time.Minute

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type Publisher struct {
	cfg  Config
	log  logx.Logger
	conn *amqp091.Connection

	mu sync.Mutex
	ch channel
}

// Dial connects with exponential backoff and declares the topic exchange.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp: url is empty")
	}
	log = log.Component("amqp")

	conn, err := dialWithRetry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Publisher{cfg: cfg, log: log, conn: conn, ch: ch}, nil
}

func newPublisher(cfg Config, ch channel, log logx.Logger) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), log: log, ch: ch}
}

func dialWithRetry(ctx context.Context, cfg Config, log logx.Logger) (*amqp091.Connection, error) {
	var lastErr error
	delay := cfg.DialDelay
	for i := 1; i <= cfg.DialAttempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				log.Info("amqp connected", logx.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		log.Warn("amqp dial failed", logx.Int("attempt", i), logx.Duration("sleep", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxDialDelay {
			delay = maxDialDelay
		}
	}
	return nil, fmt.Errorf("amqp: connect after %d attempts: %w", cfg.DialAttempts, lastErr)
}

// RoutingKey returns the key an event is published under.
func (p *Publisher) RoutingKey(e eventbus.Event) string {
	if p.cfg.RoutingKey == "" {
		return e.Type
	}
	return strings.TrimSuffix(p.cfg.RoutingKey, ".") + "." + e.Type
}

func (p *Publisher) Publish(ctx context.Context, e eventbus.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("amqp: encode %s: %w", e.Type, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.RoutingKey(e), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    e.ID,
		Type:         e.Type,
		Timestamp:    e.Time,
		Body:         body,
	})
}

// Forward publishes every bus event until ctx is done. Publish failures are
// logged and the event is dropped.
func (p *Publisher) Forward(ctx context.Context, bus eventbus.Bus, buffer int) error {
	events, unsub := bus.Subscribe(buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := p.Publish(pctx, e)
			cancel()
			if err != nil {
				p.log.Warn("event publish failed", logx.String("type", e.Type), logx.String("id", e.ID), logx.Err(err))
			}
		}
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

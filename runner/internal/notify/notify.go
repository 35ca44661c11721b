package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/edgestack/edgestack/pkg/types"
	"github.com/edgestack/edgestack/runner/internal/config"
	"github.com/edgestack/edgestack/runner/internal/retry"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	sendTimeout    = 10 * time.Second
	exchangeKind   = "topic"
)

// Event is the JSON body of one published message.
type Event struct {
	RunID     string    `json:"run_id"`
	EntityID  string    `json:"entity_id"`
	Year      int       `json:"year"`
	State     string    `json:"state"`
	Handle    string    `json:"handle,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// RoutingKey is "job.{state}" with the state in lower case.
func RoutingKey(state string) string {
	return "job." + strings.ToLower(state)
}

// session is one open connection and channel.
type session interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a session and declares exchange. Injectable for tests.
type dialFunc func(url, exchange string) (session, error)

// Publisher buffers job events and publishes them to the exchange.
type Publisher struct {
	url      string
	exchange string
	buf      chan Event
	dialFn   dialFunc
	now      func() time.Time
	backoff  *retry.Backoff
}

// New returns a Publisher for cfg. The broker URL is read from the
// environment variable named by cfg.URLEnv.
func New(cfg config.EventsConfig) *Publisher {
	return &Publisher{
		url:      cfg.URL(),
		exchange: cfg.Exchange,
		buf:      make(chan Event, cfg.BufferSize),
		dialFn:   defaultDial,
		now:      time.Now,
		backoff:  retry.NewBackoff(backoffInitial, backoffMax),
	}
}

// Enabled reports whether a broker URL is configured.
func (p *Publisher) Enabled() bool { return p.url != "" }

// JobChanged enqueues s. If the buffer is full the oldest event is evicted.
// It satisfies the orchestrator's Observer interface.
func (p *Publisher) JobChanged(s types.JobSummary) {
	ev := Event{
		RunID:     s.RunID,
		EntityID:  s.Item.EntityID,
		Year:      s.Item.Year,
		State:     string(s.State),
		Handle:    s.Handle,
		ErrorKind: s.ErrorKind,
		Error:     s.Error,
		Time:      p.now().UTC(),
	}
	for {
		select {
		case p.buf <- ev:
			return
		default:
		}
		select {
		case old := <-p.buf:
			slog.Warn("notify: buffer full, evicted oldest event",
				"entity_id", old.EntityID, "year", old.Year, "state", old.State, "buffer_cap", cap(p.buf))
		default:
		}
	}
}

// Run drains the buffer to the broker until ctx is cancelled, reconnecting
// with exponential backoff when the connection is lost. Events still
// buffered at cancellation are flushed once on the live session.
func (p *Publisher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		sess, err := p.dialFn(p.url, p.exchange)
		if err != nil {
			wait := p.backoff.Next()
			slog.Error("notify: dial failed, will retry",
				"exchange", p.exchange, "err", err, "retry_in", wait)
			if retry.Sleep(ctx, wait) != nil {
				return
			}
			continue
		}

		slog.Info("notify: connected", "exchange", p.exchange)
		p.backoff.Reset()

		err = p.drain(ctx, sess)
		sess.Close()
		if ctx.Err() != nil {
			return
		}

		wait := p.backoff.Next()
		slog.Warn("notify: connection lost, will reconnect",
			"exchange", p.exchange, "err", err, "retry_in", wait)
		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

func (p *Publisher) drain(ctx context.Context, sess session) error {
	for {
		select {
		case <-ctx.Done():
			p.flush(sess)
			return nil
		case ev := <-p.buf:
			if err := p.publish(ctx, sess, ev); err != nil {
				// Put the event back if there is room.
				select {
				case p.buf <- ev:
				default:
				}
				return err
			}
		}
	}
}

// flush publishes whatever is buffered without waiting for more.
func (p *Publisher) flush(sess session) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	for {
		select {
		case ev := <-p.buf:
			if err := p.publish(ctx, sess, ev); err != nil {
				slog.Warn("notify: flush failed, dropping remaining events",
					"remaining", len(p.buf)+1, "err", err)
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, sess session, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	err = sess.Publish(sendCtx, p.exchange, RoutingKey(ev.State), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Time,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	slog.Debug("notify: event published", "entity_id", ev.EntityID, "year", ev.Year, "state", ev.State)
	return nil
}

type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func defaultDial(url, exchange string) (session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &amqpSession{conn: conn, ch: ch}, nil
}

func (s *amqpSession) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return s.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
}

func (s *amqpSession) Close() error {
	s.ch.Close()
	return s.conn.Close()
}

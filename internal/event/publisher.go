package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "exam.events"

var ErrPublisherClosed = errors.New("event publisher closed")

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// session is one broker connection and its publishing channel. lost fires
// when the broker or the network closes either of them.
type session struct {
	conn    io.Closer
	channel amqpChannel
	lost    []chan *amqp.Error
}

func (s *session) broken() bool {
	for _, ch := range s.lost {
		select {
		case <-ch:
			return true
		default:
		}
	}
	return false
}

func (s *session) close() {
	if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		log.Printf("event: close channel: %v", err)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Printf("event: close rabbitmq connection: %v", err)
		}
	}
}

// AMQPPublisher publishes JSON events to a durable topic exchange. The
// routing key is the event name, for example "submission.finalized". A lost
// connection is redialed on the next publish.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     func() (*session, error)
	sess     *session
	exchange string
	now      func() time.Time
	closed   bool
}

func NewAMQPPublisher(uri, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := newPublisher(exchange, func() (*session, error) { return dialSession(uri, exchange) })
	sess, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.sess = sess

	log.Printf("event: publishing to exchange %s", exchange)
	return p, nil
}

func newPublisher(exchange string, dial func() (*session, error)) *AMQPPublisher {
	return &AMQPPublisher{dial: dial, exchange: exchange, now: time.Now}
}

func dialSession(uri, exchange string) (*session, error) {
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &session{
		conn:    conn,
		channel: ch,
		lost: []chan *amqp.Error{
			conn.NotifyClose(make(chan *amqp.Error, 1)),
			ch.NotifyClose(make(chan *amqp.Error, 1)),
		},
	}, nil
}

// Publish sends one event. When the current session is gone, or the publish
// fails on it, the publisher redials once and retries.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	msg, err := buildPublishing(routingKey, payload, p.now())
	if err != nil {
		return err
	}

	// amqp channels are not safe for concurrent publishes
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	sess, err := p.sessionLocked()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	err = sess.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	log.Printf("event: publish %s failed, reconnecting: %v", routingKey, err)
	p.resetLocked()
	sess, rerr := p.sessionLocked()
	if rerr != nil {
		return fmt.Errorf("publish %s: %w", routingKey, errors.Join(err, rerr))
	}
	if err := sess.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *AMQPPublisher) sessionLocked() (*session, error) {
	if p.sess != nil && !p.sess.broken() {
		return p.sess, nil
	}
	if p.sess != nil {
		log.Printf("event: rabbitmq connection lost, reconnecting")
		p.resetLocked()
	}
	sess, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.sess = sess
	return sess, nil
}

func (p *AMQPPublisher) resetLocked() {
	if p.sess == nil {
		return
	}
	p.sess.close()
	p.sess = nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetLocked()
	return nil
}

func buildPublishing(routingKey string, payload any, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode %s event: %w", routingKey, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now.UTC(),
		Type:         routingKey,
		AppId:        "cbtscore",
		Body:         body,
	}, nil
}

// Nop drops every event. It stands in when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }

func (Nop) Close() error { return nil }

// Package events publishes settlement records to a RabbitMQ topic exchange
// for downstream consumers such as ledgers and analytics.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"memetrade/internal/trade"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "memetrade.trades"
	exchangeType    = "topic"
	dialAttempts    = 5
)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements trade.AuditPublisher. Records are routed by their
// event name, so consumers bind to trade.settled or trade.cancelled.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	now      func() time.Time
}

// SetupConn dials the broker with a short retry and declares the exchange.
func SetupConn(url, exchange string, logger *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var conn *amqp.Connection
	var err error
	for i := 0; i < dialAttempts; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq dial failed", "attempt", i+1, "err", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

func Dial(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, ch, err := SetupConn(url, exchange, logger)
	if err != nil {
		return nil, err
	}
	p := newPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, now: time.Now}
}

func (p *Publisher) PublishSettlement(ctx context.Context, rec trade.SettlementRecord) error {
	if rec.Event == "" {
		return fmt.Errorf("settlement record for session %s has no event", rec.SessionID)
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not marshal settlement: %w", err)
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		rec.Event,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    rec.Event + ":" + rec.SessionID,
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
}

func (p *Publisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher emits booking lifecycle events (booking.claimed,
// booking.confirmed, booking.cancelled, booking.released) to a topic
// exchange. Downstream consumers (calendar sync, SMS confirmation) are
// external collaborators: publish failures are logged and never invalidate
// the reservation they describe. Safe for concurrent use; the request
// handlers and the reaper publish on the same instance.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	url      string
}

// NewPublisher connects to RabbitMQ and declares the exchange.
func NewPublisher(rabbitMQURL, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(rabbitMQURL)
	if err != nil {
		log.Printf("Failed to connect to RabbitMQ: %v", err)
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("Failed to open channel: %v", err)
		conn.Close()
		return nil, err
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		log.Printf("Failed to declare exchange: %v", err)
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		url:      rabbitMQURL,
	}, nil
}

// ensureConnection redials and rebuilds the channel after a broker drop.
// Callers must hold p.mu.
func (p *Publisher) ensureConnection() error {
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			log.Printf("Failed to reconnect to RabbitMQ: %v", err)
			return err
		}
		p.conn = conn

		p.channel, err = conn.Channel()
		if err != nil {
			log.Printf("Failed to open channel on reconnect: %v", err)
			conn.Close()
			return err
		}

		err = p.channel.ExchangeDeclare(
			p.exchange,
			"topic",
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			log.Printf("Failed to re-declare exchange: %v", err)
			p.channel.Close()
			p.conn.Close()
			return err
		}
	}
	return nil
}

// Publish sends a JSON message under the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Failed to marshal message: %v", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnection(); err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

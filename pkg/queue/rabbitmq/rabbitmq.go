package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Kingdread/Eltrur/pkg/models"
	"github.com/Kingdread/Eltrur/pkg/queue"

	amqp "github.com/rabbitmq/amqp091-go" // RabbitMQ client
)

const (
	// DefaultExchange is used when no exchange name is configured.
	DefaultExchange = "eltrur.jobs"
	// Topic exchange so consumers can bind to job.* or only job.failed
	exchangeType = "topic"
	// Content type for messages
	contentTypeJSON = "application/json"
	// Upper bound for a single publish
	publishTimeout = 5 * time.Second

	routingKeyPassed = "job.passed"
	routingKeyFailed = "job.failed"
)

// Ensure Publisher implements queue.Publisher interface at compile time
var _ queue.Publisher = (*Publisher)(nil)

// Publisher implements the queue.Publisher interface using RabbitMQ.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
	// Publishing channel, reopened lazily after a channel level error
	ch *amqp.Channel
	mu sync.Mutex
}

// NewPublisher connects to RabbitMQ and declares the exchange events go to.
func NewPublisher(url, exchange string, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	logger = logger.With(slog.String("component", "rabbitmq"), slog.String("exchange", exchange))

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established")

	// Setup close handler to log unexpected connection closures
	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go func() {
		amqpErr := <-closeChan
		if amqpErr != nil {
			logger.Error("RabbitMQ connection closed unexpectedly", slog.String("error", amqpErr.Error()))
		} else {
			logger.Info("RabbitMQ connection closed normally")
		}
	}()

	p := &Publisher{conn: conn, exchange: exchange, logger: logger}
	if err := p.declareExchange(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// declareExchange ensures the exchange exists. Uses a temporary channel.
func (p *Publisher) declareExchange() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open temporary channel for exchange declare: %w", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		p.exchange,   // name
		exchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", p.exchange, err)
	}
	p.logger.Info("Declared exchange")
	return nil
}

// channel returns the publishing channel, opening a new one if the previous
// channel was closed by the broker. Caller holds p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	p.ch = ch
	return ch, nil
}

// PublishJobStored publishes the event as a persistent JSON message.
func (p *Publisher) PublishJobStored(ctx context.Context, event models.JobStoredEvent) error {
	msg, key, err := buildMessage(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channel()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event for job '%s/%s': %w", event.Build, event.Job, err)
	}

	p.logger.Debug("Published job event",
		slog.String("routing_key", key),
		slog.String("build", event.Build),
		slog.String("job", event.Job),
		slog.String("upload_id", event.UploadID),
	)
	return nil
}

// buildMessage renders the AMQP message and its routing key.
func buildMessage(event models.JobStoredEvent) (amqp.Publishing, string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("failed to marshal job event to JSON: %w", err)
	}
	key := routingKeyPassed
	if !event.AllPassed {
		key = routingKeyFailed
	}
	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.UploadedAt,
		MessageId:    event.UploadID,
		Type:         "job.stored",
		Headers: amqp.Table{
			"build": event.Build,
			"job":   event.Job,
		},
		Body: body,
	}, key, nil
}

// Close closes the RabbitMQ connection.
func (p *Publisher) Close() error {
	p.logger.Info("Closing RabbitMQ connection")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ connection", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

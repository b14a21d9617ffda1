package broker

import (
	"context"
	"encoding/json"
	"time"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Publisher = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const notificationExchange string = "notifications"

// AMQPBroker routes notification events via RabbitMQ
type AMQPBroker struct {
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a notification broker over RabbitMQ
func NewAMQPBroker(logger *zap.Logger, amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		logger:     logger,
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for notifications")
	}
	return broker, nil
}

func (a *AMQPBroker) setupExchange() error {
	return a.channel.ExchangeDeclare(
		notificationExchange, // name
		"topic",              // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// Publish broadcasts an event to a room. Callers treat publish failures
// as best-effort and never let them affect the primary operation.
func (a *AMQPBroker) Publish(room, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event payload")
	}
	body, err := json.Marshal(Event{
		Room:    room,
		Event:   event,
		Payload: raw,
		SentAt:  time.Now(),
	})
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode event")
	}
	if err := a.channel.Publish(
		notificationExchange,
		room,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish event")
	}
	return nil
}

// Receive consumes events whose room matches the given topic pattern
// (e.g. "member.*", "#")
func (a *AMQPBroker) Receive(ctx context.Context, pattern string) (<-chan Event, error) {
	queue, err := a.channel.QueueDeclare(
		"notifications_"+pattern,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		queue.Name,
		pattern,
		notificationExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		queue.Name,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	eChan := make(chan Event)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var ev Event
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					a.logger.Error("Dropping undecodable notification event",
						zap.Error(err),
					)
					d.Nack(false, false)
					continue
				}
				eChan <- ev
				d.Ack(false)
			}
		}
	}()
	return eChan, nil
}

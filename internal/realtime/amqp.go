package realtime

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// AMQPSource consumes change payloads from a RabbitMQ fanout exchange.
type AMQPSource struct {
	URL      string
	Exchange string
	Prefetch int
	log      logrus.FieldLogger
}

func NewAMQPSource(url, exchange string, prefetch int, log logrus.FieldLogger) (*AMQPSource, error) {
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if exchange == "" {
		exchange = "row_changes"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AMQPSource{
		URL:      url,
		Exchange: exchange,
		Prefetch: prefetch,
		log:      log.WithFields(logrus.Fields{"transport": "amqp", "exchange": exchange}),
	}, nil
}

// Run consumes until ctx is done, reconnecting on connection loss.
func (s *AMQPSource) Run(ctx context.Context, out chan<- Event) error {
	return retry(ctx, s.log, func(ctx context.Context) (bool, error) {
		return s.session(ctx, out)
	})
}

func (s *AMQPSource) session(ctx context.Context, out chan<- Event) (bool, error) {
	conn, err := amqp.Dial(s.URL)
	if err != nil {
		return false, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return false, fmt.Errorf("declare exchange %s: %w", s.Exchange, err)
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return false, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", s.Exchange, false, nil); err != nil {
		return false, fmt.Errorf("bind queue %s to %s: %w", queue.Name, s.Exchange, err)
	}
	prefetch := s.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("start consume: %w", err)
	}
	s.log.WithField("queue", queue.Name).Info("rabbitmq consumer started")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			ev, err := decodeDelivery(delivery.Body)
			if err != nil {
				s.log.WithError(err).Warn("rejecting malformed change")
				_ = delivery.Reject(false)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				_ = delivery.Nack(false, true)
				return true, ctx.Err()
			}
			if err := delivery.Ack(false); err != nil {
				s.log.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

func decodeDelivery(body []byte) (Event, error) {
	ev, err := DecodeChange(body)
	if err != nil {
		return Event{}, err
	}
	// Deletes under the default replica identity carry only the primary
	// key; the syncer finds the owner among its cached rows.
	if ev.UserID == "" && !(ev.Type == Delete && ev.Old != nil) {
		return Event{}, errors.New("change carries no user_id")
	}
	return ev, nil
}

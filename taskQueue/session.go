// Package taskqueue consumes conversion jobs from the AMQP work queue and
// settles every delivery exactly once.
package taskqueue

import (
	"fmt"
	"strconv"

	"videoworker/config"
	"videoworker/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Session is one AMQP connection with the channel the worker consumes from.
type Session struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	settings config.QueueSettings
}

// URI builds the broker address from the queue settings.
func URI(s config.QueueSettings) string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     s.Host,
		Port:     s.Port,
		Username: s.User,
		Password: s.Password,
		Vhost:    s.VHost,
	}.String()
}

// Dial connects, declares the work and dead-letter queues and limits
// unacknowledged deliveries to prefetch.
func Dial(s config.QueueSettings, prefetch int) (*Session, error) {
	conn, err := amqp.Dial(URI(s))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker %s:%d: %w", s.Host, s.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	sess := &Session{conn: conn, ch: ch, settings: s}
	if err := sess.declare(prefetch); err != nil {
		sess.Close()
		return nil, err
	}

	logger.Infof("Connected to broker %s:%d vhost %q, queue %q (prefetch %d)",
		s.Host, s.Port, s.VHost, s.Name, prefetch)
	return sess, nil
}

func (s *Session) declare(prefetch int) error {
	// durable, not auto-deleted, not exclusive
	if _, err := s.ch.QueueDeclare(s.settings.Name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", s.settings.Name, err)
	}
	if s.settings.DeadLetterQueue != "" {
		if _, err := s.ch.QueueDeclare(s.settings.DeadLetterQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %s: %w", s.settings.DeadLetterQueue, err)
		}
	}
	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch %d: %w", prefetch, err)
	}
	return nil
}

// Consume subscribes to the work queue with manual acknowledgement.
func (s *Session) Consume(tag string) (<-chan amqp.Delivery, error) {
	deliveries, err := s.ch.Consume(s.settings.Name, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", s.settings.Name, err)
	}
	return deliveries, nil
}

// Publisher returns the channel for dead-letter publishing.
func (s *Session) Publisher() Publisher {
	return s.ch
}

// QueueDepth returns the number of ready messages in the work queue.
func (s *Session) QueueDepth() (int, error) {
	q, err := s.ch.QueueDeclarePassive(s.settings.Name, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Close closes the channel and connection.
func (s *Session) Close() error {
	var chErr error
	if s.ch != nil {
		chErr = s.ch.Close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			return err
		}
	}
	return chErr
}

// ConsumerTag names this worker's subscription.
func ConsumerTag(hostname string, pid int) string {
	return "videoworker-" + hostname + "-" + strconv.Itoa(pid)
}

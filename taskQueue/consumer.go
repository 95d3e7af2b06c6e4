package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"videoworker/logger"
	"videoworker/utils"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Serve when the broker closes the
// delivery channel.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDropped means the message gave up but no dead-letter queue is set.
	OutcomeDropped Outcome = "dropped"
)

var errNoDeadLetter = errors.New("no dead-letter queue configured")

// Message is the handler's view of one delivery.
type Message struct {
	// Key identifies the message across redeliveries: the AMQP message id, or
	// a fingerprint of the body when the producer sets none.
	Key         string
	MessageID   string
	Body        []byte
	Redelivered bool
	// Attempt is 1 on the first try.
	Attempt int
}

// Handler processes one message. A nil error acknowledges it.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the part of *amqp.Channel used for dead-lettering.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message is dead-lettered
// on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options configures a Consumer.
type Options struct {
	// Slots is the number of deliveries handled concurrently.
	Slots int
	// MaxAttempts dead-letters a message after this many failures. Zero
	// requeues forever.
	MaxAttempts     int
	Queue           string
	DeadLetterQueue string
	DeadLetter      Publisher
	// Attempts persists failure counts. Nil disables the bound.
	Attempts AttemptCounter
	// OnSettled is called once per delivery after it is settled.
	OnSettled func(msg Message, outcome Outcome, elapsed time.Duration)
}

// Consumer drives a Handler over AMQP deliveries.
type Consumer struct {
	handler Handler
	opts    Options

	// serializes Ack/Nack/Publish on the shared channel
	mu sync.Mutex
}

func NewConsumer(handler Handler, opts Options) *Consumer {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	return &Consumer{handler: handler, opts: opts}
}

// Serve runs Slots workers over deliveries until ctx is cancelled or the
// channel closes. Each worker finishes a delivery before taking the next.
func (c *Consumer) Serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var (
		wg     sync.WaitGroup
		closed atomic.Bool
	)

	for i := 0; i < c.opts.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						closed.Store(true)
						return
					}
					if ctx.Err() != nil {
						c.nack(d)
						return
					}
					c.handle(ctx, slot, d)
				}
			}
		}(i)
	}
	wg.Wait()

	if closed.Load() && ctx.Err() == nil {
		return ErrDeliveriesClosed
	}
	return ctx.Err()
}

// MessageKey returns the identity used for attempt counting.
func MessageKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	return utils.Fingerprint(d.Body)
}

func (c *Consumer) handle(ctx context.Context, slot int, d amqp.Delivery) {
	key := MessageKey(d)
	previous := 0
	if c.opts.Attempts != nil {
		n, err := c.opts.Attempts.Get(key)
		if err != nil {
			logger.Warnf("Failed to read attempts for %s: %v", key, err)
		}
		previous = n
	}

	msg := Message{
		Key:         key,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Redelivered: d.Redelivered,
		Attempt:     previous + 1,
	}
	log := logger.WithFields(logger.Fields{"slot": slot, "message": key, "attempt": msg.Attempt})
	log.Info("Received message")

	start := time.Now()
	err := c.invoke(ctx, msg)
	outcome := c.settle(ctx, d, msg, err)
	elapsed := time.Since(start)

	if err != nil {
		log.Warnf("Message %s after %s: %v", outcome, elapsed.Round(time.Millisecond), err)
	} else {
		log.Infof("Message %s after %s", outcome, elapsed.Round(time.Millisecond))
	}
	if c.opts.OnSettled != nil {
		c.opts.OnSettled(msg, outcome, elapsed)
	}
}

// invoke calls the handler once, turning a panic into an error.
func (c *Consumer) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Handler panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

func (c *Consumer) settle(ctx context.Context, d amqp.Delivery, msg Message, handlerErr error) Outcome {
	if handlerErr == nil {
		c.ack(d)
		c.clear(msg.Key)
		return OutcomeAcked
	}

	// shutting down: give the message back without charging an attempt
	if ctx.Err() != nil {
		c.nack(d)
		return OutcomeRequeued
	}

	attempts := msg.Attempt
	if c.opts.Attempts != nil {
		n, err := c.opts.Attempts.Increment(msg.Key)
		if err != nil {
			logger.Warnf("Failed to record attempt for %s: %v", msg.Key, err)
		} else {
			attempts = n
		}
	}

	exhausted := c.opts.Attempts != nil && c.opts.MaxAttempts > 0 && attempts >= c.opts.MaxAttempts
	if !IsPermanent(handlerErr) && !exhausted {
		c.nack(d)
		return OutcomeRequeued
	}

	err := c.deadLetter(d, handlerErr, attempts)
	if errors.Is(err, errNoDeadLetter) {
		logger.Errorf("Dropping message %s after %d attempts: %v", msg.Key, attempts, handlerErr)
		c.ack(d)
		c.clear(msg.Key)
		return OutcomeDropped
	}
	if err != nil {
		logger.Errorf("Failed to dead-letter message %s, requeueing: %v", msg.Key, err)
		c.nack(d)
		return OutcomeRequeued
	}
	c.ack(d)
	c.clear(msg.Key)
	return OutcomeDeadLettered
}

func (c *Consumer) deadLetter(d amqp.Delivery, reason error, attempts int) error {
	if c.opts.DeadLetter == nil || c.opts.DeadLetterQueue == "" {
		return errNoDeadLetter
	}

	// not tied to the job context: shutdown must not lose the message
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.DeadLetter.PublishWithContext(ctx, "", c.opts.DeadLetterQueue, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"x-original-queue": c.opts.Queue,
			"x-failure-reason": reason.Error(),
			"x-attempts":       int32(attempts),
		},
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
		Body:         d.Body,
	})
}

func (c *Consumer) ack(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := d.Ack(false); err != nil {
		logger.Errorf("Failed to ack delivery %d: %v", d.DeliveryTag, err)
	}
}

func (c *Consumer) nack(d amqp.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := d.Nack(false, true); err != nil {
		logger.Errorf("Failed to nack delivery %d: %v", d.DeliveryTag, err)
	}
}

func (c *Consumer) clear(key string) {
	if c.opts.Attempts == nil {
		return
	}
	if err := c.opts.Attempts.Clear(key); err != nil {
		logger.Warnf("Failed to clear attempts for %s: %v", key, err)
	}
}

package taskqueue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// recordingAcker records every settle call per delivery tag.
type recordingAcker struct {
	mu      sync.Mutex
	acks    map[uint64]int
	nacks   map[uint64]int
	requeue map[uint64]bool
}

func newAcker() *recordingAcker {
	return &recordingAcker{acks: map[uint64]int{}, nacks: map[uint64]int{}, requeue: map[uint64]bool{}}
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks[tag]++
	return nil
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks[tag]++
	a.requeue[tag] = requeue
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *recordingAcker) settles(tag uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acks[tag] + a.nacks[tag]
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []amqp.Publishing
	keys      []string
	err       error
}

func (p *recordingPublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	p.keys = append(p.keys, key)
	return nil
}

func delivery(acker amqp.Acknowledger, tag uint64, id, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  tag,
		MessageId:    id,
		Body:         []byte(body),
	}
}

func openLedger(t *testing.T) *AttemptLedger {
	t.Helper()
	l, err := OpenAttempts(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("Failed to open attempts ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// serveAll feeds deliveries through a closed channel and waits for Serve.
func serveAll(t *testing.T, c *Consumer, ds ...amqp.Delivery) error {
	t.Helper()
	ch := make(chan amqp.Delivery, len(ds))
	for _, d := range ds {
		ch <- d
	}
	close(ch)
	return c.Serve(context.Background(), ch)
}

func TestSuccessAcksOnce(t *testing.T) {
	acker := newAcker()
	var calls atomic.Int32
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return nil
	}, Options{})

	err := serveAll(t, c, delivery(acker, 1, "m1", "{}"))
	if !errors.Is(err, ErrDeliveriesClosed) {
		t.Fatalf("Expected ErrDeliveriesClosed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected handler to run once, got %d", calls.Load())
	}
	if acker.acks[1] != 1 || acker.nacks[1] != 0 {
		t.Errorf("Expected exactly one ack, got acks=%d nacks=%d", acker.acks[1], acker.nacks[1])
	}
}

func TestFailureRequeues(t *testing.T) {
	acker := newAcker()
	ledger := openLedger(t)
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return errors.New("conversion failed")
	}, Options{MaxAttempts: 5, Attempts: ledger})

	serveAll(t, c, delivery(acker, 7, "m7", "{}"))

	if acker.nacks[7] != 1 || !acker.requeue[7] {
		t.Errorf("Expected one requeueing nack, got %d (requeue=%v)", acker.nacks[7], acker.requeue[7])
	}
	if acker.acks[7] != 0 {
		t.Error("Failed message must not be acked")
	}
	if n, _ := ledger.Get("m7"); n != 1 {
		t.Errorf("Expected one recorded attempt, got %d", n)
	}
}

func TestEveryDeliverySettledExactlyOnce(t *testing.T) {
	acker := newAcker()
	outcomes := []error{nil, errors.New("boom"), Permanent(errors.New("bad")), nil}
	var i atomic.Int32
	pub := &recordingPublisher{}
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		if msg.Body[0] == 'p' {
			panic("handler exploded")
		}
		return outcomes[int(i.Add(1)-1)%len(outcomes)]
	}, Options{Slots: 3, DeadLetterQueue: "task_queue.dead", DeadLetter: pub, Attempts: openLedger(t), MaxAttempts: 3})

	var ds []amqp.Delivery
	for tag := uint64(1); tag <= 20; tag++ {
		body := "ok"
		if tag%5 == 0 {
			body = "panic"
		}
		ds = append(ds, delivery(acker, tag, "", body+string(rune('a'+tag))))
	}
	serveAll(t, c, ds...)

	for tag := uint64(1); tag <= 20; tag++ {
		if n := acker.settles(tag); n != 1 {
			t.Errorf("Delivery %d settled %d times", tag, n)
		}
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	acker := newAcker()
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		panic("nil map write")
	}, Options{})

	err := serveAll(t, c, delivery(acker, 3, "m3", "{}"), delivery(acker, 4, "m4", "{}"))
	if !errors.Is(err, ErrDeliveriesClosed) {
		t.Fatalf("Worker should survive a panic, got %v", err)
	}
	if acker.nacks[3] != 1 || acker.nacks[4] != 1 {
		t.Errorf("Both panicking deliveries should be requeued: %v", acker.nacks)
	}
}

func TestPermanentErrorIsDeadLettered(t *testing.T) {
	acker := newAcker()
	pub := &recordingPublisher{}
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return Permanent(errors.New("invalid JSON"))
	}, Options{Queue: "task_queue", DeadLetterQueue: "task_queue.dead", DeadLetter: pub, Attempts: openLedger(t), MaxAttempts: 5})

	serveAll(t, c, delivery(acker, 9, "m9", "not json"))

	if len(pub.published) != 1 {
		t.Fatalf("Expected one dead-lettered message, got %d", len(pub.published))
	}
	if pub.keys[0] != "task_queue.dead" {
		t.Errorf("Published to %q", pub.keys[0])
	}
	msg := pub.published[0]
	if string(msg.Body) != "not json" {
		t.Errorf("Dead-lettered body changed: %q", msg.Body)
	}
	if msg.Headers["x-failure-reason"] != "invalid JSON" || msg.Headers["x-original-queue"] != "task_queue" {
		t.Errorf("Unexpected headers %v", msg.Headers)
	}
	if acker.acks[9] != 1 || acker.nacks[9] != 0 {
		t.Errorf("Dead-lettered message should be acked once, got acks=%d nacks=%d", acker.acks[9], acker.nacks[9])
	}
}

func TestExhaustedAttemptsAreDeadLettered(t *testing.T) {
	ledger := openLedger(t)
	pub := &recordingPublisher{}
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return errors.New("engine unavailable")
	}, Options{DeadLetterQueue: "dlq", DeadLetter: pub, Attempts: ledger, MaxAttempts: 3})

	var outcomes []Outcome
	c.opts.OnSettled = func(msg Message, o Outcome, _ time.Duration) {
		outcomes = append(outcomes, o)
	}

	// the broker redelivers the same message after every requeue
	for tag := uint64(1); tag <= 3; tag++ {
		acker := newAcker()
		serveAll(t, c, delivery(acker, tag, "poison", "{}"))
	}

	want := []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeDeadLettered}
	if len(outcomes) != len(want) {
		t.Fatalf("Expected %v, got %v", want, outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("Attempt %d: expected %s, got %s", i+1, want[i], outcomes[i])
		}
	}
	if n, _ := ledger.Get("poison"); n != 0 {
		t.Errorf("Counter should be cleared after dead-lettering, got %d", n)
	}
	if pub.published[0].Headers["x-attempts"] != int32(3) {
		t.Errorf("Unexpected attempts header %v", pub.published[0].Headers["x-attempts"])
	}
}

func TestUnboundedAttemptsNeverDeadLetter(t *testing.T) {
	pub := &recordingPublisher{}
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return errors.New("still failing")
	}, Options{DeadLetterQueue: "dlq", DeadLetter: pub, Attempts: openLedger(t), MaxAttempts: 0})

	for tag := uint64(1); tag <= 10; tag++ {
		serveAll(t, c, delivery(newAcker(), tag, "m", "{}"))
	}
	if len(pub.published) != 0 {
		t.Errorf("Nothing should be dead-lettered with max attempts 0")
	}
}

func TestDeadLetterFailureRequeues(t *testing.T) {
	acker := newAcker()
	pub := &recordingPublisher{err: errors.New("channel closed")}
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return Permanent(errors.New("bad"))
	}, Options{DeadLetterQueue: "dlq", DeadLetter: pub})

	serveAll(t, c, delivery(acker, 1, "m", "{}"))
	if acker.nacks[1] != 1 || !acker.requeue[1] || acker.acks[1] != 0 {
		t.Errorf("Message must be requeued when dead-lettering fails")
	}
}

func TestMissingDeadLetterQueueDrops(t *testing.T) {
	acker := newAcker()
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		return Permanent(errors.New("bad"))
	}, Options{})

	var got Outcome
	c.opts.OnSettled = func(_ Message, o Outcome, _ time.Duration) { got = o }
	serveAll(t, c, delivery(acker, 1, "m", "{}"))

	if got != OutcomeDropped || acker.acks[1] != 1 {
		t.Errorf("Expected message to be dropped and acked, got %s", got)
	}
}

func TestShutdownRequeuesWithoutCountingAttempt(t *testing.T) {
	acker := newAcker()
	ledger := openLedger(t)
	started := make(chan struct{})
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, Options{Attempts: ledger, MaxAttempts: 1, DeadLetterQueue: "dlq", DeadLetter: &recordingPublisher{}})

	ch := make(chan amqp.Delivery, 1)
	ch <- delivery(acker, 1, "m", "{}")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, ch) }()
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	if acker.nacks[1] != 1 || !acker.requeue[1] {
		t.Error("Interrupted message must be requeued")
	}
	if n, _ := ledger.Get("m"); n != 0 {
		t.Errorf("Shutdown must not count as an attempt, got %d", n)
	}
}

func TestSlotsBoundConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}, Options{Slots: 2})

	acker := newAcker()
	var ds []amqp.Delivery
	for tag := uint64(1); tag <= 10; tag++ {
		ds = append(ds, delivery(acker, tag, "", string(rune('a'+tag))))
	}
	serveAll(t, c, ds...)

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent handlers, saw %d", peak.Load())
	}
}

func TestMessageKeyFallsBackToFingerprint(t *testing.T) {
	a := MessageKey(amqp.Delivery{Body: []byte("same")})
	b := MessageKey(amqp.Delivery{Body: []byte("same")})
	if a == "" || a != b {
		t.Errorf("Expected stable fingerprint, got %q and %q", a, b)
	}
	if MessageKey(amqp.Delivery{MessageId: "id-1", Body: []byte("same")}) != "id-1" {
		t.Error("Message id should take precedence")
	}
}

func TestAttemptNumberPassedToHandler(t *testing.T) {
	ledger := openLedger(t)
	var seen []int
	c := NewConsumer(func(ctx context.Context, msg Message) error {
		seen = append(seen, msg.Attempt)
		return errors.New("fail")
	}, Options{Attempts: ledger, MaxAttempts: 10})

	for tag := uint64(1); tag <= 3; tag++ {
		serveAll(t, c, delivery(newAcker(), tag, "m", "{}"))
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("Unexpected attempt numbers %v", seen)
	}
}

package requester

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
	"github.com/streadway/amqp"
)

// AMQPRequesterFactory implements RequesterFactory by creating a Requester
// which publishes records to an AMQP exchange, using the record topic as the
// routing key, and waits for the publisher confirm.
type AMQPRequesterFactory struct {
	URL          string
	Exchange     string
	KeyEncoder   bench.KeyEncoder
	ValueEncoder bench.ValueEncoder
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (a *AMQPRequesterFactory) GetRequester(num uint64) bench.Requester {
	return &amqpRequester{
		url:          a.URL,
		exchange:     a.Exchange,
		keyEncoder:   keyEncoderOrDefault(a.KeyEncoder),
		valueEncoder: valueEncoderOrDefault(a.ValueEncoder),
		tracker:      newConfirmTracker(),
	}
}

// amqpRequester implements Requester by publishing on a channel in confirm
// mode. Blocking requests wait on the same confirm stream as async ones.
type amqpRequester struct {
	url          string
	exchange     string
	keyEncoder   bench.KeyEncoder
	valueEncoder bench.ValueEncoder
	conn         *amqp.Connection
	channel      *amqp.Channel
	tracker      *confirmTracker
	confirmed    sync.WaitGroup
}

// Setup prepares the Requester for benchmarking.
func (a *amqpRequester) Setup(bench.Mode) error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return errors.Wrap(err, "dialing amqp broker")
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "opening amqp channel")
	}
	if err := channel.Confirm(false); err != nil {
		conn.Close()
		return errors.Wrap(err, "enabling publisher confirms")
	}

	confirms := channel.NotifyPublish(make(chan amqp.Confirmation, 1024))
	a.confirmed.Add(1)
	go func() {
		defer a.confirmed.Done()
		for c := range confirms {
			a.tracker.resolve(c.DeliveryTag, c.Ack)
		}
	}()

	a.conn = conn
	a.channel = channel
	return nil
}

func (a *amqpRequester) publish(rec bench.Record, done bench.Completion) error {
	if a.channel == nil {
		return bench.ErrRequesterClosed
	}
	msg := amqp.Publishing{
		Headers:     amqp.Table{"key": a.keyEncoder(rec.Key)},
		ContentType: "text/plain",
		Body:        a.valueEncoder(rec.Value),
	}
	return a.tracker.publish(done, func() error {
		return a.channel.Publish(a.exchange, rec.Topic, false, false, msg)
	})
}

// Request performs a synchronous request to the system under test.
func (a *amqpRequester) Request(ctx context.Context, rec bench.Record) error {
	result := make(chan error, 1)
	if err := a.publish(rec, func(err error) { result <- err }); err != nil {
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	}
	select {
	case err := <-result:
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for confirm of message %d", rec.Key)
	}
}

// RequestAsync publishes the record and completes on its publisher confirm.
func (a *amqpRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if err := a.publish(rec, done); err != nil {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
	}
}

// Teardown is called upon benchmark completion.
func (a *amqpRequester) Teardown() error {
	if a.conn == nil {
		return nil
	}
	// closing the connection closes the confirm channel
	err := a.conn.Close()
	a.confirmed.Wait()
	a.tracker.failAll(bench.ErrRequesterClosed)
	a.channel = nil
	a.conn = nil
	return errors.Wrap(err, "closing amqp connection")
}

var errNacked = errors.New("amqp: message nacked by broker")

// confirmTracker maps publisher confirm delivery tags to Completions. The
// broker numbers published messages from 1 on each channel in confirm mode.
type confirmTracker struct {
	mu      sync.Mutex
	last    uint64
	pending map[uint64]bench.Completion
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: make(map[uint64]bench.Completion)}
}

// publish runs send while holding the tag counter, so tags follow publish
// order. A failed send does not consume a tag.
func (t *confirmTracker) publish(done bench.Completion, send func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := send(); err != nil {
		return err
	}
	t.last++
	t.pending[t.last] = done
	return nil
}

func (t *confirmTracker) resolve(tag uint64, ack bool) {
	t.mu.Lock()
	done, ok := t.pending[tag]
	delete(t.pending, tag)
	t.mu.Unlock()
	if !ok {
		return
	}
	if ack {
		done(nil)
		return
	}
	done(errNacked)
}

func (t *confirmTracker) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]bench.Completion)
	t.mu.Unlock()
	for _, done := range pending {
		done(err)
	}
}

package requester

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/message"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	bench "github.com/ssd532/producer-bench"
)

var errUnconfirmed = errors.New("rabbitmq stream: message not confirmed")

// RMQStreamRequesterFactory implements RequesterFactory by creating a
// Requester which publishes records to a RabbitMQ stream named after the
// record topic. The stream must already exist.
//
// Records are published without their key: the stream client builds AMQP
// 1.0 messages from a body only.
type RMQStreamRequesterFactory struct {
	Host         string
	Port         int
	User         string
	Password     string
	ValueEncoder bench.ValueEncoder
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (r *RMQStreamRequesterFactory) GetRequester(num uint64) bench.Requester {
	return &rmqstreamRequester{
		connect: func() (producerSource, error) {
			env, err := stream.NewEnvironment(
				stream.NewEnvironmentOptions().
					SetHost(r.Host).
					SetPort(r.Port).
					SetUser(r.User).
					SetPassword(r.Password))
			if err != nil {
				return nil, err
			}
			return &streamEnvironment{env: env}, nil
		},
		valueEncoder: valueEncoderOrDefault(r.ValueEncoder),
		producers:    make(map[string]streamProducer),
		tracker:      newStreamTracker(),
	}
}

// streamProducer is the part of *stream.Producer the requester uses.
type streamProducer interface {
	BatchSend([]message.StreamMessage) error
	NotifyPublishConfirmation() stream.ChannelPublishConfirm
	NotifyPublishError() stream.ChannelPublishError
	Close() error
}

type producerSource interface {
	NewProducer(name string) (streamProducer, error)
	Close() error
}

type streamEnvironment struct {
	env *stream.Environment
}

func (e *streamEnvironment) NewProducer(name string) (streamProducer, error) {
	p, err := e.env.NewProducer(name, stream.NewProducerOptions().SetBatchSize(1))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *streamEnvironment) Close() error {
	return e.env.Close()
}

// rmqstreamRequester implements Requester with one producer per stream. A
// send completes on the publish confirm or publish error the broker returns
// for its message.
type rmqstreamRequester struct {
	connect      func() (producerSource, error)
	valueEncoder bench.ValueEncoder
	tracker      *streamTracker

	mu        sync.Mutex
	source    producerSource
	producers map[string]streamProducer
	stop      chan struct{}
	watchers  sync.WaitGroup
}

// Setup prepares the Requester for benchmarking.
func (r *rmqstreamRequester) Setup(bench.Mode) error {
	source, err := r.connect()
	if err != nil {
		return errors.Wrap(err, "connecting to rabbitmq stream")
	}
	r.mu.Lock()
	r.source = source
	r.stop = make(chan struct{})
	r.mu.Unlock()
	return nil
}

func (r *rmqstreamRequester) producer(name string) (streamProducer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return nil, bench.ErrRequesterClosed
	}
	if p, ok := r.producers[name]; ok {
		return p, nil
	}
	p, err := r.source.NewProducer(name)
	if err != nil {
		return nil, errors.Wrapf(err, "creating producer for stream %s", name)
	}
	// both notify channels are unbuffered and fed under the producer lock,
	// so they are drained from the moment the producer exists
	confirms := p.NotifyPublishConfirmation()
	failures := p.NotifyPublishError()
	r.watchers.Add(1)
	go r.watch(confirms, failures, r.stop)
	r.producers[name] = p
	return p, nil
}

func (r *rmqstreamRequester) watch(confirms stream.ChannelPublishConfirm, failures stream.ChannelPublishError, stop <-chan struct{}) {
	defer r.watchers.Done()
	for {
		select {
		case batch, ok := <-confirms:
			if !ok {
				return
			}
			for _, m := range batch {
				if m.Confirmed {
					r.tracker.resolve(m.Message, nil)
					continue
				}
				err := m.Err
				if err == nil {
					err = errUnconfirmed
				}
				r.tracker.resolve(m.Message, err)
			}
		case pe := <-failures:
			if pe.UnConfirmedMessage == nil {
				continue
			}
			err := pe.Err
			if err == nil {
				err = errUnconfirmed
			}
			r.tracker.resolve(pe.UnConfirmedMessage.Message, err)
		case <-stop:
			return
		}
	}
}

// publish sends the record on the caller's goroutine, so messages reach the
// stream in dispatch order.
func (r *rmqstreamRequester) publish(rec bench.Record, done bench.Completion) {
	p, err := r.producer(rec.Topic)
	if err != nil {
		done(errors.Wrapf(err, "sending message %d", rec.Key))
		return
	}
	msg := amqp.NewMessage(r.valueEncoder(rec.Value))
	r.tracker.add(msg, done)
	if err := p.BatchSend([]message.StreamMessage{msg}); err != nil {
		// the client may already have flushed the message as unconfirmed
		if pending, ok := r.tracker.remove(msg); ok {
			pending(errors.Wrapf(err, "sending message %d", rec.Key))
		}
	}
}

// Request performs a synchronous request to the system under test.
func (r *rmqstreamRequester) Request(ctx context.Context, rec bench.Record) error {
	result := make(chan error, 1)
	r.publish(rec, func(err error) { result <- err })
	select {
	case err := <-result:
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for confirm of message %d", rec.Key)
	}
}

// RequestAsync sends the record and completes on its publish confirm.
func (r *rmqstreamRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	r.publish(rec, done)
}

// Teardown is called upon benchmark completion.
func (r *rmqstreamRequester) Teardown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.source == nil {
		return nil
	}
	var result error
	for name, p := range r.producers {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "closing producer for stream %s", name))
		}
	}
	close(r.stop)
	r.watchers.Wait()
	r.tracker.failAll(bench.ErrRequesterClosed)
	if err := r.source.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing rabbitmq stream environment"))
	}
	r.producers = make(map[string]streamProducer)
	r.source = nil
	return result
}

// streamTracker maps sent messages to their Completions. The client hands
// back the message value it was given, so the message is the key.
type streamTracker struct {
	mu      sync.Mutex
	pending map[message.StreamMessage]bench.Completion
}

func newStreamTracker() *streamTracker {
	return &streamTracker{pending: make(map[message.StreamMessage]bench.Completion)}
}

func (t *streamTracker) add(msg message.StreamMessage, done bench.Completion) {
	t.mu.Lock()
	t.pending[msg] = done
	t.mu.Unlock()
}

func (t *streamTracker) remove(msg message.StreamMessage) (bench.Completion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	done, ok := t.pending[msg]
	delete(t.pending, msg)
	return done, ok
}

func (t *streamTracker) resolve(msg message.StreamMessage, err error) {
	if done, ok := t.remove(msg); ok {
		done(err)
	}
}

func (t *streamTracker) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[message.StreamMessage]bench.Completion)
	t.mu.Unlock()
	for _, done := range pending {
		done(err)
	}
}

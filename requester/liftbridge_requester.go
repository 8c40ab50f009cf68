package requester

import (
	"context"

	lift "github.com/liftbridge-io/go-liftbridge/v2"
	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
)

// LiftbridgeRequesterFactory implements RequesterFactory by creating a
// Requester which publishes records to a Liftbridge stream named after the
// record topic.
type LiftbridgeRequesterFactory struct {
	URLs         []string
	KeyEncoder   bench.KeyEncoder
	ValueEncoder bench.ValueEncoder

	// AckPolicyAll waits for every replica instead of the stream leader.
	AckPolicyAll bool
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (l *LiftbridgeRequesterFactory) GetRequester(num uint64) bench.Requester {
	return &liftbridgeRequester{
		urls:         l.URLs,
		keyEncoder:   keyEncoderOrDefault(l.KeyEncoder),
		valueEncoder: valueEncoderOrDefault(l.ValueEncoder),
		ackPolicyAll: l.AckPolicyAll,
	}
}

// liftbridgeRequester implements Requester with Publish and PublishAsync.
type liftbridgeRequester struct {
	urls         []string
	keyEncoder   bench.KeyEncoder
	valueEncoder bench.ValueEncoder
	ackPolicyAll bool
	client       lift.Client
}

// Setup prepares the Requester for benchmarking.
func (l *liftbridgeRequester) Setup(bench.Mode) error {
	client, err := lift.Connect(l.urls)
	if err != nil {
		return errors.Wrap(err, "connecting to liftbridge")
	}
	l.client = client
	return nil
}

func (l *liftbridgeRequester) options(rec bench.Record) []lift.MessageOption {
	ack := lift.AckPolicyLeader()
	if l.ackPolicyAll {
		ack = lift.AckPolicyAll()
	}
	return []lift.MessageOption{lift.Key(l.keyEncoder(rec.Key)), ack}
}

// Request performs a synchronous request to the system under test.
func (l *liftbridgeRequester) Request(ctx context.Context, rec bench.Record) error {
	if l.client == nil {
		return bench.ErrRequesterClosed
	}
	if _, err := l.client.Publish(ctx, rec.Topic, l.valueEncoder(rec.Value), l.options(rec)...); err != nil {
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	}
	return nil
}

// RequestAsync publishes the record and completes from the client's ack
// handler.
func (l *liftbridgeRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if l.client == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	err := l.client.PublishAsync(context.Background(), rec.Topic, l.valueEncoder(rec.Value),
		func(_ *lift.Ack, err error) {
			done(errors.Wrapf(err, "publishing message %d", rec.Key))
		}, l.options(rec)...)
	if err != nil {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
	}
}

// Teardown is called upon benchmark completion.
func (l *liftbridgeRequester) Teardown() error {
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return errors.Wrap(err, "closing liftbridge client")
}

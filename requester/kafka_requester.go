package requester

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
)

// DefaultClientID is the client identifier used when a factory sets none.
const DefaultClientID = "DemoProducer"

// KafkaRequesterFactory implements RequesterFactory by creating a Requester
// which publishes keyed records to Kafka and waits for the broker
// acknowledgment.
type KafkaRequesterFactory struct {
	URLs     []string
	ClientID string

	// KeyEncoder and ValueEncoder default to bench.IntegerKey and
	// bench.StringValue.
	KeyEncoder   bench.KeyEncoder
	ValueEncoder bench.ValueEncoder

	// RequiredAcks defaults to sarama.WaitForLocal.
	RequiredAcks sarama.RequiredAcks
	Version      sarama.KafkaVersion
	Timeout      time.Duration

	newSyncProducer  func(addrs []string, config *sarama.Config) (sarama.SyncProducer, error)
	newAsyncProducer func(addrs []string, config *sarama.Config) (sarama.AsyncProducer, error)
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (k *KafkaRequesterFactory) GetRequester(num uint64) bench.Requester {
	r := &kafkaRequester{
		urls:             k.URLs,
		clientID:         k.ClientID,
		keyEncoder:       keyEncoderOrDefault(k.KeyEncoder),
		valueEncoder:     valueEncoderOrDefault(k.ValueEncoder),
		requiredAcks:     k.RequiredAcks,
		version:          k.Version,
		timeout:          k.Timeout,
		newSyncProducer:  k.newSyncProducer,
		newAsyncProducer: k.newAsyncProducer,
	}
	if r.clientID == "" {
		r.clientID = DefaultClientID
	}
	if r.requiredAcks == 0 {
		r.requiredAcks = sarama.WaitForLocal
	}
	if r.newSyncProducer == nil {
		r.newSyncProducer = sarama.NewSyncProducer
	}
	if r.newAsyncProducer == nil {
		r.newAsyncProducer = sarama.NewAsyncProducer
	}
	return r
}

// kafkaRequester implements Requester with a sarama SyncProducer for
// blocking runs and an AsyncProducer for non-blocking runs.
type kafkaRequester struct {
	urls         []string
	clientID     string
	keyEncoder   bench.KeyEncoder
	valueEncoder bench.ValueEncoder
	requiredAcks sarama.RequiredAcks
	version      sarama.KafkaVersion
	timeout      time.Duration

	newSyncProducer  func(addrs []string, config *sarama.Config) (sarama.SyncProducer, error)
	newAsyncProducer func(addrs []string, config *sarama.Config) (sarama.AsyncProducer, error)

	syncProducer  sarama.SyncProducer
	asyncProducer sarama.AsyncProducer
	drained       sync.WaitGroup
}

func (k *kafkaRequester) config() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = k.clientID
	config.Producer.RequiredAcks = k.requiredAcks
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	if k.version != (sarama.KafkaVersion{}) {
		config.Version = k.version
	}
	if k.timeout > 0 {
		config.Producer.Timeout = k.timeout
		config.Net.DialTimeout = k.timeout
	}
	return config
}

// Setup prepares the Requester for benchmarking.
func (k *kafkaRequester) Setup(mode bench.Mode) error {
	config := k.config()
	if mode == bench.NonBlocking {
		producer, err := k.newAsyncProducer(k.urls, config)
		if err != nil {
			return errors.Wrap(err, "creating kafka async producer")
		}
		k.asyncProducer = producer
		k.drained.Add(1)
		go k.complete()
		return nil
	}

	producer, err := k.newSyncProducer(k.urls, config)
	if err != nil {
		return errors.Wrap(err, "creating kafka sync producer")
	}
	k.syncProducer = producer
	return nil
}

func (k *kafkaRequester) message(rec bench.Record) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: rec.Topic,
		Key:   sarama.ByteEncoder(k.keyEncoder(rec.Key)),
		Value: sarama.ByteEncoder(k.valueEncoder(rec.Value)),
	}
}

// Request performs a synchronous request to the system under test.
func (k *kafkaRequester) Request(_ context.Context, rec bench.Record) error {
	if k.syncProducer == nil {
		return bench.ErrRequesterClosed
	}
	if _, _, err := k.syncProducer.SendMessage(k.message(rec)); err != nil {
		return errors.Wrapf(err, "sending message %d", rec.Key)
	}
	return nil
}

// RequestAsync queues the record on the async producer. The Completion
// travels with the message as its metadata.
func (k *kafkaRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if k.asyncProducer == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	msg := k.message(rec)
	msg.Metadata = done
	k.asyncProducer.Input() <- msg
}

// complete hands every acknowledgment or error back to its Completion until
// both producer channels are closed.
func (k *kafkaRequester) complete() {
	defer k.drained.Done()
	successes := k.asyncProducer.Successes()
	errs := k.asyncProducer.Errors()
	for successes != nil || errs != nil {
		select {
		case msg, ok := <-successes:
			if !ok {
				successes = nil
				continue
			}
			if done, ok := msg.Metadata.(bench.Completion); ok {
				done(nil)
			}
		case perr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if done, ok := perr.Msg.Metadata.(bench.Completion); ok {
				done(errors.Wrap(perr.Err, "producing message"))
			}
		}
	}
}

// Teardown is called upon benchmark completion.
func (k *kafkaRequester) Teardown() error {
	if k.asyncProducer != nil {
		k.asyncProducer.AsyncClose()
		k.drained.Wait()
		k.asyncProducer = nil
	}
	if k.syncProducer != nil {
		if err := k.syncProducer.Close(); err != nil {
			return errors.Wrap(err, "closing kafka sync producer")
		}
		k.syncProducer = nil
	}
	return nil
}

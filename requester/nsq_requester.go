package requester

import (
	"context"
	"sync"

	"github.com/nsqio/go-nsq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bench "github.com/ssd532/producer-bench"
)

// NSQRequesterFactory implements RequesterFactory by creating a Requester
// which publishes record values to the nsqd topic named after the record
// topic. NSQ has no message keys, so keys are not sent.
type NSQRequesterFactory struct {
	URL          string
	ClientID     string
	ValueEncoder bench.ValueEncoder
	Logger       *log.Entry
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (n *NSQRequesterFactory) GetRequester(num uint64) bench.Requester {
	clientID := n.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	logger := n.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &nsqRequester{
		url:          n.URL,
		clientID:     clientID,
		valueEncoder: valueEncoderOrDefault(n.ValueEncoder),
		logger:       logger.WithField("system", "nsq"),
	}
}

// nsqRequester implements Requester with Publish and PublishAsync. Async
// transactions come back on one channel and carry their Completion as the
// first argument.
type nsqRequester struct {
	url          string
	clientID     string
	valueEncoder bench.ValueEncoder
	logger       *log.Entry
	producer     *nsq.Producer
	transactions chan *nsq.ProducerTransaction
	drained      sync.WaitGroup
}

// Setup prepares the Requester for benchmarking.
func (n *nsqRequester) Setup(mode bench.Mode) error {
	config := nsq.NewConfig()
	config.ClientID = n.clientID
	producer, err := nsq.NewProducer(n.url, config)
	if err != nil {
		return errors.Wrap(err, "creating nsq producer")
	}
	producer.SetLogger(nsqLogger{n.logger}, nsq.LogLevelWarning)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return errors.Wrap(err, "connecting to nsqd")
	}

	n.producer = producer
	if mode == bench.NonBlocking {
		n.transactions = make(chan *nsq.ProducerTransaction, 1024)
		n.drained.Add(1)
		go n.complete()
	}
	return nil
}

// Request performs a synchronous request to the system under test.
func (n *nsqRequester) Request(_ context.Context, rec bench.Record) error {
	if n.producer == nil {
		return bench.ErrRequesterClosed
	}
	if err := n.producer.Publish(rec.Topic, n.valueEncoder(rec.Value)); err != nil {
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	}
	return nil
}

// RequestAsync publishes the record without waiting for nsqd to respond.
func (n *nsqRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if n.producer == nil || n.transactions == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	if err := n.producer.PublishAsync(rec.Topic, n.valueEncoder(rec.Value), n.transactions, done, rec.Key); err != nil {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
	}
}

func (n *nsqRequester) complete() {
	defer n.drained.Done()
	for t := range n.transactions {
		completeTransaction(t)
	}
}

func completeTransaction(t *nsq.ProducerTransaction) {
	if len(t.Args) < 2 {
		return
	}
	done, ok := t.Args[0].(bench.Completion)
	if !ok {
		return
	}
	if t.Error != nil {
		done(errors.Wrapf(t.Error, "publishing message %v", t.Args[1]))
		return
	}
	done(nil)
}

// Teardown is called upon benchmark completion.
func (n *nsqRequester) Teardown() error {
	if n.producer == nil {
		return nil
	}
	// Stop fails every transaction still in flight onto the channel.
	n.producer.Stop()
	n.producer = nil
	if n.transactions != nil {
		close(n.transactions)
		n.drained.Wait()
		n.transactions = nil
	}
	return nil
}

// nsqLogger routes go-nsq client logs through logrus.
type nsqLogger struct {
	entry *log.Entry
}

func (l nsqLogger) Output(_ int, s string) error {
	l.entry.Warn(s)
	return nil
}

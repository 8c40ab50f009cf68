package requester

import (
	"context"

	"github.com/nats-io/stan.go"
	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
)

// NATSStreamingRequesterFactory implements RequesterFactory by creating a
// Requester which publishes record values to a NATS Streaming subject named
// after the record topic. NATS Streaming has no message keys, so keys are
// not sent.
type NATSStreamingRequesterFactory struct {
	URL          string
	ClusterID    string
	ClientID     string
	ValueEncoder bench.ValueEncoder

	// MaxPubAcksInflight bounds in-flight async publishes. Zero keeps the
	// client default.
	MaxPubAcksInflight int
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (n *NATSStreamingRequesterFactory) GetRequester(num uint64) bench.Requester {
	clientID := n.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &stanRequester{
		url:                n.URL,
		clusterID:          n.ClusterID,
		clientID:           clientID,
		valueEncoder:       valueEncoderOrDefault(n.ValueEncoder),
		maxPubAcksInflight: n.MaxPubAcksInflight,
	}
}

// stanRequester implements Requester with Publish and PublishAsync.
type stanRequester struct {
	url                string
	clusterID          string
	clientID           string
	valueEncoder       bench.ValueEncoder
	maxPubAcksInflight int
	conn               stan.Conn
}

// Setup prepares the Requester for benchmarking.
func (n *stanRequester) Setup(bench.Mode) error {
	opts := []stan.Option{stan.NatsURL(n.url)}
	if n.maxPubAcksInflight > 0 {
		opts = append(opts, stan.MaxPubAcksInflight(n.maxPubAcksInflight))
	}
	conn, err := stan.Connect(n.clusterID, n.clientID, opts...)
	if err != nil {
		return errors.Wrap(err, "connecting to nats streaming")
	}
	n.conn = conn
	return nil
}

// Request performs a synchronous request to the system under test.
func (n *stanRequester) Request(_ context.Context, rec bench.Record) error {
	if n.conn == nil {
		return bench.ErrRequesterClosed
	}
	if err := n.conn.Publish(rec.Topic, n.valueEncoder(rec.Value)); err != nil {
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	}
	return nil
}

// RequestAsync publishes the record and completes from the ack handler.
func (n *stanRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if n.conn == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	_, err := n.conn.PublishAsync(rec.Topic, n.valueEncoder(rec.Value), func(_ string, err error) {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
	})
	if err != nil {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
	}
}

// Teardown is called upon benchmark completion.
func (n *stanRequester) Teardown() error {
	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return errors.Wrap(err, "closing nats streaming connection")
}

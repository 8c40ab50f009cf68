package requester

import (
	"context"
	"encoding/base64"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
)

// KeyHeader carries the encoded record key on systems without native keys.
const KeyHeader = "Bench-Key"

// JetStreamRequesterFactory implements RequesterFactory by creating a
// Requester which publishes records to the JetStream subject named after the
// record topic. The stream capturing that subject must already exist.
type JetStreamRequesterFactory struct {
	URL          string
	ClientID     string
	KeyEncoder   bench.KeyEncoder
	ValueEncoder bench.ValueEncoder

	// MaxPublishAckPending bounds in-flight async publishes. Zero keeps the
	// client default.
	MaxPublishAckPending int
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (j *JetStreamRequesterFactory) GetRequester(num uint64) bench.Requester {
	clientID := j.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &jetstreamRequester{
		url:                  j.URL,
		clientID:             clientID,
		keyEncoder:           keyEncoderOrDefault(j.KeyEncoder),
		valueEncoder:         valueEncoderOrDefault(j.ValueEncoder),
		maxPublishAckPending: j.MaxPublishAckPending,
	}
}

// jetstreamRequester implements Requester with PublishMsg and
// PublishMsgAsync.
type jetstreamRequester struct {
	url                  string
	clientID             string
	keyEncoder           bench.KeyEncoder
	valueEncoder         bench.ValueEncoder
	maxPublishAckPending int
	conn                 *nats.Conn
	js                   nats.JetStreamContext
}

// Setup prepares the Requester for benchmarking.
func (j *jetstreamRequester) Setup(bench.Mode) error {
	conn, err := nats.Connect(j.url, nats.Name(j.clientID))
	if err != nil {
		return errors.Wrap(err, "connecting to nats")
	}

	var opts []nats.JSOpt
	if j.maxPublishAckPending > 0 {
		opts = append(opts, nats.PublishAsyncMaxPending(j.maxPublishAckPending))
	}
	js, err := conn.JetStream(opts...)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "creating jetstream context")
	}

	j.conn = conn
	j.js = js
	return nil
}

func (j *jetstreamRequester) message(rec bench.Record) *nats.Msg {
	msg := &nats.Msg{
		Subject: rec.Topic,
		Data:    j.valueEncoder(rec.Value),
		Header:  map[string][]string{},
	}
	msg.Header.Set(KeyHeader, base64.StdEncoding.EncodeToString(j.keyEncoder(rec.Key)))
	return msg
}

// Request performs a synchronous request to the system under test.
func (j *jetstreamRequester) Request(_ context.Context, rec bench.Record) error {
	if j.js == nil {
		return bench.ErrRequesterClosed
	}
	if _, err := j.js.PublishMsg(j.message(rec)); err != nil {
		return errors.Wrapf(err, "publishing message %d", rec.Key)
	}
	return nil
}

// RequestAsync publishes the record and completes once its PubAckFuture
// resolves.
func (j *jetstreamRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if j.js == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	future, err := j.js.PublishMsgAsync(j.message(rec))
	if err != nil {
		done(errors.Wrapf(err, "publishing message %d", rec.Key))
		return
	}
	go func() {
		select {
		case <-future.Ok():
			done(nil)
		case err := <-future.Err():
			done(errors.Wrapf(err, "publishing message %d", rec.Key))
		}
	}()
}

// Teardown is called upon benchmark completion.
func (j *jetstreamRequester) Teardown() error {
	if j.conn == nil {
		return nil
	}
	var result error
	if err := j.conn.Flush(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "flushing nats connection"))
	}
	j.conn.Close()
	if err := j.conn.LastError(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing nats connection"))
	}
	j.js = nil
	j.conn = nil
	return result
}

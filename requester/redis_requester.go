package requester

import (
	"context"
	"sync"

	"github.com/garyburd/redigo/redis"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	bench "github.com/ssd532/producer-bench"
)

// RedisRequesterFactory implements RequesterFactory by creating a Requester
// which appends records to the Redis stream named after the record topic
// with XADD.
type RedisRequesterFactory struct {
	URL          string
	ClientID     string
	KeyEncoder   bench.KeyEncoder
	ValueEncoder bench.ValueEncoder
}

// GetRequester returns a new Requester, called for each Benchmark run.
func (r *RedisRequesterFactory) GetRequester(num uint64) bench.Requester {
	clientID := r.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	return &redisRequester{
		url:          r.URL,
		clientID:     clientID,
		keyEncoder:   keyEncoderOrDefault(r.KeyEncoder),
		valueEncoder: valueEncoderOrDefault(r.ValueEncoder),
		dial: func(url string) (redis.Conn, error) {
			return redis.Dial("tcp", url)
		},
	}
}

// redisRequester implements Requester with Do for blocking runs. In
// non-blocking runs commands are pipelined on one connection and a reader
// goroutine matches replies to Completions in send order.
type redisRequester struct {
	url          string
	clientID     string
	keyEncoder   bench.KeyEncoder
	valueEncoder bench.ValueEncoder
	dial         func(url string) (redis.Conn, error)

	conn     redis.Conn
	pipeline *pipeline
}

// Setup prepares the Requester for benchmarking.
func (r *redisRequester) Setup(mode bench.Mode) error {
	conn, err := r.dial(r.url)
	if err != nil {
		return errors.Wrap(err, "dialing redis")
	}
	if _, err := conn.Do("CLIENT", "SETNAME", r.clientID); err != nil {
		conn.Close()
		return errors.Wrap(err, "naming redis connection")
	}
	r.conn = conn
	if mode == bench.NonBlocking {
		r.pipeline = newPipeline(conn)
	}
	return nil
}

func (r *redisRequester) args(rec bench.Record) []interface{} {
	return []interface{}{rec.Topic, "*", "key", r.keyEncoder(rec.Key), "value", r.valueEncoder(rec.Value)}
}

// Request performs a synchronous request to the system under test.
func (r *redisRequester) Request(_ context.Context, rec bench.Record) error {
	if r.conn == nil || r.pipeline != nil {
		return bench.ErrRequesterClosed
	}
	if _, err := redis.String(r.conn.Do("XADD", r.args(rec)...)); err != nil {
		return errors.Wrapf(err, "appending message %d", rec.Key)
	}
	return nil
}

// RequestAsync pipelines XADD without waiting for the reply.
func (r *redisRequester) RequestAsync(rec bench.Record, done bench.Completion) {
	if r.pipeline == nil {
		done(bench.ErrRequesterClosed)
		return
	}
	r.pipeline.send(func(err error) {
		done(errors.Wrapf(err, "appending message %d", rec.Key))
	}, "XADD", r.args(rec)...)
}

// Teardown is called upon benchmark completion.
func (r *redisRequester) Teardown() error {
	if r.conn == nil {
		return nil
	}
	var result error
	if r.pipeline != nil {
		if err := r.pipeline.close(); err != nil {
			result = multierror.Append(result, err)
		}
		r.pipeline = nil
	}
	if err := r.conn.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing redis connection"))
	}
	r.conn = nil
	return result
}

// pipeline writes commands to a connection as they arrive and reads their
// replies in order on a separate goroutine. A redigo connection supports
// one concurrent writer and one concurrent reader.
type pipeline struct {
	conn    redis.Conn
	mu      sync.Mutex
	closed  bool
	pending chan bench.Completion
	done    chan struct{}
}

func newPipeline(conn redis.Conn) *pipeline {
	p := &pipeline{
		conn:    conn,
		pending: make(chan bench.Completion, 4096),
		done:    make(chan struct{}),
	}
	go p.receive()
	return p
}

func (p *pipeline) send(done bench.Completion, cmd string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		done(bench.ErrRequesterClosed)
		return
	}
	if err := p.conn.Send(cmd, args...); err != nil {
		done(err)
		return
	}
	if err := p.conn.Flush(); err != nil {
		// the command may already be buffered; its reply position is
		// unknown so the connection is unusable from here on
		done(err)
		return
	}
	p.pending <- done
}

func (p *pipeline) receive() {
	defer close(p.done)
	for done := range p.pending {
		_, err := p.conn.Receive()
		done(err)
	}
}

// close waits for every outstanding reply.
func (p *pipeline) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pending)
	p.mu.Unlock()
	<-p.done
	return errors.Wrap(p.conn.Err(), "redis pipeline")
}

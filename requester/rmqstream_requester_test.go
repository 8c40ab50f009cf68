package requester

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/message"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	bench "github.com/ssd532/producer-bench"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreamProducer records sent messages and hands its notify channels to
// the test, which plays the broker.
type fakeStreamProducer struct {
	mu       sync.Mutex
	sent     []message.StreamMessage
	sendErr  error
	closeErr error
	confirms stream.ChannelPublishConfirm
	errs     stream.ChannelPublishError
	closed   bool
}

func (p *fakeStreamProducer) BatchSend(batch []message.StreamMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, batch...)
	return nil
}

func (p *fakeStreamProducer) NotifyPublishConfirmation() stream.ChannelPublishConfirm {
	p.confirms = make(stream.ChannelPublishConfirm)
	return p.confirms
}

func (p *fakeStreamProducer) NotifyPublishError() stream.ChannelPublishError {
	p.errs = make(stream.ChannelPublishError)
	return p.errs
}

// Close mirrors the client: an early error return leaves the confirm
// channel open.
func (p *fakeStreamProducer) Close() error {
	p.closed = true
	if p.closeErr != nil {
		return p.closeErr
	}
	close(p.confirms)
	return nil
}

func (p *fakeStreamProducer) message(i int) message.StreamMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[i]
}

func (p *fakeStreamProducer) confirm(i int, ok bool) {
	p.confirms <- []*stream.UnConfirmedMessage{{Message: p.message(i), Confirmed: ok}}
}

type fakeStreamSource struct {
	producer *fakeStreamProducer
	names    []string
	closed   bool
}

func (s *fakeStreamSource) NewProducer(name string) (streamProducer, error) {
	s.names = append(s.names, name)
	return s.producer, nil
}

func (s *fakeStreamSource) Close() error {
	s.closed = true
	return nil
}

func newTestStreamRequester(t *testing.T, p *fakeStreamProducer) (*rmqstreamRequester, *fakeStreamSource) {
	t.Helper()
	src := &fakeStreamSource{producer: p}
	r := &rmqstreamRequester{
		connect:      func() (producerSource, error) { return src, nil },
		valueEncoder: bench.StringValue,
		producers:    make(map[string]streamProducer),
		tracker:      newStreamTracker(),
	}
	require.NoError(t, r.Setup(bench.NonBlocking))
	return r, src
}

// collector gathers completions in the order they fire.
type collector struct {
	mu      sync.Mutex
	order   []int
	results map[int]error
	wg      sync.WaitGroup
}

func newCollector(n int) *collector {
	c := &collector{results: make(map[int]error)}
	c.wg.Add(n)
	return c
}

func (c *collector) completion(key int) bench.Completion {
	return func(err error) {
		c.mu.Lock()
		c.order = append(c.order, key)
		c.results[key] = err
		c.mu.Unlock()
		c.wg.Done()
	}
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completions never fired")
	}
}

func TestRMQStreamSendsInOrderAndResolvesByMessage(t *testing.T) {
	p := &fakeStreamProducer{}
	r, src := newTestStreamRequester(t, p)

	c := newCollector(5)
	for i := 1; i <= 5; i++ {
		r.RequestAsync(bench.NewRecord("bench", i), c.completion(i))
	}

	require.Len(t, p.sent, 5)
	for i, msg := range p.sent {
		assert.Equal(t, [][]byte{bench.StringValue(bench.NewRecord("bench", i+1).Value)}, msg.GetData())
	}
	assert.Equal(t, []string{"bench"}, src.names)

	for i := 4; i >= 0; i-- {
		p.confirm(i, i != 2)
	}
	c.wait(t)

	assert.Equal(t, []int{5, 4, 3, 2, 1}, c.order)
	for key, err := range c.results {
		if key == 3 {
			assert.Equal(t, errUnconfirmed, err)
			continue
		}
		assert.NoError(t, err, "message %d", key)
	}
	require.NoError(t, r.Teardown())
	assert.True(t, src.closed)
}

func TestRMQStreamPublishErrorFailsItsMessage(t *testing.T) {
	p := &fakeStreamProducer{}
	r, _ := newTestStreamRequester(t, p)

	c := newCollector(2)
	r.RequestAsync(bench.NewRecord("bench", 1), c.completion(1))
	r.RequestAsync(bench.NewRecord("bench", 2), c.completion(2))

	rejected := errors.New("rabbitmq stream: publisher does not exist")
	p.errs <- stream.PublishError{Code: 18, Err: rejected}
	p.errs <- stream.PublishError{Code: 18, Err: rejected, UnConfirmedMessage: &stream.UnConfirmedMessage{Message: p.message(1)}}
	p.confirm(0, true)
	c.wait(t)

	assert.NoError(t, c.results[1])
	assert.Equal(t, rejected, c.results[2])
	require.NoError(t, r.Teardown())
}

func TestRMQStreamBlockingRequestWaitsForConfirm(t *testing.T) {
	p := &fakeStreamProducer{}
	r, _ := newTestStreamRequester(t, p)

	result := make(chan error, 1)
	go func() {
		result <- r.Request(context.Background(), bench.NewRecord("bench", 1))
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.sent) == 1
	}, time.Second, time.Millisecond)
	select {
	case err := <-result:
		t.Fatalf("request returned before its confirm: %v", err)
	default:
	}

	p.confirm(0, true)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request never returned")
	}
	require.NoError(t, r.Teardown())
}

func TestRMQStreamSendErrorCompletesOnce(t *testing.T) {
	p := &fakeStreamProducer{sendErr: errors.New("tcp connection is closed")}
	r, _ := newTestStreamRequester(t, p)

	calls := 0
	var got error
	r.RequestAsync(bench.NewRecord("bench", 7), func(err error) {
		calls++
		got = err
	})
	require.NoError(t, r.Teardown())

	assert.Equal(t, 1, calls)
	assert.Contains(t, got.Error(), "tcp connection is closed")
	assert.False(t, errors.Is(got, bench.ErrRequesterClosed))
}

func TestRMQStreamTeardownFailsUnconfirmed(t *testing.T) {
	p := &fakeStreamProducer{closeErr: errors.New("producer already closed")}
	r, src := newTestStreamRequester(t, p)

	c := newCollector(3)
	for i := 1; i <= 3; i++ {
		r.RequestAsync(bench.NewRecord("bench", i), c.completion(i))
	}
	p.confirm(1, true)

	err := r.Teardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer already closed")
	c.wait(t)

	assert.True(t, p.closed)
	assert.True(t, src.closed)
	assert.NoError(t, c.results[2])
	assert.True(t, errors.Is(c.results[1], bench.ErrRequesterClosed))
	assert.True(t, errors.Is(c.results[3], bench.ErrRequesterClosed))

	err = r.Request(context.Background(), bench.NewRecord("bench", 4))
	assert.True(t, errors.Is(err, bench.ErrRequesterClosed), "got %v", err)
}

package bench

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Benchmark sends a fixed number of records through a Requester and
// measures the latency of every acknowledgment.
type Benchmark struct {
	factory RequesterFactory
	config  RunConfig
	logger  *log.Entry
}

// Option configures a Benchmark.
type Option func(*Benchmark)

// WithLogger sets the logger used for run and per-message events.
func WithLogger(logger *log.Entry) Option {
	return func(b *Benchmark) {
		b.logger = logger
	}
}

// NewBenchmark creates a Benchmark which runs a system benchmark using the
// given RequesterFactory.
func NewBenchmark(factory RequesterFactory, config RunConfig, opts ...Option) *Benchmark {
	b := &Benchmark{
		factory: factory,
		config:  config,
		logger:  log.NewEntry(log.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes the benchmark and returns a summary of the results. Only an
// invalid config or a failed Requester setup is returned as an error;
// per-message failures are logged and leave that message's slot unset.
func (b *Benchmark) Run(ctx context.Context) (*Summary, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger := b.logger.WithFields(log.Fields{
		"run":   runID,
		"topic": b.config.Topic,
		"mode":  b.config.Mode.String(),
	})

	requester := b.factory.GetRequester(0)
	if err := requester.Setup(b.config.Mode); err != nil {
		logger.WithError(err).Error("requester setup failed")
		return nil, &SetupError{Err: err}
	}

	d := &dispatcher{
		config:    b.config,
		requester: requester,
		recorder:  NewRecorder(b.config.Requests),
		logger:    logger,
	}
	if b.config.Rate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(b.config.Rate), 1)
	}

	logger.WithField("requests", b.config.Requests).Info("starting benchmark")
	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.run(ctx)
	}()
	<-done
	elapsed := time.Since(start)

	// completions that fire from here on, including those flushed by
	// Teardown, are not part of the run
	d.recorder.Seal()
	summary := newSummary(runID, b.config, d.recorder, atomic.LoadUint64(&d.failures), elapsed)

	if err := requester.Teardown(); err != nil {
		logger.WithError(err).Warn("requester teardown failed")
	}

	logger.WithFields(log.Fields{
		"recorded": summary.Recorded,
		"unset":    summary.Unset,
		"failures": summary.Failures,
		"elapsed":  elapsed.String(),
	}).Info("benchmark finished")
	return summary, nil
}

// dispatcher is the per-run state of the send loop.
type dispatcher struct {
	failures    uint64
	outstanding int64
	issued      int32

	config    RunConfig
	requester Requester
	recorder  *Recorder
	limiter   *rate.Limiter
	logger    *log.Entry

	// settled is closed once every issued async send has completed
	settled     chan struct{}
	settledOnce sync.Once
}

func (d *dispatcher) run(ctx context.Context) {
	if d.config.Mode == NonBlocking {
		d.runNonBlocking(ctx)
		d.drain(ctx)
		return
	}
	d.runBlocking(ctx)
}

func (d *dispatcher) runBlocking(ctx context.Context) {
	for seq := 1; seq <= d.config.Requests; seq++ {
		if !d.admit(ctx, seq) {
			return
		}
		rec := NewRecord(d.config.Topic, seq)
		start := time.Now()
		err := d.requester.Request(ctx, rec)
		elapsed := time.Since(start)
		if err != nil {
			d.fail(seq, err)
			continue
		}
		d.record(seq, elapsed)
	}
}

func (d *dispatcher) runNonBlocking(ctx context.Context) {
	d.settled = make(chan struct{})
	defer d.issuedAll()
	for seq := 1; seq <= d.config.Requests; seq++ {
		if !d.admit(ctx, seq) {
			return
		}
		seq := seq
		rec := NewRecord(d.config.Topic, seq)
		atomic.AddInt64(&d.outstanding, 1)
		start := time.Now()
		d.requester.RequestAsync(rec, func(err error) {
			elapsed := time.Since(start)
			defer d.completed()
			if d.recorder.Sealed() {
				return
			}
			if err != nil {
				d.fail(seq, err)
				return
			}
			d.logger.WithFields(log.Fields{"seq": seq, "elapsed": elapsed.String()}).Debug("message acknowledged")
			d.record(seq, elapsed)
		})
	}
}

// admit reports whether message seq may be sent, waiting on the rate
// limiter when one is configured.
func (d *dispatcher) admit(ctx context.Context, seq int) bool {
	if err := ctx.Err(); err != nil {
		d.logger.WithField("seq", seq).WithError(err).Warn("run cancelled, remaining messages not sent")
		return false
	}
	if d.limiter == nil {
		return true
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.WithField("seq", seq).WithError(err).Warn("run cancelled, remaining messages not sent")
		return false
	}
	return true
}

func (d *dispatcher) completed() {
	if atomic.AddInt64(&d.outstanding, -1) == 0 && atomic.LoadInt32(&d.issued) == 1 {
		d.settle()
	}
}

func (d *dispatcher) issuedAll() {
	atomic.StoreInt32(&d.issued, 1)
	if atomic.LoadInt64(&d.outstanding) == 0 {
		d.settle()
	}
}

func (d *dispatcher) settle() {
	d.settledOnce.Do(func() { close(d.settled) })
}

// drain waits for the completions of every issued send.
func (d *dispatcher) drain(ctx context.Context) {
	var timeout <-chan time.Time
	if d.config.DrainTimeout > 0 {
		timer := time.NewTimer(d.config.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-d.settled:
	case <-timeout:
		d.logger.WithField("timeout", d.config.DrainTimeout.String()).Warn("gave up waiting for outstanding completions")
	case <-ctx.Done():
		d.logger.WithError(ctx.Err()).Warn("run cancelled while waiting for outstanding completions")
	}
}

func (d *dispatcher) record(seq int, elapsed time.Duration) {
	if err := d.recorder.Record(seq, elapsed); err != nil {
		d.logger.WithField("seq", seq).WithError(err).Error("dropping latency sample")
	}
}

func (d *dispatcher) fail(seq int, err error) {
	atomic.AddUint64(&d.failures, 1)
	d.logger.WithField("seq", seq).WithError(err).Warn("send failed")
}

package bench

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
)

// histogram bounds, in microseconds
const (
	histogramMin     = 1
	histogramMax     = int64(10 * time.Minute / time.Microsecond)
	histogramSigFigs = 3
)

// Percentiles are the percentile points (0-100) written by
// GenerateLatencyDistribution.
type Percentiles []float64

// Logarithmic halves the distance to 100 at every step.
var Logarithmic = Percentiles{
	0.0, 50.0, 75.0, 87.5, 93.75, 96.875, 98.4375, 99.21875, 99.609375,
	99.8046875, 99.90234375, 99.951171875, 99.9755859375, 99.98779296875,
	99.993896484375, 99.9969482421875, 99.99847412109375, 99.99923706054688,
	99.99961853027344, 99.99980926513672, 99.99990463256836, 99.99995231628418,
	99.99997615814209, 99.99998807907104, 99.99999403953552, 99.99999701976776,
	99.99999850988388, 99.99999925494194, 99.99999962747097, 99.99999981373549,
	99.99999990686774, 99.99999995343387, 99.99999997671694, 99.99999998835847,
	99.99999999417923, 99.99999999708962, 99.99999999854481, 99.9999999992724,
	99.9999999996362, 99.9999999998181, 99.99999999990905, 99.99999999995453,
	99.99999999997726, 99.99999999998863, 99.99999999999432, 99.99999999999716,
	99.99999999999858, 99.99999999999929, 99.99999999999964, 99.99999999999982,
	99.99999999999991, 100.0,
}

// Report holds the tail latency percentiles of a run. Unset slots are
// excluded from the population the percentiles are computed over.
type Report struct {
	Median time.Duration
	P99    time.Duration
	P999   time.Duration
	P9999  time.Duration

	Requests int
	Recorded int
	Unset    int
}

// NewReport computes the report over samples. requests is the configured
// message count, used to derive the number of unset slots.
func NewReport(requests int, samples []time.Duration) Report {
	q := ComputePercentiles(samples, Quantiles[:]...)
	unsetCount := requests - len(samples)
	if unsetCount < 0 {
		unsetCount = 0
	}
	return Report{
		Median:   q[0],
		P99:      q[1],
		P999:     q[2],
		P9999:    q[3],
		Requests: requests,
		Recorded: len(samples),
		Unset:    unsetCount,
	}
}

// WriteTo writes the measurement block.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w,
		"@MEASUREMENT:\nMEDIAN = %s us\n99 TAIL = %s us\n99.9 TAIL = %s us\n99.99 TAIL = %s us\n",
		micros(r.Median), micros(r.P99), micros(r.P999), micros(r.P9999))
	return int64(n), err
}

func micros(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/1000.0, 'f', -1, 64)
}

// Summary contains the results of a Benchmark run.
type Summary struct {
	Report
	RunID      string
	Mode       Mode
	Failures   uint64
	Elapsed    time.Duration
	Throughput float64
	Histogram  *hdrhistogram.Histogram
}

func newSummary(runID string, cfg RunConfig, rec *Recorder, failures uint64, elapsed time.Duration) *Summary {
	samples := rec.Samples()
	hist := hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs)
	for _, s := range samples {
		v := int64(s / time.Microsecond)
		if v > histogramMax {
			v = histogramMax
		}
		// bounded above, so RecordValue cannot fail
		_ = hist.RecordValue(v)
	}

	s := &Summary{
		Report:    NewReport(cfg.Requests, samples),
		RunID:     runID,
		Mode:      cfg.Mode,
		Failures:  failures,
		Elapsed:   elapsed,
		Histogram: hist,
	}
	if elapsed > 0 {
		s.Throughput = float64(len(samples)) / elapsed.Seconds()
	}
	return s
}

// String returns a stringified version of the Summary.
func (s *Summary) String() string {
	return fmt.Sprintf(
		"{Mode: %s, Requests: %d, Recorded: %d, Unset: %d, Failures: %d, Elapsed: %s, Throughput: %.2f req/s, "+
			"Median: %s, 99th: %s, 99.9th: %s, 99.99th: %s}",
		s.Mode, s.Requests, s.Recorded, s.Unset, s.Failures, s.Elapsed, s.Throughput,
		s.Median, s.P99, s.P999, s.P9999)
}

// GenerateLatencyDistribution writes the recorded latency distribution, in
// microseconds, to file in the HdrHistogram plot format. A nil percentiles
// uses Logarithmic.
func (s *Summary) GenerateLatencyDistribution(percentiles Percentiles, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrapf(err, "creating distribution file %s", file)
	}
	if err := s.WriteLatencyDistribution(percentiles, f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "closing distribution file %s", file)
}

// WriteLatencyDistribution writes the distribution to w.
func (s *Summary) WriteLatencyDistribution(percentiles Percentiles, w io.Writer) error {
	if percentiles == nil {
		percentiles = Logarithmic
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%12s %12s %12s %12s\n\n", "Value", "Percentile", "TotalCount", "1/(1-Percentile)")
	total := s.Histogram.TotalCount()
	for _, p := range percentiles {
		value := s.Histogram.ValueAtQuantile(p)
		count := int64(math.Ceil(p / 100 * float64(total)))
		if p >= 100 {
			// 1/(1-Percentile) has no finite value for the last row
			fmt.Fprintf(bw, "%12.3f %12f %12d\n", float64(value), p/100, count)
			continue
		}
		fmt.Fprintf(bw, "%12.3f %12f %12d %12.2f\n", float64(value), p/100, count, 1/(1-p/100))
	}
	return errors.Wrap(bw.Flush(), "writing latency distribution")
}

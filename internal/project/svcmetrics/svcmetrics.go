package svcmetrics

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// Config carries what the aggregator needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	// Emit receives one CSV row per (minute, region, type) bucket when the
	// aggregator closes.
	Emit func(row []string) error
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Emit == nil {
		return errors.New("emit func is required")
	}
	return nil
}

type bucketKey struct {
	minute  int64
	region  string
	txnType string
}

type bucket struct {
	latencies  []float64
	retries    int
	timeouts   int
	requests   int
	queueDepth float64
}

// Projector rolls the fact stream up into per-minute service metrics per
// (region, transaction type). It draws no randomness of its own; the rows
// are a pure function of the facts. Buckets flush sorted by minute, region
// and type when the stream closes.
type Projector struct {
	log     *slog.Logger
	emit    func([]string) error
	buckets map[bucketKey]*bucket
	rows    int
}

// New builds the aggregator.
func New(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Projector{
		log:     cfg.Logger,
		emit:    cfg.Emit,
		buckets: make(map[bucketKey]*bucket),
	}, nil
}

// Consume folds one fact into its minute bucket.
func (p *Projector) Consume(f *fact.Fact) error {
	key := bucketKey{
		minute:  f.StartTS.Truncate(time.Minute).Unix(),
		region:  f.OriginRegion,
		txnType: f.TxnType,
	}
	b := p.buckets[key]
	if b == nil {
		b = &bucket{}
		p.buckets[key] = b
	}
	b.latencies = append(b.latencies, f.E2ELatencyMS)
	b.requests++
	b.queueDepth += float64(max(0, f.RetryCount-1))
	if f.RetryCount > 0 {
		b.retries++
	}
	if f.Outcome == fact.OutcomeTimeout {
		b.timeouts++
	}
	return nil
}

// Close flushes every bucket in (minute, region, type) order.
func (p *Projector) Close() error {
	keys := make([]bucketKey, 0, len(p.buckets))
	for key := range p.buckets {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b bucketKey) int {
		if c := cmp.Compare(a.minute, b.minute); c != 0 {
			return c
		}
		if c := cmp.Compare(a.region, b.region); c != 0 {
			return c
		}
		return cmp.Compare(a.txnType, b.txnType)
	})

	for _, key := range keys {
		b := p.buckets[key]
		req := max(1, b.requests)
		err := p.emit([]string{
			tables.FormatSecond(time.Unix(key.minute, 0)),
			key.region,
			key.txnType,
			strconv.Itoa(b.requests),
			strconv.FormatFloat(percentile(b.latencies, 0.5), 'f', 2, 64),
			strconv.FormatFloat(percentile(b.latencies, 0.95), 'f', 2, 64),
			strconv.FormatFloat(float64(b.timeouts)/float64(req), 'f', 4, 64),
			strconv.FormatFloat(float64(b.retries)/float64(req), 'f', 4, 64),
			strconv.FormatFloat(b.queueDepth/float64(req), 'f', 2, 64),
		})
		if err != nil {
			return err
		}
		p.rows++
	}
	p.log.Debug("service metric buckets flushed", "buckets", len(keys))
	return nil
}

// percentile is the simple index estimator the rest of the dataset's
// tooling expects: floor(len*p) on the sorted values, clamped to the last
// element.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := min(len(sorted)-1, int(float64(len(sorted))*p))
	return sorted[idx]
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}

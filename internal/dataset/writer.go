package dataset

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/metrics"
	"github.com/fibersqs/telesim/internal/project/applogs"
	"github.com/fibersqs/telesim/internal/project/inframetrics"
	"github.com/fibersqs/telesim/internal/project/netevents"
	"github.com/fibersqs/telesim/internal/project/netmetrics"
	"github.com/fibersqs/telesim/internal/project/svcmetrics"
	"github.com/fibersqs/telesim/internal/project/tracespans"
	"github.com/fibersqs/telesim/internal/project/tsocalls"
	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
	"github.com/fibersqs/telesim/internal/topology"
	"github.com/fibersqs/telesim/internal/traffic"
)

const defaultWorkers = 4

// Config carries what the writer needs.
type Config struct {
	Logger *slog.Logger
	// Clock stamps run metadata; defaults to the real clock. Simulated
	// time is scenario data and never touches it.
	Clock clockwork.Clock
	// Scenario must already be validated.
	Scenario *scenario.Scenario
	// OutDir receives the table CSVs and run artifacts.
	OutDir string
	// EnableTier2 adds the service_metrics and network_events tables on
	// top of the scenario's own setting.
	EnableTier2 bool
	// Zip packages the directory into the dataset archive after
	// generation. Callers that validate first leave it off and call
	// Archive themselves so the summary lands inside the archive.
	Zip bool
	// Workers bounds the emission pool; defaults to 4.
	Workers int
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.OutDir == "" {
		return errors.New("output directory is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Scenario.EnableTier2 {
		c.EnableTier2 = true
	}
	if c.Workers == 0 {
		c.Workers = defaultWorkers
	}
	if c.Workers < 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// TableReport is one table's generation outcome.
type TableReport struct {
	Table   string
	Rows    int
	Elapsed time.Duration
}

// Report is what one generation run produced.
type Report struct {
	Dataset     string
	Seed        int64
	RunID       string
	OutDir      string
	Archive     string
	GeneratedAt time.Time
	Elapsed     time.Duration
	Tables      []TableReport
	Tso         *tsocalls.Stats
}

// TotalRows sums the emitted rows across tables.
func (r *Report) TotalRows() int {
	var n int
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Writer runs one generation pass: the canonical fact stream fanned out to
// its per-fact projectors, the grid projectors in parallel alongside, and
// the run artifacts (ground truth manifest, README, optional archive) once
// every table file is closed.
type Writer struct {
	log     *slog.Logger
	clock   clockwork.Clock
	scn     *scenario.Scenario
	outDir  string
	tier2   bool
	zip     bool
	workers int
	runID   string
}

// NewWriter builds a writer.
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Writer{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		scn:     cfg.Scenario,
		outDir:  cfg.OutDir,
		tier2:   cfg.EnableTier2,
		zip:     cfg.Zip,
		workers: cfg.Workers,
		runID:   uuid.NewString(),
	}, nil
}

// Run generates the dataset. The fact pass and each grid table run as pool
// tasks; every task owns its output files and derives its own random
// streams, so task scheduling cannot perturb row content.
func (w *Writer) Run(ctx context.Context) (*Report, error) {
	started := w.clock.Now()
	if err := os.MkdirAll(w.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	streams := randstream.New(w.scn.Seed)
	topo, err := topology.Build(topology.Config{Scenario: w.scn, Streams: streams})
	if err != nil {
		return nil, err
	}
	model, err := traffic.New(traffic.Config{Logger: w.log, Scenario: w.scn, Streams: streams})
	if err != nil {
		return nil, err
	}

	w.log.Info("generating dataset",
		"dataset", scenario.DatasetName,
		"run_id", w.runID,
		"out", w.outDir,
		"seed", w.scn.Seed,
		"transactions", w.scn.TransactionTarget(),
		"tier2", w.tier2,
	)

	var tsoStats *tsocalls.Stats
	pool := pond.NewResultPool[[]TableReport](w.workers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)

	group.SubmitErr(func() ([]TableReport, error) {
		reports, stats, err := w.factPass(ctx, streams, topo, model)
		if err != nil {
			return nil, err
		}
		tsoStats = stats
		return reports, nil
	})
	group.SubmitErr(func() ([]TableReport, error) {
		p, err := netmetrics.New(netmetrics.Config{
			Logger:   w.log,
			Scenario: w.scn,
			Topology: topo,
			Traffic:  model,
			Stream:   streams.Stream("network"),
		})
		if err != nil {
			return nil, err
		}
		return w.gridPass(tables.NetworkMetrics, p)
	})
	group.SubmitErr(func() ([]TableReport, error) {
		p, err := inframetrics.New(inframetrics.Config{
			Logger:   w.log,
			Scenario: w.scn,
			Stream:   streams.Stream("infra"),
		})
		if err != nil {
			return nil, err
		}
		return w.gridPass(tables.InfraMetrics, p)
	})
	if w.tier2 {
		group.SubmitErr(func() ([]TableReport, error) {
			p, err := netevents.New(netevents.Config{
				Logger:   w.log,
				Scenario: w.scn,
				Topology: topo,
				Stream:   streams.Stream("netevents"),
			})
			if err != nil {
				return nil, err
			}
			return w.gridPass(tables.NetworkEvents, p)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, err
	}

	order := make(map[string]int)
	for i, id := range tables.All() {
		order[string(id)] = i
	}
	var reports []TableReport
	for _, part := range results {
		reports = append(reports, part...)
	}
	slices.SortFunc(reports, func(a, b TableReport) int {
		return cmp.Compare(order[a.Table], order[b.Table])
	})

	report := &Report{
		Dataset:     scenario.DatasetName,
		Seed:        w.scn.Seed,
		RunID:       w.runID,
		OutDir:      w.outDir,
		GeneratedAt: started.UTC(),
		Tables:      reports,
		Tso:         tsoStats,
	}
	if err := w.writeManifest(report); err != nil {
		return nil, err
	}
	if err := w.writeReadme(report); err != nil {
		return nil, err
	}
	// The scenario rides along so validate can recompute against the
	// exact configuration that produced the tables.
	if err := scenario.Save(filepath.Join(w.outDir, ScenarioFile), w.scn); err != nil {
		return nil, err
	}
	if w.zip {
		archive, err := Archive(w.log, w.outDir)
		if err != nil {
			return nil, err
		}
		report.Archive = archive
	}
	report.Elapsed = w.clock.Since(started)

	w.observe(report)
	w.log.Info("dataset complete",
		"rows", report.TotalRows(),
		"tables", len(report.Tables),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func (w *Writer) observe(report *Report) {
	for _, t := range report.Tables {
		metrics.RowsWritten.WithLabelValues(t.Table).Add(float64(t.Rows))
		if t.Table == string(tables.TxnFacts) {
			metrics.FactsGenerated.Add(float64(t.Rows))
		}
	}
	if report.Tso != nil {
		for class, n := range report.Tso.NoiseCounts {
			metrics.TsoNoise.WithLabelValues(class).Add(float64(n))
		}
	}
	metrics.GenerateSeconds.Set(report.Elapsed.Seconds())
}

// factPass runs the canonical stream once, writing the facts table and
// feeding every per-fact projector in a fixed order. Each projector draws
// from its own named stream, so the fan-out order only affects file
// interleaving, never row content.
func (w *Writer) factPass(ctx context.Context, streams *randstream.Manager, topo *topology.Topology, model *traffic.Model) ([]TableReport, *tsocalls.Stats, error) {
	started := w.clock.Now()

	var files []*csvFile
	open := func(id tables.ID) (*csvFile, error) {
		f, err := newCSVFile(w.outDir, id)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}
	discard := func() {
		for _, f := range files {
			f.Close()
		}
	}

	factsFile, err := open(tables.TxnFacts)
	if err != nil {
		return nil, nil, err
	}
	logsFile, err := open(tables.AppLogs)
	if err != nil {
		discard()
		return nil, nil, err
	}
	spansFile, err := open(tables.TraceSpans)
	if err != nil {
		discard()
		return nil, nil, err
	}
	callsFile, err := open(tables.TsoCalls)
	if err != nil {
		discard()
		return nil, nil, err
	}

	logs, err := applogs.New(applogs.Config{
		Logger:   w.log,
		Scenario: w.scn,
		Stream:   streams.Stream("applogs"),
		Emit:     logsFile.Write,
	})
	if err != nil {
		discard()
		return nil, nil, err
	}
	spans, err := tracespans.New(tracespans.Config{
		Logger:   w.log,
		Scenario: w.scn,
		Stream:   streams.Stream("tracespans"),
		Emit:     spansFile.Write,
	})
	if err != nil {
		discard()
		return nil, nil, err
	}
	calls, err := tsocalls.New(tsocalls.Config{
		Logger:   w.log,
		Scenario: w.scn,
		Registry: fact.NewRegistry(),
		Stream:   streams.Stream("tsocalls"),
		Emit:     callsFile.Write,
	})
	if err != nil {
		discard()
		return nil, nil, err
	}
	var svc *svcmetrics.Projector
	var svcFile *csvFile
	if w.tier2 {
		svcFile, err = open(tables.ServiceMetrics)
		if err != nil {
			discard()
			return nil, nil, err
		}
		svc, err = svcmetrics.New(svcmetrics.Config{
			Logger:   w.log,
			Scenario: w.scn,
			Emit:     svcFile.Write,
		})
		if err != nil {
			discard()
			return nil, nil, err
		}
	}

	gen, err := fact.NewGenerator(fact.GeneratorConfig{
		Logger:   w.log,
		Scenario: w.scn,
		Topology: topo,
		Traffic:  model,
		Streams:  streams,
	})
	if err != nil {
		discard()
		return nil, nil, err
	}

	err = gen.Run(ctx, func(f *fact.Fact) error {
		if err := factsFile.Write(factRow(f)); err != nil {
			return err
		}
		if err := logs.Consume(f); err != nil {
			return err
		}
		if err := spans.Consume(f); err != nil {
			return err
		}
		if err := calls.Consume(f); err != nil {
			return err
		}
		if svc != nil {
			return svc.Consume(f)
		}
		return nil
	})
	if err != nil {
		discard()
		return nil, nil, fmt.Errorf("fact pass: %w", err)
	}

	// The aggregate projector buffers; Close flushes its rows.
	closers := []func() error{logs.Close, spans.Close, calls.Close}
	if svc != nil {
		closers = append(closers, svc.Close)
	}
	for _, fn := range closers {
		if err := fn(); err != nil {
			discard()
			return nil, nil, err
		}
	}
	for _, f := range files {
		if err := f.Close(); err != nil {
			return nil, nil, err
		}
	}

	elapsed := w.clock.Since(started)
	reports := []TableReport{
		{Table: string(tables.TxnFacts), Rows: factsFile.rows, Elapsed: elapsed},
		{Table: string(tables.AppLogs), Rows: logsFile.rows, Elapsed: elapsed},
		{Table: string(tables.TraceSpans), Rows: spansFile.rows, Elapsed: elapsed},
		{Table: string(tables.TsoCalls), Rows: callsFile.rows, Elapsed: elapsed},
	}
	if svcFile != nil {
		reports = append(reports, TableReport{Table: string(tables.ServiceMetrics), Rows: svcFile.rows, Elapsed: elapsed})
	}
	return reports, calls.Stats(), nil
}

// gridProjector is the shape both time-grid projectors and the event
// projector share.
type gridProjector interface {
	Emit(fn func(row []string) error) error
	Rows() int
}

func (w *Writer) gridPass(id tables.ID, p gridProjector) ([]TableReport, error) {
	started := w.clock.Now()
	file, err := newCSVFile(w.outDir, id)
	if err != nil {
		return nil, err
	}
	if err := p.Emit(file.Write); err != nil {
		file.Close()
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if err := file.Close(); err != nil {
		return nil, err
	}
	return []TableReport{{Table: string(id), Rows: file.rows, Elapsed: w.clock.Since(started)}}, nil
}

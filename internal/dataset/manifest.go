package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fibersqs/telesim/internal/project/tsocalls"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// Artifact file names written next to the table CSVs.
const (
	GroundTruthFile = "ground_truth.json"
	ReadmeFile      = "README.md"
	ScenarioFile    = "scenario.yaml"
)

// manifest is the ground truth contract: everything a grader needs to
// score an investigation against the dataset without reading the
// generator. Table rows never carry any of it.
type manifest struct {
	Dataset     string               `json:"dataset"`
	RunID       string               `json:"run_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Seed        int64                `json:"seed"`
	Window      manifestWindow       `json:"window"`
	Incident    manifestIncident     `json:"incident"`
	Confounders []manifestConfounder `json:"confounders"`
	Tables      []manifestTable      `json:"tables"`
	Tso         *tsocalls.Stats      `json:"tso"`
}

type manifestWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type manifestIncident struct {
	CircuitID        string    `json:"circuit_id"`
	SrcRegion        string    `json:"src_region"`
	DstRegion        string    `json:"dst_region"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	FixTime          time.Time `json:"fix_time"`
	AffectedTxnTypes []string  `json:"affected_txn_types"`
}

type manifestConfounder struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Region      string    `json:"region"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
}

type manifestTable struct {
	Table string `json:"table"`
	File  string `json:"file"`
	Rows  int    `json:"rows"`
}

func (w *Writer) writeManifest(report *Report) error {
	inc := w.scn.Incident
	m := manifest{
		Dataset:     report.Dataset,
		RunID:       report.RunID,
		GeneratedAt: report.GeneratedAt,
		Seed:        report.Seed,
		Window: manifestWindow{
			Start: w.scn.Window.Start,
			End:   w.scn.Window.End,
		},
		Incident: manifestIncident{
			CircuitID:        inc.CircuitID,
			SrcRegion:        inc.SrcRegion,
			DstRegion:        inc.DstRegion,
			Start:            inc.Start,
			End:              inc.End,
			FixTime:          inc.FixTime,
			AffectedTxnTypes: inc.AffectedTxnTypes,
		},
		Confounders: make([]manifestConfounder, 0, len(w.scn.Confounders)),
		Tso:         report.Tso,
	}
	for _, c := range w.scn.Confounders {
		m.Confounders = append(m.Confounders, manifestConfounder{
			Name:        c.Name,
			Kind:        string(c.Kind),
			Region:      c.Region,
			Start:       c.Start,
			End:         c.End,
			Description: c.Description,
		})
	}
	for _, t := range report.Tables {
		info, _ := tables.Lookup(tables.ID(t.Table))
		m.Tables = append(m.Tables, manifestTable{
			Table: t.Table,
			File:  info.FileName(),
			Rows:  t.Rows,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ground truth: %w", err)
	}
	path := filepath.Join(w.outDir, GroundTruthFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write ground truth: %w", err)
	}
	return nil
}

// tableBlurbs describe each table in the README; keys are table IDs.
var tableBlurbs = map[tables.ID]string{
	tables.TxnFacts:       "canonical transaction facts; ground truth for every derived table",
	tables.AppLogs:        "application log events per transaction, skewed and jittered",
	tables.TraceSpans:     "distributed trace chains with deliberate clock drift",
	tables.NetworkMetrics: "per-circuit minute grid of RTT, loss, retransmits and throughput",
	tables.InfraMetrics:   "per-host five-minute grid of CPU, memory, disk and NIC errors",
	tables.TsoCalls:       "support call records with rate-controlled linkage noise",
	tables.ServiceMetrics: "tier-2 per-minute service aggregates",
	tables.NetworkEvents:  "tier-2 network alert events",
}

func (w *Writer) writeReadme(report *Report) error {
	f, err := os.Create(filepath.Join(w.outDir, ReadmeFile))
	if err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	fmt.Fprintf(f, "# %s\n\n", report.Dataset)
	fmt.Fprintf(f, "Synthetic FiberSQS observability dataset covering %s to %s (UTC),\n",
		w.scn.Window.Start.Format(time.DateOnly), w.scn.Window.End.Format(time.DateOnly))
	fmt.Fprintf(f, "generated from seed %d (run %s). One cross-region incident and %d\n",
		report.Seed, report.RunID, len(w.scn.Confounders))
	fmt.Fprintf(f, "confounders are hidden in the tables; %s holds the answers.\n\n", GroundTruthFile)
	fmt.Fprintf(f, "| file | rows | contents |\n|---|---|---|\n")
	for _, t := range report.Tables {
		info, _ := tables.Lookup(tables.ID(t.Table))
		fmt.Fprintf(f, "| %s | %d | %s |\n", info.FileName(), t.Rows, tableBlurbs[info.ID])
	}
	fmt.Fprintf(f, "\nAll timestamps are UTC and lie inside the dataset window. Regenerating\n")
	fmt.Fprintf(f, "with the same seed and scenario reproduces every table byte for byte.\n")
	if err := f.Close(); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	return nil
}

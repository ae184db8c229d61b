package tables

import (
	"fmt"
	"time"
)

// ID identifies one dataset table. The set is a fixed enumeration; schema
// and projector selection happen by static lookup, never by matching file
// name prefixes.
type ID string

const (
	TxnFacts       ID = "txn_facts"
	AppLogs        ID = "app_logs"
	TraceSpans     ID = "trace_spans"
	NetworkMetrics ID = "network_circuit_metrics"
	InfraMetrics   ID = "infra_host_metrics"
	TsoCalls       ID = "tso_calls"
	ServiceMetrics ID = "service_metrics"
	NetworkEvents  ID = "network_events"
)

// Timestamp encodings. Facts, logs and spans carry microsecond precision;
// grid metrics, TSO calls and events are second precision. All UTC.
const (
	TimeLayoutMicro  = "2006-01-02T15:04:05.000000Z"
	TimeLayoutSecond = "2006-01-02T15:04:05Z"
)

// FormatMicro renders ts in the microsecond table encoding.
func FormatMicro(ts time.Time) string {
	return ts.UTC().Format(TimeLayoutMicro)
}

// FormatSecond renders ts in the second table encoding.
func FormatSecond(ts time.Time) string {
	return ts.UTC().Format(TimeLayoutSecond)
}

// Column is one column with its warehouse type (VARCHAR, TIMESTAMP,
// DOUBLE, BIGINT or BOOLEAN; loaders map these to engine types).
type Column struct {
	Name string
	Type string
}

// Info describes one table: its columns in emission order, the column
// loaders order and partition on, and whether it belongs to tier 2.
type Info struct {
	ID         ID
	TimeColumn string
	Tier2      bool
	Columns    []Column
}

// Header returns the CSV header row.
func (i Info) Header() []string {
	names := make([]string, len(i.Columns))
	for n, c := range i.Columns {
		names[n] = c.Name
	}
	return names
}

// FileName returns the table's CSV file name inside the data directory.
func (i Info) FileName() string {
	return "clickhouse-" + string(i.ID) + ".csv"
}

// All returns every table ID in canonical emission order.
func All() []ID {
	return []ID{
		TxnFacts,
		AppLogs,
		TraceSpans,
		NetworkMetrics,
		InfraMetrics,
		TsoCalls,
		ServiceMetrics,
		NetworkEvents,
	}
}

// Enabled returns the tables emitted for a generation run. Tier-1 tables
// are always on; tier2 adds the aggregate and alert tables.
func Enabled(tier2 bool) []ID {
	var ids []ID
	for _, id := range All() {
		info, _ := Lookup(id)
		if info.Tier2 && !tier2 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the schema for id.
func Lookup(id ID) (Info, bool) {
	for _, info := range infos {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}

// Parse maps a user-supplied table name to its ID.
func Parse(name string) (ID, error) {
	if _, ok := Lookup(ID(name)); !ok {
		return "", fmt.Errorf("unknown table %q", name)
	}
	return ID(name), nil
}

var infos = []Info{
	{
		ID:         TxnFacts,
		TimeColumn: "start_ts",
		Columns: []Column{
			{Name: "transaction_id", Type: "VARCHAR"},
			{Name: "customer_id", Type: "VARCHAR"},
			{Name: "origin_region", Type: "VARCHAR"},
			{Name: "txn_type", Type: "VARCHAR"},
			{Name: "start_ts", Type: "TIMESTAMP"},
			{Name: "end_ts", Type: "TIMESTAMP"},
			{Name: "outcome", Type: "VARCHAR"},
			{Name: "error_code", Type: "VARCHAR"},
			{Name: "end_to_end_latency_ms", Type: "DOUBLE"},
		},
	},
	{
		ID:         AppLogs,
		TimeColumn: "timestamp",
		Columns: []Column{
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "region", Type: "VARCHAR"},
			{Name: "cluster", Type: "VARCHAR"},
			{Name: "service", Type: "VARCHAR"},
			{Name: "host", Type: "VARCHAR"},
			{Name: "level", Type: "VARCHAR"},
			{Name: "transaction_id", Type: "VARCHAR"},
			{Name: "trace_id", Type: "VARCHAR"},
			{Name: "span_id", Type: "VARCHAR"},
			{Name: "customer_id", Type: "VARCHAR"},
			{Name: "transaction_type", Type: "VARCHAR"},
			{Name: "event", Type: "VARCHAR"},
			{Name: "dependency_region", Type: "VARCHAR"},
			{Name: "dependency_service", Type: "VARCHAR"},
			{Name: "dependency_latency_ms", Type: "DOUBLE"},
			{Name: "end_to_end_latency_ms", Type: "DOUBLE"},
			{Name: "http_status", Type: "VARCHAR"},
			{Name: "error_code", Type: "VARCHAR"},
			{Name: "circuit_id", Type: "VARCHAR"},
			{Name: "message", Type: "VARCHAR"},
		},
	},
	{
		ID:         TraceSpans,
		TimeColumn: "timestamp",
		Columns: []Column{
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "trace_id", Type: "VARCHAR"},
			{Name: "span_id", Type: "VARCHAR"},
			{Name: "parent_span_id", Type: "VARCHAR"},
			{Name: "transaction_id", Type: "VARCHAR"},
			{Name: "region", Type: "VARCHAR"},
			{Name: "service", Type: "VARCHAR"},
			{Name: "operation", Type: "VARCHAR"},
			{Name: "duration_ms", Type: "DOUBLE"},
			{Name: "status", Type: "VARCHAR"},
			{Name: "circuit_id", Type: "VARCHAR"},
		},
	},
	{
		ID:         NetworkMetrics,
		TimeColumn: "timestamp",
		Columns: []Column{
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "src_region", Type: "VARCHAR"},
			{Name: "dst_region", Type: "VARCHAR"},
			{Name: "circuit_id", Type: "VARCHAR"},
			{Name: "rtt_ms", Type: "DOUBLE"},
			{Name: "packet_loss_pct", Type: "DOUBLE"},
			{Name: "retransmits_per_s", Type: "DOUBLE"},
			{Name: "throughput_mbps", Type: "DOUBLE"},
		},
	},
	{
		ID:         InfraMetrics,
		TimeColumn: "timestamp",
		Columns: []Column{
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "region", Type: "VARCHAR"},
			{Name: "host", Type: "VARCHAR"},
			{Name: "cpu_pct", Type: "DOUBLE"},
			{Name: "mem_pct", Type: "DOUBLE"},
			{Name: "disk_io_util_pct", Type: "DOUBLE"},
			{Name: "net_errs_per_s", Type: "DOUBLE"},
		},
	},
	{
		ID:         TsoCalls,
		TimeColumn: "timestamp",
		Columns: []Column{
			{Name: "call_id", Type: "VARCHAR"},
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "customer_id", Type: "VARCHAR"},
			{Name: "customer_region", Type: "VARCHAR"},
			{Name: "issue_category", Type: "VARCHAR"},
			{Name: "issue_description", Type: "VARCHAR"},
			{Name: "service_type", Type: "VARCHAR"},
			{Name: "transaction_id", Type: "VARCHAR"},
			{Name: "resolution_time_minutes", Type: "BIGINT"},
			{Name: "escalated", Type: "BOOLEAN"},
			{Name: "resolution_code", Type: "VARCHAR"},
		},
	},
	{
		ID:         ServiceMetrics,
		TimeColumn: "timestamp",
		Tier2:      true,
		Columns: []Column{
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "region", Type: "VARCHAR"},
			{Name: "transaction_type", Type: "VARCHAR"},
			{Name: "req_count", Type: "BIGINT"},
			{Name: "p50_latency_ms", Type: "DOUBLE"},
			{Name: "p95_latency_ms", Type: "DOUBLE"},
			{Name: "timeout_rate", Type: "DOUBLE"},
			{Name: "retry_rate", Type: "DOUBLE"},
			{Name: "queue_depth", Type: "DOUBLE"},
		},
	},
	{
		ID:         NetworkEvents,
		TimeColumn: "timestamp",
		Tier2:      true,
		Columns: []Column{
			{Name: "event_id", Type: "VARCHAR"},
			{Name: "timestamp", Type: "TIMESTAMP"},
			{Name: "event_type", Type: "VARCHAR"},
			{Name: "src_region", Type: "VARCHAR"},
			{Name: "dst_region", Type: "VARCHAR"},
			{Name: "circuit_id", Type: "VARCHAR"},
			{Name: "severity", Type: "VARCHAR"},
			{Name: "description", Type: "VARCHAR"},
		},
	},
}

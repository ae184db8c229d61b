// Package kafka publishes a generated dataset to Kafka, one topic per
// table with one JSON record per row.
package kafka

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kversion"

	"github.com/fibersqs/telesim/internal/tables"
)

const (
	defaultTopicPrefix = "telesim"
	defaultBatchRows   = 1_000
)

// Config describes one publish run.
type Config struct {
	Logger *slog.Logger

	// Dir is the dataset directory holding the table CSVs.
	Dir string

	Brokers []string

	// TopicPrefix names the per table topics "<prefix>-<table>";
	// defaults to "telesim".
	TopicPrefix string

	// Partitions and Replication apply when topics are created; both
	// default to 1.
	Partitions  int
	Replication int

	// BatchRows caps the records per synchronous produce; defaults to
	// 1000.
	BatchRows int
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dir == "" {
		return errors.New("dataset directory is required")
	}
	if len(c.Brokers) == 0 {
		return errors.New("brokers are required")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.Partitions == 0 {
		c.Partitions = 1
	}
	if c.Replication == 0 {
		c.Replication = 1
	}
	if c.BatchRows == 0 {
		c.BatchRows = defaultBatchRows
	}
	if c.Partitions < 0 || c.Replication < 0 || c.BatchRows < 0 {
		return errors.New("partitions, replication and batch rows must be positive")
	}
	return nil
}

// TablePublish reports one table published to its topic.
type TablePublish struct {
	Table string
	Topic string
	Rows  int64
}

type Publisher struct {
	log *slog.Logger
	cfg Config
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

// Publish creates one topic per dataset CSV found in the dataset
// directory and produces every row as a JSON record. Rows with a
// transaction_id column are keyed by it so one transaction's records
// stay on one partition.
func (p *Publisher) Publish(ctx context.Context) ([]TablePublish, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(p.cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(1*time.Second),
		kgo.MaxVersions(kversion.V2_8_0()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer client.Close()

	adm := kadm.NewClient(client)
	var published []TablePublish
	for _, id := range tables.All() {
		info, _ := tables.Lookup(id)
		path := filepath.Join(p.cfg.Dir, info.FileName())
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			// Tier 2 tables are absent from tier 1 datasets.
			continue
		}

		topic := topicName(p.cfg.TopicPrefix, id)
		if err := p.ensureTopic(ctx, adm, topic); err != nil {
			return nil, err
		}
		start := time.Now()
		rows, err := p.publishTable(ctx, client, info, topic, path)
		if err != nil {
			return nil, fmt.Errorf("publish %s: %w", id, err)
		}
		p.log.Info("published table", "table", id, "topic", topic, "rows", rows, "duration", time.Since(start).String())
		published = append(published, TablePublish{Table: string(id), Topic: topic, Rows: rows})
	}
	if len(published) == 0 {
		return nil, fmt.Errorf("no dataset tables found in %s", p.cfg.Dir)
	}
	return published, nil
}

func (p *Publisher) ensureTopic(ctx context.Context, adm *kadm.Client, topic string) error {
	_, err := adm.CreateTopic(ctx, int32(p.cfg.Partitions), int16(p.cfg.Replication), nil, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) publishTable(ctx context.Context, client *kgo.Client, info tables.Info, topic, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read %s header: %w", info.FileName(), err)
	}
	if !slices.Equal(header, info.Header()) {
		return 0, fmt.Errorf("%s header mismatch", info.FileName())
	}
	keyIdx := keyIndex(info)

	var (
		total int64
		recs  []*kgo.Record
	)
	flush := func() error {
		if len(recs) == 0 {
			return nil
		}
		if err := client.ProduceSync(ctx, recs...).FirstErr(); err != nil {
			return fmt.Errorf("produce failed: %w", err)
		}
		total += int64(len(recs))
		recs = recs[:0]
		return nil
	}

	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", info.FileName(), err)
		}
		rec, err := newRecord(topic, keyIdx, info, record)
		if err != nil {
			return 0, fmt.Errorf("%s line %d: %w", info.FileName(), line, err)
		}
		recs = append(recs, rec)
		if len(recs) >= p.cfg.BatchRows {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

func topicName(prefix string, id tables.ID) string {
	return fmt.Sprintf("%s-%s", prefix, id)
}

// keyIndex returns the transaction_id column index, or -1 for tables
// without one.
func keyIndex(info tables.Info) int {
	return slices.Index(info.Header(), "transaction_id")
}

// newRecord renders one CSV row as a JSON record. Numeric and boolean
// columns keep their types; empty metric columns become JSON null.
func newRecord(topic string, keyIdx int, info tables.Info, record []string) (*kgo.Record, error) {
	if len(record) != len(info.Columns) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(info.Columns), len(record))
	}
	row := make(map[string]any, len(record))
	for i, col := range info.Columns {
		raw := record[i]
		switch col.Type {
		case "DOUBLE":
			if raw == "" {
				row[col.Name] = nil
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[col.Name] = v
		case "BIGINT":
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[col.Name] = v
		case "BOOLEAN":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[col.Name] = v
		default:
			// Timestamps travel as their table encoding.
			row[col.Name] = raw
		}
	}
	value, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}

	rec := &kgo.Record{Topic: topic, Value: value}
	if keyIdx >= 0 && record[keyIdx] != "" {
		rec.Key = []byte(record[keyIdx])
	}
	return rec, nil
}

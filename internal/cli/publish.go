package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/sink/kafka"
)

type PublishCmd struct{}

func NewPublishCmd() *PublishCmd {
	return &PublishCmd{}
}

func (c *PublishCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a generated dataset to a message broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(
		NewPublishKafkaCmd().Command(),
	)

	return cmd
}

type PublishKafkaCmd struct{}

func NewPublishKafkaCmd() *PublishKafkaCmd {
	return &PublishKafkaCmd{}
}

func (c *PublishKafkaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Produce the dataset rows as JSON records, one topic per table",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			brokers, err := cmd.Flags().GetStringSlice("brokers")
			if err != nil {
				return fmt.Errorf("failed to get brokers flag: %w", err)
			}
			topicPrefix, err := cmd.Flags().GetString("topic-prefix")
			if err != nil {
				return fmt.Errorf("failed to get topic-prefix flag: %w", err)
			}
			partitions, err := cmd.Flags().GetInt("partitions")
			if err != nil {
				return fmt.Errorf("failed to get partitions flag: %w", err)
			}
			replication, err := cmd.Flags().GetInt("replication")
			if err != nil {
				return fmt.Errorf("failed to get replication flag: %w", err)
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			publisher, err := kafka.NewPublisher(kafka.Config{
				Logger:      log,
				Dir:         dir,
				Brokers:     brokers,
				TopicPrefix: topicPrefix,
				Partitions:  partitions,
				Replication: replication,
			})
			if err != nil {
				return fmt.Errorf("failed to create publisher: %w", err)
			}
			publishes, err := publisher.Publish(ctx)
			if err != nil {
				log.Error("Failed to publish dataset", "error", err)
				os.Exit(1)
			}

			table := newTable("Table", "Topic", "Rows")
			for _, p := range publishes {
				table.Append([]string{p.Table, p.Topic, fmt.Sprintf("%d", p.Rows)})
			}
			table.Render()

			return nil
		},
	}

	cmd.Flags().String("dir", "dataset", "Dataset directory holding the table CSVs")
	cmd.Flags().StringSlice("brokers", []string{"localhost:9092"}, "Kafka broker addresses")
	cmd.Flags().String("topic-prefix", "", "Topic name prefix (default telesim)")
	cmd.Flags().Int("partitions", 1, "Partitions for created topics")
	cmd.Flags().Int("replication", 1, "Replication factor for created topics")

	return cmd
}

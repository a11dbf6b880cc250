package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"escrow/internal/platform/config"
	"escrow/internal/platform/kafka"
)

func kafkaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Kafka topic administration",
	}
	cmd.AddCommand(kafkaEnsureTopicsCmd())
	return cmd
}

func kafkaEnsureTopicsCmd() *cobra.Command {
	var (
		partitions  int32
		replication int16
	)
	cmd := &cobra.Command{
		Use:   "ensure-topics",
		Short: "Create the notification and audit topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			client, err := kafka.NewClient(cfg.Kafka)
			if err != nil {
				return err
			}
			if client == nil {
				return errors.New("KAFKA_BROKERS is required")
			}
			defer client.Close()

			topics := []string{cfg.Kafka.NotificationsTopic, cfg.Kafka.AuditTopic}
			if err := kafka.EnsureTopics(cmd.Context(), client, partitions, replication, topics...); err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintf(cmd.OutOrStdout(), "topic %s ready\n", t)
			}
			return nil
		},
	}
	cmd.Flags().Int32Var(&partitions, "partitions", 3, "Partitions per topic")
	cmd.Flags().Int16Var(&replication, "replication", 1, "Replication factor per topic")
	return cmd
}

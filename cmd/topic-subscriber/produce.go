package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/broker/kafka"
)

var produceKey string

var produceCmd = &cobra.Command{
	Use:   "produce <topic> <value>...",
	Short: "Produce values to a topic",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return produce(cmd.Context(), args[0], args[1:])
	},
}

func init() {
	produceCmd.Flags().StringVar(&produceKey, "key", "", "Record key, used to pick the partition")
}

func produce(ctx context.Context, topic string, values []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	producer, err := kafka.NewProducer(config.KafkaSeedBrokers, logger)
	if err != nil {
		return fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	defer producer.Close()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, v := range values {
		msg := &broker.Message{Topic: topic, Value: []byte(v)}
		if produceKey != "" {
			msg.Key = []byte(produceKey)
		}

		wg.Add(1)
		producer.ProduceAsync(ctx, msg, func(receipt *broker.ProduceReceipt, err error) {
			defer wg.Done()
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			logger.Info("Message produced", zap.String("topic", topic), zap.Int32("partition", receipt.Partition), zap.Int64("offset", receipt.Offset))
		})
	}

	flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := producer.Flush(flushCtx); err != nil {
		return fmt.Errorf("failed to flush producer: %w", err)
	}
	wg.Wait()

	return errors.Join(errs...)
}

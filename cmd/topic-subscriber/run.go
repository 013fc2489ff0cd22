package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/tnewman/topic-subscriber/pkg/broker"
	"github.com/tnewman/topic-subscriber/pkg/broker/kafka"
	"github.com/tnewman/topic-subscriber/pkg/subscriber"
)

const healthService = "topic-subscriber"

var runCmd = &cobra.Command{
	Use:   "run <topic>",
	Short: "Subscribe to a topic and log every message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		partitions, err := partitionsFlag()
		if err != nil {
			return err
		}
		return runSubscriber(args[0], partitions)
	},
}

func init() {
	flags := runCmd.Flags()

	flags.IntSlice("partitions", nil, "Partitions to consume (default all)")
	viper.BindPFlag("partitions", flags.Lookup("partitions"))

	flags.String("kafka-consumer-group", "topic-subscriber", "Kafka consumer group acknowledged offsets are committed to")
	viper.BindPFlag("kafka-consumer-group", flags.Lookup("kafka-consumer-group"))

	flags.String("begin-offset", string(broker.OffsetLatest), "Where partitions without a committed offset start (earliest or latest)")
	viper.BindPFlag("begin-offset", flags.Lookup("begin-offset"))

	flags.Int("prefetch-count", 10, "Unacknowledged messages per partition before fetching pauses")
	viper.BindPFlag("prefetch-count", flags.Lookup("prefetch-count"))

	flags.Duration("kafka-commit-interval", 5*time.Second, "Interval for committing Kafka offsets")
	viper.BindPFlag("kafka-commit-interval", flags.Lookup("kafka-commit-interval"))

	flags.Duration("resubscribe-interval", subscriber.DefaultResubscribeInterval, "Interval for retrying partitions without a consumer")
	viper.BindPFlag("resubscribe-interval", flags.Lookup("resubscribe-interval"))

	flags.String("grpc-port", "50051", "Port for the gRPC health server to listen on")
	viper.BindPFlag("grpc-port", flags.Lookup("grpc-port"))

	flags.String("metrics-addr", ":9090", "Address serving Prometheus metrics on /metrics")
	viper.BindPFlag("metrics-addr", flags.Lookup("metrics-addr"))
}

func partitionsFlag() ([]int32, error) {
	var partitions []int32
	for _, p := range viper.GetIntSlice("partitions") {
		if p < 0 || p > 1<<31-1 {
			return nil, fmt.Errorf("invalid partition %d", p)
		}
		partitions = append(partitions, int32(p))
	}
	return partitions, nil
}

func runSubscriber(topic string, partitions []int32) error {
	logger.Info("Starting topic subscriber...", zap.String("topic", topic), zap.Any("config", config))

	client, err := kafka.NewClient(kafka.Config{
		SeedBrokers: config.KafkaSeedBrokers,
		ClientID:    config.ClientID,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close Kafka client", zap.Error(err))
		}
	}()

	acks := make(chan subscriber.AckRef, 1)
	handler := &logHandler{offsets: client, group: config.ConsumerGroup, acks: acks, logger: logger}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	sub, err := subscriber.Start[int64](startCtx, client, subscriber.Config{
		Topic:      topic,
		Partitions: partitions,
		Consumer: broker.ConsumerConfig{
			Group:          config.ConsumerGroup,
			BeginOffset:    broker.OffsetReset(config.BeginOffset),
			PrefetchCount:  config.PrefetchCount,
			CommitInterval: config.KafkaCommitInterval,
		},
		ResubscribeInterval: config.ResubscribeInterval,
		Logger:              logger,
	}, handler, nil)
	if err != nil {
		return fmt.Errorf("failed to start subscriber: %w", err)
	}
	go ackWorker(sub, acks)

	// --- gRPC health server ---
	lis, err := net.Listen("tcp", ":"+config.GRPCPort)
	if err != nil {
		_ = sub.Stop()
		return fmt.Errorf("failed to listen on port %s: %w", config.GRPCPort, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	logger.Info("gRPC health server starting", zap.String("port", config.GRPCPort))
	go func() {
		if serveErr := grpcServer.Serve(lis); serveErr != nil {
			logger.Error("gRPC server failed to serve", zap.Error(serveErr))
		}
	}()

	// --- Metrics ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// --- Wait for a signal or subscriber termination ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		logger.Info("Shutting down subscriber...")
		runErr = sub.Stop()
	case <-sub.Done():
		runErr = sub.Err()
		logger.Error("Topic subscriber terminated", zap.Error(runErr))
	}
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC server did not stop gracefully within timeout, forcing shutdown.")
		grpcServer.Stop()
	}

	logger.Info("Subscriber stopped.")
	return runErr
}

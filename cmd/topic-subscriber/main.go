package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configurable parameters for the CLI.
type Config struct {
	KafkaSeedBrokers    []string      `mapstructure:"kafka-seed-brokers"`
	ClientID            string        `mapstructure:"client-id"`
	ConsumerGroup       string        `mapstructure:"kafka-consumer-group"`
	BeginOffset         string        `mapstructure:"begin-offset"`
	PrefetchCount       int           `mapstructure:"prefetch-count"`
	KafkaCommitInterval time.Duration `mapstructure:"kafka-commit-interval"`
	ResubscribeInterval time.Duration `mapstructure:"resubscribe-interval"`
	GRPCPort            string        `mapstructure:"grpc-port"`
	MetricsAddr         string        `mapstructure:"metrics-addr"`
	LogDevelopment      bool          `mapstructure:"log-development"`
}

var cfgFile string
var config Config
var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "topic-subscriber",
	Short: "Consume a Kafka topic one message at a time",
	Long: `Consumes the partitions of a Kafka topic through a single-flight handler,
acknowledging each message before the next is dispatched.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if config.LogDevelopment {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.topic-subscriber.yaml)")

	flags.StringSlice("kafka-seed-brokers", []string{"localhost:9092"}, "Comma-separated list of Kafka seed brokers")
	viper.BindPFlag("kafka-seed-brokers", flags.Lookup("kafka-seed-brokers"))

	flags.String("client-id", "topic-subscriber", "Client id prefix sent to the brokers")
	viper.BindPFlag("client-id", flags.Lookup("client-id"))

	flags.Bool("log-development", false, "Use the human-friendly development logger")
	viper.BindPFlag("log-development", flags.Lookup("log-development"))

	rootCmd.AddCommand(runCmd, produceCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".topic-subscriber")
	}

	viper.SetEnvPrefix("TOPIC_SUBSCRIBER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
		cobra.CheckErr(err)
	}

	cobra.CheckErr(viper.Unmarshal(&config))
}

func main() {
	Execute()
}

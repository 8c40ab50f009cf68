package cli

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	bench "github.com/ssd532/producer-bench"
)

// EnvPrefix prefixes environment variables overriding flags, e.g.
// PRODBENCH_REQUESTS.
const EnvPrefix = "PRODBENCH"

// Settings is the process configuration, read once at startup.
type Settings struct {
	System           string        `mapstructure:"system"`
	Brokers          []string      `mapstructure:"brokers"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Topic            string        `mapstructure:"topic"`
	Async            bool          `mapstructure:"async"`
	Requests         int           `mapstructure:"requests"`
	ClientID         string        `mapstructure:"client-id"`
	Rate             float64       `mapstructure:"rate"`
	DrainTimeout     time.Duration `mapstructure:"drain-timeout"`
	KeyCodec         string        `mapstructure:"key-codec"`
	DistributionFile string        `mapstructure:"distribution-file"`
	LogLevel         string        `mapstructure:"log-level"`

	ClusterID string `mapstructure:"cluster-id"`
	Exchange  string `mapstructure:"exchange"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
}

func addFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("system", "kafka", "system under test: kafka, jetstream, stan, liftbridge, nsq, amqp, rmqstream, redis")
	flags.StringSlice("brokers", nil, "broker endpoints, defaults to host:port")
	flags.String("host", "localhost", "broker host")
	flags.Int("port", 9092, "broker port")
	flags.String("topic", "topic1", "destination topic")
	flags.Bool("async", false, "send without waiting for each acknowledgment")
	flags.Int("requests", bench.DefaultRequests, "number of messages to send")
	flags.String("client-id", "DemoProducer", "client identifier")
	flags.Float64("rate", 0, "max sends per second, 0 for unlimited")
	flags.Duration("drain-timeout", 0, "max wait for outstanding async completions, 0 waits for all")
	flags.String("key-codec", "integer", "key encoding: integer or string")
	flags.String("distribution-file", "", "write the HdrHistogram latency distribution to this file")
	flags.String("log-level", "info", "log level")
	flags.String("cluster-id", "test-cluster", "NATS Streaming cluster id")
	flags.String("exchange", "", "AMQP exchange")
	flags.String("user", "guest", "RabbitMQ stream user")
	flags.String("password", "guest", "RabbitMQ stream password")
}

// loadSettings merges flags, PRODBENCH_* environment variables and the
// optional config file, in decreasing precedence.
func loadSettings(flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Settings{}, errors.Wrap(err, "binding flags")
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "reading config file %s", file)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decoding settings")
	}
	return s, nil
}

// Endpoints returns the configured brokers, or host:port when none are set.
func (s Settings) Endpoints() []string {
	if len(s.Brokers) > 0 {
		return s.Brokers
	}
	return []string{net.JoinHostPort(s.Host, strconv.Itoa(s.Port))}
}

// RunConfig builds the benchmark run configuration.
func (s Settings) RunConfig() bench.RunConfig {
	return bench.RunConfig{
		Topic:        s.Topic,
		Mode:         bench.ModeFromAsync(s.Async),
		Requests:     s.Requests,
		Rate:         s.Rate,
		DrainTimeout: s.DrainTimeout,
	}
}

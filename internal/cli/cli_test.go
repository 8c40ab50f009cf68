package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	bench "github.com/ssd532/producer-bench"
	"github.com/ssd532/producer-bench/requester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("prodbench", pflag.ContinueOnError)
	addFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings(flagSet(t))
	require.NoError(t, err)

	assert.Equal(t, "kafka", s.System)
	assert.Equal(t, []string{"localhost:9092"}, s.Endpoints())
	assert.Equal(t, bench.DefaultRequests, s.Requests)
	assert.Equal(t, "DemoProducer", s.ClientID)

	config := s.RunConfig()
	assert.Equal(t, bench.Blocking, config.Mode)
	assert.Equal(t, "topic1", config.Topic)
	assert.NoError(t, config.Validate())
}

func TestLoadSettingsFlags(t *testing.T) {
	s, err := loadSettings(flagSet(t,
		"--async", "--requests", "10", "--brokers", "k1:9092,k2:9092", "--drain-timeout", "5s"))
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, s.Endpoints())
	config := s.RunConfig()
	assert.Equal(t, bench.NonBlocking, config.Mode)
	assert.Equal(t, 10, config.Requests)
	assert.Equal(t, 5*time.Second, config.DrainTimeout)
}

func TestLoadSettingsEnvironment(t *testing.T) {
	t.Setenv("PRODBENCH_REQUESTS", "500")
	t.Setenv("PRODBENCH_CLIENT_ID", "from-env")

	s, err := loadSettings(flagSet(t))
	require.NoError(t, err)
	assert.Equal(t, 500, s.Requests)
	assert.Equal(t, "from-env", s.ClientID)
}

func TestLoadSettingsConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(file, []byte("system: redis\ntopic: latency\nport: 6379\n"), 0o600))

	s, err := loadSettings(flagSet(t, "--config", file, "--topic", "override"))
	require.NoError(t, err)
	assert.Equal(t, "redis", s.System)
	assert.Equal(t, "override", s.Topic)
	assert.Equal(t, []string{"localhost:6379"}, s.Endpoints())
}

func TestLoadSettingsMissingConfigFile(t *testing.T) {
	_, err := loadSettings(flagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestNewFactory(t *testing.T) {
	logger := log.NewEntry(log.New())
	systems := map[string]interface{}{
		"kafka":      &requester.KafkaRequesterFactory{},
		"jetstream":  &requester.JetStreamRequesterFactory{},
		"stan":       &requester.NATSStreamingRequesterFactory{},
		"liftbridge": &requester.LiftbridgeRequesterFactory{},
		"nsq":        &requester.NSQRequesterFactory{},
		"amqp":       &requester.AMQPRequesterFactory{},
		"rmqstream":  &requester.RMQStreamRequesterFactory{},
		"redis":      &requester.RedisRequesterFactory{},
	}
	for system, want := range systems {
		s, err := loadSettings(flagSet(t, "--system", system))
		require.NoError(t, err)
		factory, err := newFactory(s, logger)
		require.NoError(t, err, system)
		assert.IsType(t, want, factory, system)
	}

	kafka, err := newFactory(Settings{System: "kafka", Host: "broker", Port: 9093, ClientID: "c"}, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"broker:9093"}, kafka.(*requester.KafkaRequesterFactory).URLs)
}

func TestNewFactoryRejectsUnknown(t *testing.T) {
	logger := log.NewEntry(log.New())
	_, err := newFactory(Settings{System: "carrier-pigeon"}, logger)
	assert.Error(t, err)
	_, err = newFactory(Settings{System: "kafka", KeyCodec: "avro"}, logger)
	assert.Error(t, err)
}

func TestRootCmdRejectsInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	cmd := NewRootCmd(&out, io.Discard)
	cmd.SetArgs([]string{"--requests", "0"})
	err := cmd.Execute()
	assert.True(t, errors.Is(err, bench.ErrInvalidConfig), "got %v", err)
	assert.Empty(t, out.String())
}

func TestRootCmdRejectsBadLogLevel(t *testing.T) {
	cmd := NewRootCmd(io.Discard, io.Discard)
	cmd.SetArgs([]string{"--log-level", "loud"})
	assert.Error(t, cmd.Execute())
}

package cli

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bench "github.com/ssd532/producer-bench"
	"github.com/ssd532/producer-bench/requester"
)

// newFactory returns the RequesterFactory for the configured system.
func newFactory(s Settings, logger *log.Entry) (bench.RequesterFactory, error) {
	keys, ok := bench.KeyEncoderByName(s.KeyCodec)
	if !ok {
		return nil, errors.Errorf("unknown key codec %q", s.KeyCodec)
	}
	endpoints := s.Endpoints()

	switch s.System {
	case "kafka":
		return &requester.KafkaRequesterFactory{
			URLs:       endpoints,
			ClientID:   s.ClientID,
			KeyEncoder: keys,
		}, nil
	case "jetstream":
		return &requester.JetStreamRequesterFactory{
			URL:        "nats://" + endpoints[0],
			ClientID:   s.ClientID,
			KeyEncoder: keys,
		}, nil
	case "stan":
		return &requester.NATSStreamingRequesterFactory{
			URL:       "nats://" + endpoints[0],
			ClusterID: s.ClusterID,
			ClientID:  s.ClientID,
		}, nil
	case "liftbridge":
		return &requester.LiftbridgeRequesterFactory{
			URLs:       endpoints,
			KeyEncoder: keys,
		}, nil
	case "nsq":
		return &requester.NSQRequesterFactory{
			URL:      endpoints[0],
			ClientID: s.ClientID,
			Logger:   logger,
		}, nil
	case "amqp":
		return &requester.AMQPRequesterFactory{
			URL:        "amqp://" + s.User + ":" + s.Password + "@" + endpoints[0],
			Exchange:   s.Exchange,
			KeyEncoder: keys,
		}, nil
	case "rmqstream":
		return &requester.RMQStreamRequesterFactory{
			Host:     s.Host,
			Port:     s.Port,
			User:     s.User,
			Password: s.Password,
		}, nil
	case "redis":
		return &requester.RedisRequesterFactory{
			URL:        endpoints[0],
			ClientID:   s.ClientID,
			KeyEncoder: keys,
		}, nil
	default:
		return nil, errors.Errorf("unknown system %q", s.System)
	}
}

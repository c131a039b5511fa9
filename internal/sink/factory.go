package sink

import (
	"context"
	"fmt"

	"github.com/cassiomorais/outbox/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Deps are the shared clients a sink may need.
type Deps struct {
	Redis         redis.Cmdable
	Logger        zerolog.Logger
	ClientID      string
	OnStateChange StateChangeFunc
}

// New builds the sink selected by cfg.Type, wrapped in a circuit breaker
// when cfg.Breaker.Enabled is set.
func New(ctx context.Context, cfg config.SinkConfig, deps Deps) (Sink, error) {
	s, err := newAdapter(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	if !cfg.Breaker.Enabled {
		return s, nil
	}

	bc := DefaultBreakerConfig()
	if cfg.Breaker.MaxRequests > 0 {
		bc.MaxRequests = cfg.Breaker.MaxRequests
	}
	if cfg.Breaker.Interval > 0 {
		bc.Interval = cfg.Breaker.Interval
	}
	if cfg.Breaker.Timeout > 0 {
		bc.Timeout = cfg.Breaker.Timeout
	}
	if cfg.Breaker.MinRequests > 0 {
		bc.MinRequests = cfg.Breaker.MinRequests
	}
	if cfg.Breaker.FailureRatio > 0 {
		bc.FailureRatio = cfg.Breaker.FailureRatio
	}
	return NewBreaker("sink-"+cfg.Type, s, bc, deps.OnStateChange), nil
}

func newAdapter(ctx context.Context, cfg config.SinkConfig, deps Deps) (Sink, error) {
	switch cfg.Type {
	case config.SinkSimulated:
		return NewSimulated(deps.Logger,
			WithLatency(cfg.Simulated.Latency),
			WithFailureRate(cfg.Simulated.FailureRate),
		), nil
	case config.SinkRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis sink requires a redis client")
		}
		return NewRedisStream(deps.Redis, cfg.Redis.Stream, cfg.Redis.MaxLen), nil
	case config.SinkKafka:
		return NewKafka(KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			TopicPrefix: cfg.Kafka.TopicPrefix,
			ClientID:    deps.ClientID,
			Timeout:     cfg.Kafka.Timeout,
		})
	case config.SinkRabbitMQ:
		return NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
	case config.SinkPubSub:
		var opts []option.ClientOption
		if cfg.PubSub.Endpoint != "" {
			opts = append(opts,
				option.WithEndpoint(cfg.PubSub.Endpoint),
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		return NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID, opts...)
	case config.SinkWebhook:
		return NewWebhook(cfg.Webhook.URL, cfg.Webhook.Timeout, cfg.Webhook.Headers), nil
	case config.SinkFile:
		return NewFileLog(cfg.File.Path)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", cfg.Type)
	}
}

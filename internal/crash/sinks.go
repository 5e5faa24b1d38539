package crash

import (
	"context"
	"covfuzz/internal/types"
	"covfuzz/pkg/database"
	"covfuzz/pkg/mq"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	CrashQueueName = "crash_queue"

	SignaturesKey = "covfuzz:run:%s:signatures"
	StatsKey      = "covfuzz:run:%s:stats"
)

// Sink receives every triaged crash and timeout of the run.
type Sink interface {
	Name() string
	Handle(ctx context.Context, msg types.CrashMessage) error
}

// DBSink stores every crash and timeout as a row of the crashes table.
type DBSink struct {
	db *gorm.DB
}

func NewDBSink(db *gorm.DB) *DBSink {
	if db == nil {
		return nil
	}
	return &DBSink{db}
}

func (s *DBSink) Name() string { return "database" }

func (s *DBSink) Handle(ctx context.Context, msg types.CrashMessage) error {
	crash := database.NewCrash(
		msg.RunId,
		msg.Iteration,
		msg.Signature,
		msg.Repeated,
		msg.Timeout,
		msg.Mutation.String(),
		msg.CrashFile,
	)
	return database.AddCrashes(ctx, s.db, []*database.Crash{crash})
}

// RedisSink mirrors the run counters and the set of unique signatures.
type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	if client == nil {
		return nil
	}
	return &RedisSink{client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, msg types.CrashMessage) error {
	statsKey := fmt.Sprintf(StatsKey, msg.RunId)

	pipe := s.client.TxPipeline()
	if msg.Timeout {
		pipe.HIncrBy(ctx, statsKey, "total_timeout", 1)
	} else {
		pipe.HIncrBy(ctx, statsKey, "total_crashes", 1)
		pipe.HIncrBy(ctx, statsKey, msg.Mutation.String()+"_crashes", 1)
		if msg.Repeated {
			pipe.HIncrBy(ctx, statsKey, "total_repeated", 1)
		} else {
			pipe.HIncrBy(ctx, statsKey, "total_unique", 1)
			pipe.SAdd(ctx, fmt.Sprintf(SignaturesKey, msg.RunId), msg.Signature)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update redis counters: %w", err)
	}
	return nil
}

// MQSink publishes unique crashes to CrashQueueName.
type MQSink struct {
	rabbitMQ mq.RabbitMQ
}

func NewMQSink(rabbitMQ mq.RabbitMQ) *MQSink {
	if rabbitMQ == nil {
		return nil
	}
	return &MQSink{rabbitMQ}
}

func (s *MQSink) Name() string { return "rabbitmq" }

func (s *MQSink) Handle(ctx context.Context, msg types.CrashMessage) error {
	if msg.Timeout || msg.Repeated {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal crash message: %w", err)
	}
	return s.rabbitMQ.Publish(ctx, CrashQueueName, body)
}

var SinksModule = fx.Options(
	fx.Provide(fx.Annotate(NewDBSink, fx.As(new(Sink)), fx.ResultTags(`group:"crash_sinks"`))),
	fx.Provide(fx.Annotate(NewRedisSink, fx.As(new(Sink)), fx.ResultTags(`group:"crash_sinks"`))),
	fx.Provide(fx.Annotate(NewMQSink, fx.As(new(Sink)), fx.ResultTags(`group:"crash_sinks"`))),
)

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/application"
	"github.com/wyfcoding/matchingcore/internal/matchingengine/domain"
	"github.com/wyfcoding/matchingcore/pkg/mq"
)

// CommandExecutor 提交指令并等待撮合结果
type CommandExecutor interface {
	Execute(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error)
}

// CommandConsumer 从 Kafka 指令主题读取 JSON 指令，撮合完成后才提交偏移量。
// 重投的消息由预处理阶段按 message_id 去重。
type CommandConsumer struct {
	consumer *mq.KafkaConsumer
	engine   CommandExecutor
	logger   *slog.Logger

	retryInterval time.Duration
}

func NewCommandConsumer(consumer *mq.KafkaConsumer, engine CommandExecutor, logger *slog.Logger) *CommandConsumer {
	return &CommandConsumer{
		consumer:      consumer,
		engine:        engine,
		logger:        logger.With("module", "command_consumer"),
		retryInterval: 200 * time.Millisecond,
	}
}

// Run 循环消费直到 ctx 结束。撮合引擎停止或指令未能进入撮合时返回错误
func (c *CommandConsumer) Run(ctx context.Context) error {
	c.logger.Info("command consumer started")
	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *CommandConsumer) fetch(ctx context.Context) (*mq.Message, error) {
	return backoff.Retry(ctx, func() (*mq.Message, error) {
		msg, err := c.consumer.Fetch(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return msg, err
	}, c.retryOptions("failed to fetch command, retrying")...)
}

func (c *CommandConsumer) handle(ctx context.Context, msg *mq.Message) error {
	receivedAt := msg.Time
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	cmd, err := application.DecodeCommand(msg.Value, receivedAt)
	if err != nil {
		// 无法解析的消息重投也无法处理，记录后跳过
		c.logger.Warn("dropping malformed command", "partition", msg.Partition, "offset", msg.Offset, "key", msg.Key, "error", err)
		return c.commit(ctx, msg)
	}

	res, err := backoff.Retry(ctx, func() (*domain.CommandResult, error) {
		res, err := c.engine.Execute(ctx, cmd)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, domain.ErrQueueFull):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}, c.retryOptions("command queue full, retrying")...)
	if err != nil {
		c.logger.Error("failed to execute command", "message_id", cmd.Header().MessageID, "offset", msg.Offset, "error", err)
		return err
	}

	if res.Status == domain.CommandFailed {
		// 未进入撮合，不提交偏移量
		c.logger.Error("command not processed", "message_id", res.MessageID, "offset", msg.Offset, "message", res.Message)
		return fmt.Errorf("command %s not processed: %s", res.MessageID, res.Message)
	}
	if res.Status != domain.CommandOK {
		c.logger.Info("command rejected", "message_id", res.MessageID, "status", res.Status, "reason", res.Reason, "message", res.Message)
	}
	return c.commit(ctx, msg)
}

func (c *CommandConsumer) commit(ctx context.Context, msg *mq.Message) error {
	if err := c.consumer.Commit(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	return nil
}

func (c *CommandConsumer) retryOptions(msg string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxInterval = 5 * time.Second
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn(msg, "error", err, "next", next)
		}),
	}
}

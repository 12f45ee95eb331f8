// Package mq 提供 Kafka producer/consumer 通用实现
package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int
}

// MessageWriter 抽象 kafka.Writer，便于替换
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer MessageWriter
	logger *slog.Logger
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig, logger *slog.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		AllowAutoTopicCreation: true,
		Balancer:               &kafka.Hash{},
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        time.Duration(cfg.RetryBackoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(cfg.RetryBackoff*10) * time.Millisecond,
	}
	logger.Info("kafka producer created", "brokers", cfg.Brokers)
	return NewProducerWithWriter(writer, logger)
}

// NewProducerWithWriter 使用自定义 writer 创建生产者
func NewProducerWithWriter(w MessageWriter, logger *slog.Logger) *KafkaProducer {
	return &KafkaProducer{writer: w, logger: logger.With("module", "kafka_producer")}
}

// Send 发送单条已编码消息，key 决定分区从而保证同 key 有序
func (kp *KafkaProducer) Send(ctx context.Context, topic, key string, value []byte) error {
	err := kp.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		kp.logger.Error("failed to send kafka message", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("kafka write to %s: %w", topic, err)
	}
	kp.logger.Debug("kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// MessageReader 抽象 kafka.Reader
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time

	raw kafka.Message
}

// KafkaConsumer Kafka 消费者
type KafkaConsumer struct {
	reader MessageReader
	logger *slog.Logger
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})
	logger.Info("kafka consumer created", "brokers", cfg.Brokers, "topic", topic, "group_id", cfg.GroupID)
	return NewConsumerWithReader(reader, logger)
}

// NewConsumerWithReader 使用自定义 reader 创建消费者
func NewConsumerWithReader(r MessageReader, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{reader: r, logger: logger.With("module", "kafka_consumer")}
}

// Fetch 读取单条消息，不自动提交
func (kc *KafkaConsumer) Fetch(ctx context.Context) (*Message, error) {
	msg, err := kc.reader.FetchMessage(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			kc.logger.Error("failed to fetch kafka message", "error", err)
		}
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
		raw:       msg,
	}, nil
}

// Commit 提交消息偏移量
func (kc *KafkaConsumer) Commit(ctx context.Context, msgs ...*Message) error {
	raws := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		raws = append(raws, m.raw)
	}
	if len(raws) == 0 {
		return nil
	}
	return kc.reader.CommitMessages(ctx, raws...)
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}

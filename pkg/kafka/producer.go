// Package kafka 提供 Kafka 客户端封装
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/pkg/logger"
)

// ErrNotConfigured brokers 或 topic 为空
var ErrNotConfigured = errors.New("kafka producer not configured")

// ProducerConfig Kafka 生产者配置
type ProducerConfig struct {
	Brokers      []string      // Kafka broker 地址
	Topic        string        // 目标 topic
	BatchSize    int           // 为 0 时使用 kafka-go 默认值
	BatchTimeout time.Duration // 为 0 时使用 kafka-go 默认值
}

// Producer Kafka 生产者
type Producer struct {
	cfg    *ProducerConfig
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, ErrNotConfigured
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // 同一 key（room_id）落在同一分区
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{
		cfg:    cfg,
		writer: writer,
	}, nil
}

// Send 发送消息
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	msg := kafka.Message{
		Key:   key,
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		logger.Error("kafka send failed",
			zap.Error(err),
			zap.String("topic", p.cfg.Topic),
			zap.ByteString("key", key),
		)
		return err
	}

	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

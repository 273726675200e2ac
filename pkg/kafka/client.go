// Package kafka 提供了与 Kafka 消息队列交互的功能：
// 把上传生命周期事件写入主题，以及从主题中读取事件。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"djidji-uploader/internal/config"
	"djidji-uploader/internal/events"
	"djidji-uploader/pkg/log"
)

// Producer 是 events.Sink 的 Kafka 实现，消息以会话 ID 作为 key。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers(cfg)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,

		// 异步写入：Publish 只入队，不等待 broker 确认
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,

		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warnf("[Kafka] 写入 %d 条消息失败: %v", len(messages), err)
			}
		},
	}
	log.Infof("[Kafka] 生产者初始化成功, topic=%s", cfg.Topic)
	return &Producer{writer: w}
}

// Publish 将一个事件放入写入批次，写入失败由 Completion 记录。
func (p *Producer) Publish(ctx context.Context, ev events.Event) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close 关闭生产者并刷新缓冲。
func (p *Producer) Close() error {
	return p.writer.Close()
}

func encode(ev events.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化事件失败: %w", err)
	}
	msg := kafka.Message{
		Value:   value,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	if ev.Session != nil {
		msg.Key = []byte(ev.Session.ID)
	}
	return msg, nil
}

// Tail 从主题读取事件并交给 handle，直到 ctx 取消。
// 无法解析的消息会被记录并跳过。
func Tail(ctx context.Context, cfg config.KafkaConfig, handle func(events.Event) error) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers(cfg),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("[Kafka] 关闭消费者失败: %v", err)
		}
	}()

	log.Infof("[Kafka] 消费者已启动，正在监听主题 '%s'", cfg.Topic)
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}

		ev, err := decode(m)
		if err != nil {
			log.Errorf("[Kafka] 无法解析消息: %v, value: %s", err, string(m.Value))
		} else if err := handle(ev); err != nil {
			return err
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("[Kafka] 提交 offset 失败: %v", err)
		}
	}
}

func decode(m kafka.Message) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

func brokers(cfg config.KafkaConfig) []string {
	var out []string
	for _, b := range strings.Split(cfg.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

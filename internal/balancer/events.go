package balancer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"powcap/internal/common"
)

// CapEvent 封顶变更事件，每条已应用的指令发布一条
type CapEvent struct {
	NIDs      string    `json:"nids"`
	Watts     uint32    `json:"watts"`
	Increase  bool      `json:"increase"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 把封顶变更事件发布到Kafka。nil接收者是无操作，
// 事件发布失败只记日志，不影响控制循环。
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher 根据配置创建事件发布器；未启用时返回nil
func NewPublisher(cfg common.EventsConfig) *Publisher {
	if !cfg.Enabled {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: common.ComponentLogger("cap-events"),
	}
}

// PublishCapChange 发布一条封顶变更事件
func (p *Publisher) PublishCapChange(ctx context.Context, ins Instruction) {
	if p == nil {
		return
	}

	event := CapEvent{
		NIDs:      ins.NIDRange,
		Watts:     ins.Watts,
		Increase:  ins.Increase,
		Timestamp: time.Now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode cap event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(ins.NIDRange),
		Value: value,
		Time:  event.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish cap event",
			zap.String("nids", ins.NIDRange),
			zap.Error(err))
	}
}

// Close 关闭底层writer
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}

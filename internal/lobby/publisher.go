package lobby

import (
	"context"
	"encoding/json"
	"time"

	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/kafka"
)

// MatchPublisher 对局就绪事件的下游
type MatchPublisher interface {
	PublishMatchReady(ctx context.Context, ev MatchReadyEvent) error
}

// MatchPlayer 对局玩家
type MatchPlayer struct {
	Slot     int    `json:"slot"`
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

// MatchReadyEvent 全员准备后发布的事件
type MatchReadyEvent struct {
	ServerID string        `json:"server_id"`
	RoomID   string        `json:"room_id"`
	Name     string        `json:"name"`
	MapID    int32         `json:"map_id"`
	Players  []MatchPlayer `json:"players"`
	ReadyAt  int64         `json:"ready_at"` // 毫秒
}

func newMatchReadyEvent(serverID string, info protocol.RoomInfo) MatchReadyEvent {
	ev := MatchReadyEvent{
		ServerID: serverID,
		RoomID:   info.RoomID,
		Name:     info.Name,
		MapID:    info.MapID,
		ReadyAt:  time.Now().UnixMilli(),
	}
	for _, seat := range info.Seats {
		ev.Players = append(ev.Players, MatchPlayer{
			Slot:     seat.Slot,
			UserID:   seat.UserID,
			UserName: seat.UserName,
		})
	}
	return ev
}

// KafkaPublisher 以 room_id 为 key 写入 Kafka
type KafkaPublisher struct {
	producer *kafka.Producer
}

// NewKafkaPublisher 包装 Kafka 生产者
func NewKafkaPublisher(p *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

// PublishMatchReady 发布事件
func (p *KafkaPublisher) PublishMatchReady(ctx context.Context, ev MatchReadyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.producer.Send(ctx, []byte(ev.RoomID), data)
}

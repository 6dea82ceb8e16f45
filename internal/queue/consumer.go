package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message はコンシューマーグループから受け取った1エントリ。
type Message struct {
	ID         string
	Values     map[string]string
	Deliveries int64 // このエントリが配送された回数
}

// ConsumerConfig はConsumerの設定。
type ConsumerConfig struct {
	Stream     string
	Group      string
	Name       string
	BatchSize  int64
	Block      time.Duration // 0以下の場合は待機しない
	Visibility time.Duration // 未ACKのまま放置されたエントリを再取得するまでの時間
}

// Consumer はRedis Streamsのコンシューマーグループを操作する。
// 同じグループに複数のConsumerが参加してよい。
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

// NewConsumer はConsumerを生成する。
func NewConsumer(client *redis.Client, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Consumer{client: client, cfg: cfg}
}

// Stream は購読中のストリーム名を返す。
func (c *Consumer) Stream() string { return c.cfg.Stream }

// EnsureGroup はコンシューマーグループを作成する。
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	return EnsureGroup(ctx, c.client, c.cfg.Stream, c.cfg.Group)
}

// Read は新しいエントリを読み取る。エントリが無い場合は空スライスを返す。
func (c *Consumer) Read(ctx context.Context) ([]Message, error) {
	block := c.cfg.Block
	if block <= 0 {
		block = -1
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ストリームの読み取りに失敗 (%s): %w", c.cfg.Stream, err)
	}

	var msgs []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, toMessage(m, 1))
		}
	}
	return msgs, nil
}

// Ack はエントリの処理完了を通知する。
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("ACKに失敗 (%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Reclaim は可視性タイムアウトを超えて未ACKのエントリを自分に付け替えて返す。
// 返すMessageのDeliveriesは今回の再取得を含む配送回数。
func (c *Consumer) Reclaim(ctx context.Context) ([]Message, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.Visibility,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("保留エントリの取得に失敗 (%s): %w", c.cfg.Stream, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.Visibility,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("保留エントリの再取得に失敗 (%s): %w", c.cfg.Stream, err)
	}

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, toMessage(m, counts[m.ID]+1))
	}
	return msgs, nil
}

// DeadLetter はエントリをデッドレターストリームへ移し、元のグループではACKする。
func (c *Consumer) DeadLetter(ctx context.Context, deadLetterStream string, m Message, reason string) error {
	values := make(map[string]interface{}, len(m.Values)+3)
	for k, v := range m.Values {
		values[k] = v
	}
	values["source_stream"] = c.cfg.Stream
	values["source_id"] = m.ID
	values["reason"] = reason

	pipe := c.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: deadLetterStream, Values: values})
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, m.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("デッドレターへの移動に失敗 (%s): %w", m.ID, err)
	}
	return nil
}

func toMessage(m redis.XMessage, deliveries int64) Message {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		values[k] = fmt.Sprint(v)
	}
	return Message{ID: m.ID, Values: values, Deliveries: deliveries}
}

// StreamConsumer はワーカーが利用するコンシューマーグループ操作のインターフェース。
type StreamConsumer interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]Message, error)
	Reclaim(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	DeadLetter(ctx context.Context, deadLetterStream string, m Message, reason string) error
}

var _ StreamConsumer = (*Consumer)(nil)

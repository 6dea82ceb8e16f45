package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// ブロードキャストエントリのフィールド名
const (
	FieldBroadcastID = "broadcast_id"
	FieldSubject     = "subject"
	FieldMessage     = "message"
)

// PublishResult はブロードキャスト発行の結果。
type PublishResult struct {
	BroadcastID string
	StreamID    string
}

// TopicPublisher は新着1件につき1回、ブロードキャストトピックへ通知を発行する。
type TopicPublisher struct {
	client  redis.Cmdable
	stream  string
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewTopicPublisher はTopicPublisherを生成する。
func NewTopicPublisher(client redis.Cmdable, stream string, logger *slog.Logger, m metrics.MetricsCollector) *TopicPublisher {
	if m == nil {
		m = metrics.Nop{}
	}
	return &TopicPublisher{client: client, stream: stream, logger: logger, metrics: m}
}

// Publish は通知を封筒にシリアライズしてトピックへ追加する。
// 失敗時はmodel.ErrPublishを返す。
func (p *TopicPublisher) Publish(ctx context.Context, msg model.NotificationMessage) (PublishResult, error) {
	envelope, err := msg.Envelope().Marshal()
	if err != nil {
		return PublishResult{}, model.Wrap(model.ErrPublish, fmt.Errorf("封筒のシリアライズに失敗: %w", err))
	}

	broadcastID := uuid.NewString()
	streamID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			FieldBroadcastID: broadcastID,
			FieldSubject:     msg.Subject,
			FieldMessage:     string(envelope),
		},
	}).Result()
	if err != nil {
		return PublishResult{}, model.Wrap(model.ErrPublish, err)
	}

	p.metrics.RecordBroadcastPublished()
	p.logger.Info("ブロードキャストを発行しました",
		slog.String("broadcast_id", broadcastID),
		slog.String("stream_id", streamID),
		slog.String("subject", msg.Subject),
		slog.Int("bytes", len(envelope)),
	)
	return PublishResult{BroadcastID: broadcastID, StreamID: streamID}, nil
}

// ErrMalformedEntry はストリームエントリに必須フィールドが無いことを示す。
var ErrMalformedEntry = errors.New("ストリームエントリの形式が不正です")

// BroadcastFromMessage はストリームエントリをBroadcastに変換する。
func BroadcastFromMessage(m Message) (model.Broadcast, error) {
	b := model.Broadcast{
		ID:       m.Values[FieldBroadcastID],
		StreamID: m.ID,
		Subject:  m.Values[FieldSubject],
		Message:  m.Values[FieldMessage],
	}
	if b.Message == "" {
		return b, fmt.Errorf("%w: ブロードキャスト %s にmessageフィールドがありません", ErrMalformedEntry, m.ID)
	}
	return b, nil
}

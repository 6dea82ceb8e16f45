package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/hitoshi/feedrelay/internal/model"
)

// 配信ジョブのフィールド名
const (
	FieldJobID = "job_id"
	FieldEmail = "email"
	FieldBody  = "message_body"
)

// DefaultChunkSize はパイプライン1回あたりのXADD件数。
const DefaultChunkSize = 100

// WorkQueue は購読者ごとの配信ジョブを積むワークキュー。
type WorkQueue struct {
	client    redis.Cmdable
	stream    string
	chunkSize int
}

// NewWorkQueue はWorkQueueを生成する。chunkSizeが0以下の場合はDefaultChunkSizeを使う。
func NewWorkQueue(client redis.Cmdable, stream string, chunkSize int) *WorkQueue {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &WorkQueue{client: client, stream: stream, chunkSize: chunkSize}
}

// Stream はワークキューのストリーム名を返す。
func (q *WorkQueue) Stream() string { return q.stream }

// Enqueue は配信ジョブをパイプラインでまとめて追加し、追加件数を返す。
// 途中のチャンクで失敗した場合はそれまでに追加した件数とエラーを返す。
func (q *WorkQueue) Enqueue(ctx context.Context, jobs []model.DeliveryJob) (int, error) {
	enqueued := 0
	for _, chunk := range lo.Chunk(jobs, q.chunkSize) {
		pipe := q.client.Pipeline()
		for _, job := range chunk {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: q.stream,
				Values: map[string]interface{}{
					FieldJobID:   job.ID,
					FieldEmail:   job.Email,
					FieldSubject: job.Subject,
					FieldBody:    job.MessageBody,
				},
			})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return enqueued, fmt.Errorf("配信ジョブの追加に失敗 (%s): %w", q.stream, err)
		}
		enqueued += len(chunk)
	}
	return enqueued, nil
}

// JobFromMessage はストリームエントリをDeliveryJobに変換する。
func JobFromMessage(m Message) (model.DeliveryJob, error) {
	job := model.DeliveryJob{
		ID:          m.Values[FieldJobID],
		StreamID:    m.ID,
		Email:       m.Values[FieldEmail],
		Subject:     m.Values[FieldSubject],
		MessageBody: m.Values[FieldBody],
		Deliveries:  m.Deliveries,
	}
	if job.Email == "" || job.MessageBody == "" {
		return job, fmt.Errorf("%w: 配信ジョブ %s の必須フィールドが欠けています", ErrMalformedEntry, m.ID)
	}
	return job, nil
}

// Package queue はRedis Streams上のブロードキャストトピックと配信ワークキューを提供する。
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient はURLからRedisクライアントを生成し、疎通を確認する。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// EnsureGroup はストリームにコンシューマーグループを作成する。
// ストリームが無ければ作成し、グループが既にあればエラーにしない。
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("コンシューマーグループの作成に失敗 (%s/%s): %w", stream, group, err)
	}
	return nil
}

// TrimBefore はcutoffより前に追加されたエントリをストリームから削除する。
func TrimBefore(ctx context.Context, client redis.Cmdable, stream string, cutoff time.Time) (int64, error) {
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
	n, err := client.XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("ストリームのトリムに失敗 (%s): %w", stream, err)
	}
	return n, nil
}

// Trimmer はストリームの保持期間管理を行う。
type Trimmer struct {
	client redis.Cmdable
}

// NewTrimmer はTrimmerを生成する。
func NewTrimmer(client redis.Cmdable) *Trimmer {
	return &Trimmer{client: client}
}

// TrimBefore はcutoffより前のエントリを削除し、削除件数を返す。
func (t *Trimmer) TrimBefore(ctx context.Context, stream string, cutoff time.Time) (int64, error) {
	return TrimBefore(ctx, t.client, stream, cutoff)
}

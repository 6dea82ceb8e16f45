package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/repository"
)

// Poller は最新1件だけのフィードを取得し、未記録の公開があるかを判定する。
type Poller struct {
	source    FeedSource
	parser    FeedParser
	notices   repository.NoticeRepository
	snapshots repository.SnapshotRepository
	url       string
	logger    *slog.Logger
}

// NewPoller はPollerを生成する。
func NewPoller(
	source FeedSource,
	parser FeedParser,
	notices repository.NoticeRepository,
	snapshots repository.SnapshotRepository,
	url string,
	logger *slog.Logger,
) *Poller {
	return &Poller{
		source:    source,
		parser:    parser,
		notices:   notices,
		snapshots: snapshots,
		url:       url,
		logger:    logger,
	}
}

// Check はフィード上の最新公開日時を読み、記録済みでなければtrueを返す。
// 読み取ったスナップショットは保存し、呼び出し側にも返す。
func (p *Poller) Check(ctx context.Context) (model.FeedSnapshot, bool, error) {
	raw, err := p.source.Fetch(ctx, p.url)
	if err != nil {
		return model.FeedSnapshot{}, false, err
	}

	latest, err := p.parser.LatestPubDate(raw)
	if err != nil {
		return model.FeedSnapshot{}, false, err
	}

	snapshot := model.FeedSnapshot{LatestPubDate: latest, CheckedAt: time.Now()}
	if latest == "" {
		p.logger.Warn("フィードに公開日時がありません")
		return snapshot, false, nil
	}

	p.logger.Info("フィード上の最新公開日時を確認しました",
		slog.String("latest_pub_date", latest),
	)

	exists, err := p.notices.ExistsByPubDate(ctx, latest)
	if err != nil {
		return snapshot, false, model.Wrap(model.ErrPersistence, err)
	}

	if err := p.snapshots.SaveSnapshot(ctx, snapshot); err != nil {
		// スナップショットは参照用のため、保存に失敗しても判定は続行する
		p.logger.Error("スナップショットの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	if exists {
		p.logger.Info("新しい公開はありません", slog.String("latest_pub_date", latest))
		return snapshot, false, nil
	}

	p.logger.Info("新しい公開を検知しました", slog.String("latest_pub_date", latest))
	return snapshot, true, nil
}

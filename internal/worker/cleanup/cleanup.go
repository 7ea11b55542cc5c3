// Package cleanup は配信履歴の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超過した終端状態のジョブと関連する
// delivery_itemsを日次バッチで削除する。delivery_itemsはCASCADE削除で
// 自動的に処理される。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/ksaito/newsrelay/internal/repository"
)

// CleanupJob は保持期間を超過した配信履歴の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	jobRepo       repository.JobRepository
	logger        *slog.Logger
	RetentionDays int // 配信履歴の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(jobRepo repository.JobRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		jobRepo:       jobRepo,
		logger:        logger,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過した終端状態のジョブを削除する。
// 実行中・待機中のジョブは対象外。冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := start.UTC().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.jobRepo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("配信履歴クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return err
	}

	j.logger.Info("配信履歴クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は指定間隔のティッカーでクリーンアップを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
